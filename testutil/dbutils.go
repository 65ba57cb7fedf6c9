package testutil

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/pkg/errors"

	"gitlab.com/luminapay/lumina/db"
)

// migrationsPath resolves the repo's migrations directory relative to this
// file, so tests can run from any package
func migrationsPath() string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		panic("could not get caller info for migrations path")
	}
	dir := filepath.Dir(filepath.Dir(file))
	return path.Join("file:", dir, "db", "migrations")
}

// databasePort reads DATABASE_PORT, falling back to the Postgres default
func databasePort() int {
	str := os.Getenv("DATABASE_PORT")
	if str == "" {
		return 5432
	}
	port, err := strconv.Atoi(str)
	if err != nil {
		log.Fatalf("DATABASE_PORT (%s) is not a valid int", str)
	}
	return port
}

// envOrElse returns the env variable, or the fallback when it is unset
func envOrElse(env, fallback string) string {
	if found := os.Getenv(env); found != "" {
		return found
	}
	return fallback
}

// GetDatabaseConfig returns a DB config suitable for testing purposes. The
// given argument is added to the name of the database
func GetDatabaseConfig(name string) db.DatabaseConfig {
	return db.DatabaseConfig{
		User:           "lumina_test",
		Password:       "password",
		Port:           databasePort(),
		Host:           envOrElse("DATABASE_HOST", "localhost"),
		Name:           "lumina_" + name,
		MigrationsPath: migrationsPath(),
	}
}

// CreateIfNotExists creates a new database from the given config if it does
// not exist.
func CreateIfNotExists(conf db.DatabaseConfig) error {
	rootConfig := db.DatabaseConfig{
		User:     "postgres",
		Password: "postgres",
		Host:     conf.Host,
		Port:     conf.Port,
		Name:     "postgres",
	}

	database, err := db.Open(rootConfig)
	if err != nil {
		return errors.Wrapf(err, "couldn't connect to root Postgres DB")
	}

	rows, err := database.Query("SELECT datname FROM pg_database WHERE datname=$1",
		conf.Name)

	if err != nil {
		return errors.Wrap(err, "couldn't query pg_database")
	}

	if err = rows.Err(); err != nil {
		return errors.Wrap(err, "rows.Err()")
	}

	// database exists
	if rows.Next() {
		return nil
	}

	// database does not exist
	_, err = database.Exec(fmt.Sprintf("CREATE DATABASE %s", conf.Name))
	if err != nil {
		return errors.Wrap(err, "cannot create database")
	}

	_, err = database.Exec(fmt.Sprintf(
		"GRANT ALL PRIVILEGES ON DATABASE %s TO %s",
		conf.Name,
		conf.User))
	return errors.Wrap(err, "cannot grant privileges to test user")
}

// InitDatabase initializes a DB for the given config such that tests can
// be run against it
func InitDatabase(config db.DatabaseConfig) *db.DB {
	log.Info("Opening, destroying and creating test DB")
	testDB, err := db.Open(config)

	if err != nil {
		log.Fatalf("Could not open test database: %+v\n", err)
	}

	if err = CreateIfNotExists(config); err != nil {
		log.Fatalf("Could not create test DB: %v", err)
	}

	if err = testDB.Teardown(); err != nil {
		log.Fatalf("Could not tear down test DB: %v", err)
	}

	if err = testDB.MigrateOrReset(); err != nil {
		log.Fatalf("Could not create test database: %v", err)
	}

	return testDB
}
