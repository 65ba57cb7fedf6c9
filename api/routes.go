package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/pkg/errors"
	"gopkg.in/go-playground/validator.v8"

	"gitlab.com/luminapay/lumina/api/apierr"
	"gitlab.com/luminapay/lumina/api/auth"
	"gitlab.com/luminapay/lumina/api/validation"
	"gitlab.com/luminapay/lumina/build"
	"gitlab.com/luminapay/lumina/db"
	"gitlab.com/luminapay/lumina/funding"
	"gitlab.com/luminapay/lumina/models/payments"
	"gitlab.com/luminapay/lumina/notify"
	"gitlab.com/luminapay/lumina/settings"
)

// Config is the configuration for our API
type Config struct {
	// The Bitcoin blockchain network we're on
	Network chaincfg.Params
	// AllowedOrigins are the CORS origins the API accepts
	AllowedOrigins []string
}

// RestServer is the rest server for our app. It includes a Router, a db
// connection and the funding source backing payments.
type RestServer struct {
	Router   *gin.Engine
	db       *db.DB
	source   funding.FundingSource
	settings *settings.Store
	bus      *notify.Bus
	notifier payments.Notifier
	network  chaincfg.Params
}

func getCorsConfig(allowedOrigins []string) cors.Config {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://127.0.0.1:3000"}
	}
	return cors.Config{
		AllowOrigins: allowedOrigins,
		AllowMethods: []string{
			http.MethodPut, http.MethodGet,
			http.MethodPost, http.MethodPatch,
			http.MethodDelete,
		},
		AllowHeaders: []string{
			"Accept", "Access-Control-Allow-Origin", "Content-Type", "Referer",
			auth.Header},
	}
}

// getGinEngine creates a new Gin engine, and applies middlewares used by
// our API. This includes recovering from panics, logging with Logrus and
// applying CORS configuration.
func getGinEngine(config Config) *gin.Engine {
	engine := gin.New()

	log.Debug("Applying gin.Recovery middleware")
	engine.Use(gin.Recovery())

	log.Debug("Applying Gin logging middleware")
	engine.Use(build.GinLoggingMiddleWare(log, []string{"/ping"}))

	log.Debug("Applying CORS middleware")
	engine.Use(cors.New(getCorsConfig(config.AllowedOrigins)))

	log.Debug("Applying error handler middleware")
	engine.Use(apierr.GetMiddleware(log))
	return engine
}

// checkFundingConnection verifies the funding source is reachable before we
// accept any requests
func checkFundingConnection(source funding.FundingSource) error {
	balance, err := source.Status(context.Background())
	if err != nil {
		return errors.Wrap(err, "could not reach funding source")
	}
	log.WithField("balanceMSat", balance).Info("Funding source is reachable")
	return nil
}

// NewApp creates a new app
func NewApp(database *db.DB, source funding.FundingSource, store *settings.Store,
	bus *notify.Bus, notifier payments.Notifier, config Config) (RestServer, error) {

	if config.Network.Name == "" {
		return RestServer{}, errors.New("config.Network is not set")
	}

	g := getGinEngine(config)

	engine, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return RestServer{}, fmt.Errorf(
			"gin validator engine (%s) was not validator.Validate",
			binding.Validator.Engine(),
		)
	}
	validators := validation.RegisterAllValidators(engine, config.Network)
	log.Infof("Registered custom validators: %s", validators)

	if err := checkFundingConnection(source); err != nil {
		return RestServer{}, err
	}

	r := RestServer{
		Router:   g,
		db:       database,
		source:   source,
		settings: store,
		bus:      bus,
		notifier: notifier,
		network:  config.Network,
	}

	// Ping handler
	r.Router.GET("/ping", func(c *gin.Context) {
		c.String(200, "pong")
	})

	r.Router.GET("/info", r.getInfo())

	r.Router.NoRoute(func(c *gin.Context) {
		apierr.Public(c, http.StatusNotFound, apierr.ErrRouteNotFound)
	})

	r.registerPaymentRoutes()
	r.registerWalletRoutes()
	r.registerWebsocketRoutes()

	return r, nil
}

func (r *RestServer) getInfo() gin.HandlerFunc {
	return func(c *gin.Context) {
		balance, err := r.source.Status(c.Request.Context())
		if err != nil {
			_ = c.Error(err).SetMeta("funding.status")
			return
		}

		migrationStatus, err := r.db.MigrationStatus()
		if err != nil {
			_ = c.Error(err)
			return
		}

		conf := r.settings.View()
		c.JSON(http.StatusOK, gin.H{
			"network":                 r.network.Name,
			"backend":                 conf.BackendWalletClass,
			"backendBalanceMSat":      balance,
			"databaseMigrationStatus": migrationStatus,
			"version":                 build.Version(),
		})
	}
}
