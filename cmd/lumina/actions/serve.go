package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"gitlab.com/luminapay/lumina/api"
	"gitlab.com/luminapay/lumina/async"
	"gitlab.com/luminapay/lumina/cmd/lumina/flags"
	"gitlab.com/luminapay/lumina/db"
	"gitlab.com/luminapay/lumina/funding"
	"gitlab.com/luminapay/lumina/notify"
	"gitlab.com/luminapay/lumina/reconciler"
	"gitlab.com/luminapay/lumina/settings"
)

const (
	rpcAwaitAttempts = 5
	rpcAwaitDuration = time.Second
)

// awaitFunding tries to get a response from the funding source, returning an
// error if that isn't possible within a set of attempts
func awaitFunding(source funding.FundingSource) error {
	retry := func() bool {
		_, err := source.Status(context.Background())
		if err != nil {
			log.WithError(err).Debug("Funding source status check failed")
		}
		return err == nil
	}
	return async.Await(rpcAwaitAttempts, rpcAwaitDuration, retry, "couldn't reach funding source")
}

func Serve() cli.Command {
	serve := cli.Command{
		Name:  "serve",
		Usage: "Starts the payment engine api",
		Action: func(c *cli.Context) error {
			network, err := flags.ReadNetwork(c)
			if err != nil {
				return err
			}

			conf, err := flags.ReadSettings(c)
			if err != nil {
				return err
			}
			store := settings.NewStore(conf)

			dbConf := flags.ReadDbConf(c)
			database, err := db.Open(dbConf)
			if err != nil {
				return err
			}
			defer func() { err = database.Close() }()

			// we do a DB status check here, to verify that we can connect
			// to the DB. otherwise errors there won't get picked up until
			// later
			if _, err := database.MigrationStatus(); err != nil {
				log.WithError(err).Warn("Could not query DB migration status")
			}
			if c.Bool("db.migrateup") {
				if err := database.MigrateUp(); err != nil {
					return err
				}
			}

			source, err := flags.ReadFundingSource(c, network)
			if err != nil {
				return err
			}
			// A payment engine without its backend can only corrupt
			// expectations, abort instead of limping along.
			if err := awaitFunding(source); err != nil {
				return err
			}
			log.WithFields(logrus.Fields{
				"backend": conf.BackendWalletClass,
				"network": network.Name,
			}).Info("Funding source is up")

			bus := notify.NewBus()
			notifier := notify.NewDispatcher(database, bus, store)

			// Recovery must finish before we serve requests, so no client
			// observes pre-crash pending state.
			rec := reconciler.New(database, source, store, notifier)
			if err := rec.Start(context.Background()); err != nil {
				return err
			}

			a, err := api.NewApp(database, source, store, bus, notifier, api.Config{
				Network:        network,
				AllowedOrigins: c.StringSlice("http.cors-origin"),
			})
			if err != nil {
				return err
			}

			address := fmt.Sprintf(":%d", c.Int("port"))
			if gin.Mode() == gin.ReleaseMode && c.String("tls-cert-file") != "" {
				return a.Router.RunTLS(address,
					c.String("tls-cert-file"),
					c.String("tls-key-file"))
			}
			return a.Router.Run(address)
		},
	}

	baseFlags := []cli.Flag{
		cli.IntFlag{
			Name:  "port",
			Value: 5000,
			Usage: "Port number to listen on",
		},
		cli.StringSliceFlag{
			Name:  "http.cors-origin",
			Usage: "Origin allowed to do CORS requests. May be given multiple times",
		},
		cli.StringFlag{
			Name:      "tls-cert-file",
			Usage:     "Path to TLS certificate",
			TakesFile: true,
		},
		cli.StringFlag{
			Name:      "tls-key-file",
			Usage:     "Path to TLS key",
			TakesFile: true,
		},
	}

	serve.Flags = flags.Concat(baseFlags, flags.Db, flags.Funding, flags.Engine)
	return serve
}
