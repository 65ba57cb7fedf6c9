// Package flags provides functionality for managing flags for lumina
package flags

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"gitlab.com/luminapay/lumina/build"
	"gitlab.com/luminapay/lumina/db"
	"gitlab.com/luminapay/lumina/funding"
	"gitlab.com/luminapay/lumina/settings"
)

var log = build.AddSubLogger("FLAG")

// Concat concatenates the given list of flags, without mutating them
func Concat(first []cli.Flag, rest ...[]cli.Flag) []cli.Flag {
	var copied = make([]cli.Flag, len(first))
	_ = copy(copied, first)
	for _, r := range rest {
		copied = append(copied, r...)
	}
	return copied
}

// CommonFlags is a set of flags that all commands take
var CommonFlags = Concat([]cli.Flag{
	cli.StringFlag{
		Name:  "network",
		Usage: "the network we are running on e.g. mainnet, testnet, regtest",
		Value: "regtest",
	},
}, logging)

// ReadDbConf reads the appropriate flags for connecting to the DB
func ReadDbConf(c *cli.Context) db.DatabaseConfig {
	conf := db.DatabaseConfig{
		User:           c.String("db.user"),
		Password:       c.String("db.password"),
		Host:           c.String("db.host"),
		Port:           c.Int("db.port"),
		Name:           c.String("db.name"),
		MigrationsPath: c.String("db.migrationspath"),
	}

	// if no scheme was supplied to migrations path, default to file:
	parsedPath, err := url.Parse(conf.MigrationsPath)
	if err != nil {
		panic(fmt.Errorf("could not parse migrations path into URL: %w", err))
	}
	if len(parsedPath.Scheme) == 0 {
		conf.MigrationsPath = path.Join("file:", conf.MigrationsPath)
	}

	// flags belong to a CLI context, and flags given to a parent command
	// aren't visible through c.String on the child. recurse until we find
	// the context where the DB flags are defined
	if conf.User == "" {
		parent := c.Parent()
		if parent == nil {
			panic("Reached root CLI context without hitting valid DB credentials!")
		}
		return ReadDbConf(parent)
	}
	return conf
}

// ReadNetwork reads the network flag, erroring if an invalid value is passed
func ReadNetwork(c *cli.Context) (chaincfg.Params, error) {
	var network chaincfg.Params
	networkString := c.GlobalString("network")
	switch networkString {
	case "mainnet":
		network = chaincfg.MainNetParams
	case "testnet", "testnet3":
		network = chaincfg.TestNet3Params
	case "regtest", "":
		network = chaincfg.RegressionNetParams
	default:
		return chaincfg.Params{}, fmt.Errorf("unknown network: %s. Valid: mainnet, testnet, regtest", networkString)
	}
	return network, nil
}

// ReadSettings assembles the live settings from CLI flags
func ReadSettings(c *cli.Context) (settings.Settings, error) {
	conf := settings.DefaultSettings()
	conf.BackendWalletClass = c.String("funding.backend")
	if v := c.Int64("fees.reserve-min-msat"); v > 0 {
		conf.ReserveFeeMinMsat = v
	}
	if v := c.Float64("fees.reserve-percent"); v > 0 {
		conf.ReserveFeePercent = v
	}
	conf.ServiceFeePercent = c.Float64("fees.service-percent")
	conf.ServiceFeeMaxMsat = c.Int64("fees.service-max-msat")
	conf.ServiceFeeWallet = c.String("fees.service-wallet")
	conf.ServiceFeeIgnoreInternal = c.Bool("fees.service-ignore-internal")
	conf.WalletLimitDailyMaxWithdrawMsat = c.Int64("limits.daily-max-withdraw-msat")
	conf.WalletLimitSecsBetweenPayments = c.Int64("limits.secs-between-payments")
	conf.CallbackURLRules = c.StringSlice("webhooks.allow")
	if v := c.Int64("limits.max-incoming-sat"); v > 0 {
		conf.MaxIncomingPaymentAmountSat = v
	}
	if v := c.Int64("limits.max-outgoing-sat"); v > 0 {
		conf.MaxOutgoingPaymentAmountSat = v
	}
	if v := c.Duration("sweep.interval"); v > 0 {
		conf.SweepInterval = v
	}
	if v := c.Duration("sweep.max-age"); v > 0 {
		conf.SweepMaxAge = v
	}
	conf.AuditEnabled = !c.Bool("audit.disabled")

	if err := conf.Validate(); err != nil {
		return settings.Settings{}, err
	}
	return conf, nil
}

// ReadFundingSource constructs the funding source selected by the
// funding.backend flag
func ReadFundingSource(c *cli.Context, network chaincfg.Params) (funding.FundingSource, error) {
	backend := c.String("funding.backend")
	switch backend {
	case "lnd":
		log.WithField("rpcserver", c.String("lnd.rpcserver")).Info("Using lnd funding source")
		return funding.NewLndSource(funding.LndConfig{
			LndDir:       c.String("lnd.dir"),
			TLSCertPath:  c.String("lnd.certpath"),
			MacaroonPath: c.String("lnd.macaroonpath"),
			Network:      network,
			RPCServer:    c.String("lnd.rpcserver"),
		})
	case "resthub":
		log.WithField("url", c.String("resthub.url")).Info("Using hosted REST funding source")
		return funding.NewRestHubSource(funding.RestHubConfig{
			BaseURL: c.String("resthub.url"),
			APIKey:  c.String("resthub.api-key"),
		}), nil
	case "void":
		log.Warn("Using void funding source, only internal payments will settle")
		return funding.NewVoidSource(network)
	}
	return nil, fmt.Errorf("unknown funding backend: %s. Valid: lnd, resthub, void", backend)
}

// Funding is a list of flags selecting and configuring the funding source
var Funding = []cli.Flag{
	cli.StringFlag{
		Name:  "funding.backend",
		Usage: "Which funding source to use {lnd, resthub, void}",
		Value: "lnd",
	},
	cli.StringFlag{
		Name:  "lnd.dir",
		Usage: "path to lnd's base directory",
	},
	cli.StringFlag{
		Name:      "lnd.certpath",
		Usage:     "path to tls.cert",
		TakesFile: true,
	},
	cli.StringFlag{
		Name:      "lnd.macaroonpath",
		Usage:     "path to macaroon file",
		TakesFile: true,
	},
	cli.StringFlag{
		Name:  "lnd.rpcserver",
		Value: "localhost:10009",
		Usage: "host:port of ln daemon",
	},
	cli.StringFlag{
		Name:  "resthub.url",
		Usage: "Base URL of the hosted wallet API",
	},
	cli.StringFlag{
		Name:   "resthub.api-key",
		Usage:  "API key for the hosted wallet API",
		EnvVar: "LUMINA_RESTHUB_API_KEY",
	},
}

// Engine is a list of flags configuring fees, limits and sweeps
var Engine = []cli.Flag{
	cli.Int64Flag{
		Name:  "fees.reserve-min-msat",
		Usage: "Minimum fee reserve held for an outgoing payment",
	},
	cli.Float64Flag{
		Name:  "fees.reserve-percent",
		Usage: "Fee reserve as a percentage of the payment amount",
	},
	cli.Float64Flag{
		Name:  "fees.service-percent",
		Usage: "Service fee charged on outgoing payments, in percent",
	},
	cli.Int64Flag{
		Name:  "fees.service-max-msat",
		Usage: "Cap on the service fee. 0 means no cap",
	},
	cli.StringFlag{
		Name:  "fees.service-wallet",
		Usage: "Wallet id credited with service fees",
	},
	cli.BoolFlag{
		Name:  "fees.service-ignore-internal",
		Usage: "Don't charge service fees on internal payments",
	},
	cli.Int64Flag{
		Name:  "limits.daily-max-withdraw-msat",
		Usage: "Per-wallet cap on withdrawals over 24 hours. 0 disables the cap",
	},
	cli.Int64Flag{
		Name:  "limits.secs-between-payments",
		Usage: "Minimum seconds between outgoing payments per wallet. 0 disables",
	},
	cli.Int64Flag{
		Name:  "limits.max-incoming-sat",
		Usage: "Largest invoice we create, in satoshis",
	},
	cli.Int64Flag{
		Name:  "limits.max-outgoing-sat",
		Usage: "Largest invoice we pay, in satoshis",
	},
	cli.StringSliceFlag{
		Name:  "webhooks.allow",
		Usage: "Regex allow-list for webhook URLs. May be given multiple times. Empty allows none",
	},
	cli.DurationFlag{
		Name:  "sweep.interval",
		Usage: "How often the reconciler polls pending payments",
		Value: 30 * time.Second,
	},
	cli.DurationFlag{
		Name:  "sweep.max-age",
		Usage: "How far back the periodic sweep looks",
		Value: 24 * time.Hour,
	},
	cli.BoolFlag{
		Name:  "audit.disabled",
		Usage: "Turn off the payment transition audit log",
	},
}

// Db is a list of flags that apply to functionality that needs Db access
var Db = []cli.Flag{
	cli.StringFlag{
		Name:     "db.user",
		Usage:    "Database user",
		EnvVar:   "DATABASE_USER",
		Required: true,
	},
	cli.StringFlag{
		Name:     "db.password",
		Usage:    "Database password",
		EnvVar:   "DATABASE_PASSWORD",
		Required: true,
	},
	cli.StringFlag{
		Name:   "db.name",
		Usage:  "Database name",
		Value:  "lumina",
		EnvVar: "DATABASE_NAME",
	},
	cli.StringFlag{
		Name:  "db.host",
		Usage: "Database host to connect to",
		Value: "localhost",
	},
	cli.IntFlag{
		Name:   "db.port",
		Usage:  "Database port",
		Value:  5432,
		EnvVar: "DATABASE_PORT",
	},
	cli.StringFlag{
		Name:      "db.migrationspath",
		Usage:     `Path to DB migrations. Needs scheme ("file", etc.) in front of path`,
		TakesFile: true,
		Value: func() string {
			dir, err := os.Getwd()
			if err != nil {
				panic(err)
			}
			return filepath.Join("file:", dir, "db", "migrations")
		}(),
	},
	cli.BoolFlag{
		Name:  "db.migrateup",
		Usage: "Apply migrations before starting the API",
	},
}

// logging is logging related CLI flags
var logging = []cli.Flag{
	cli.StringFlag{
		Name:  "logging.level",
		Value: logrus.InfoLevel.String(),
		Usage: "Logging level for all subsystems {trace, debug, info, warn, error, fatal, panic}",
	},
	cli.StringFlag{
		Name:      "logging.directory",
		TakesFile: true,
		Value: func() string {
			dir, err := os.Getwd()
			if err != nil {
				panic(err)
			}
			return filepath.Join(dir, "logs")
		}(),
		Usage: "What directory to write log files to",
	},
}
