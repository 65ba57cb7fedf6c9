package funding

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/macaroons"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"gopkg.in/macaroon.v2"
)

// LndConfig is a struct containing all possible options for configuring
// a connection to lnd
type LndConfig struct {
	LndDir      string
	TLSCertPath string
	// MacaroonPath corresponds to the --adminmacaroonpath startup option of
	// lnd
	MacaroonPath string
	Network      chaincfg.Params
	RPCServer    string
}

func configDefaultLndDir() string {
	if len(os.Getenv("LND_DIR")) != 0 {
		return os.Getenv("LND_DIR")
	}
	return btcutil.AppDataDir("lnd", false)
}

// DefaultRelativeMacaroonPath extracts the macaroon path using a specific network
func DefaultRelativeMacaroonPath(network chaincfg.Params) string {
	name := network.Name
	if name == "testnet3" {
		name = "testnet"
	}
	return filepath.Join("data", "chain",
		"bitcoin", name, "admin.macaroon")
}

const (
	DefaultRpcServer = "localhost:" + DefaultRpcPort
	DefaultRpcPort   = "10009"
)

var (
	// DefaultLndDir is the default location of .lnd
	DefaultLndDir = configDefaultLndDir()
)

// LndSource is a FundingSource backed by a lnd node over gRPC. The checking
// id for both invoices and payments is the hex encoded payment hash.
type LndSource struct {
	lncli   lnrpc.LightningClient
	network chaincfg.Params
}

var _ FundingSource = &LndSource{}

// NewLndSource opens a new connection to lnd and returns a funding source
// on top of it
func NewLndSource(options LndConfig) (*LndSource, error) {
	cfg := LndConfig{
		LndDir:       options.LndDir,
		TLSCertPath:  cleanAndExpandPath(options.TLSCertPath),
		MacaroonPath: cleanAndExpandPath(options.MacaroonPath),
		Network:      options.Network,
		RPCServer:    options.RPCServer,
	}

	if cfg.TLSCertPath == "" {
		cfg.TLSCertPath = filepath.Join(cfg.LndDir, "tls.cert")
	}

	if cfg.MacaroonPath == "" {
		cfg.MacaroonPath = filepath.Join(cfg.LndDir,
			DefaultRelativeMacaroonPath(options.Network))
	}

	tlsCreds, err := credentials.NewClientTLSFromFile(cfg.TLSCertPath, "")
	if err != nil {
		return nil, errors.Wrap(err, "Cannot get node tls credentials")
	}

	macaroonBytes, err := os.ReadFile(cfg.MacaroonPath)
	if err != nil {
		return nil, errors.Wrap(err, "Cannot read macaroon file")
	}

	mac := &macaroon.Macaroon{}
	if err = mac.UnmarshalBinary(macaroonBytes); err != nil {
		return nil, errors.Wrap(err, "Cannot unmarshal macaroon")
	}

	macCred, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return nil, errors.Wrap(err, "Cannot create macaroon credential")
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(tlsCreds),
		grpc.WithBlock(),
		grpc.WithPerRPCCredentials(macCred),
	}

	withTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	log.Infof("Connecting to lnd with lnddir=%s, tlsCertPath=%s, macaroonPath=%s, network=%s, rpcServer=%s",
		cfg.LndDir, cfg.TLSCertPath, cfg.MacaroonPath, cfg.Network.Name, cfg.RPCServer)

	conn, err := grpc.DialContext(withTimeout, cfg.RPCServer, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "cannot dial to lnd")
	}

	log.Infof("opened connection to lnd on %s", cfg.RPCServer)

	return &LndSource{
		lncli:   lnrpc.NewLightningClient(conn),
		network: cfg.Network,
	}, nil
}

// NewLndSourceFromClient wraps an existing gRPC client. Used by tests.
func NewLndSourceFromClient(lncli lnrpc.LightningClient, network chaincfg.Params) *LndSource {
	return &LndSource{lncli: lncli, network: network}
}

// Status returns the spendable channel balance
func (l *LndSource) Status(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, ReadTimeout)
	defer cancel()

	balance, err := l.lncli.ChannelBalance(ctx, &lnrpc.ChannelBalanceRequest{})
	if err != nil {
		return 0, errors.Wrap(err, "could not get lnd channel balance")
	}
	return balance.Balance * 1000, nil
}

func (l *LndSource) CreateInvoice(ctx context.Context, params InvoiceParams) (
	InvoiceResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, ReadTimeout)
	defer cancel()

	invoice := &lnrpc.Invoice{
		Memo:      params.Memo,
		ValueMsat: params.AmountMsat,
		Expiry:    params.ExpirySeconds,
	}
	if len(params.DescriptionHash) != 0 {
		invoice.DescriptionHash = params.DescriptionHash
	}

	log.Tracef("Adding invoice: %+v", invoice)
	added, err := l.lncli.AddInvoice(ctx, invoice)
	if err != nil {
		return InvoiceResponse{}, errors.Wrap(err, "could not add invoice to lnd")
	}

	hash := hex.EncodeToString(added.RHash)
	log.Debugf("added invoice %s with hash %s", added.PaymentRequest, hash)

	return InvoiceResponse{
		CheckingID:     hash,
		PaymentRequest: added.PaymentRequest,
		PaymentHash:    hash,
	}, nil
}

func (l *LndSource) PayInvoice(ctx context.Context, bolt11 string,
	feeLimitMsat int64) (PaymentResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, PayTimeout)
	defer cancel()

	sent, err := l.lncli.SendPaymentSync(ctx, &lnrpc.SendRequest{
		PaymentRequest: bolt11,
		FeeLimit: &lnrpc.FeeLimit{
			Limit: &lnrpc.FeeLimit_FixedMsat{FixedMsat: feeLimitMsat},
		},
	})
	if err != nil {
		// transport error, the payment may or may not be in flight
		log.WithError(err).Warn("SendPaymentSync gave a transport error")
		return PaymentResponse{State: StateUnknown, Error: err.Error()}, nil
	}

	hash := hex.EncodeToString(sent.PaymentHash)
	if sent.PaymentError != "" {
		return PaymentResponse{
			State:      StateFailed,
			CheckingID: hash,
			Error:      sent.PaymentError,
		}, nil
	}

	var feeMsat int64
	if sent.PaymentRoute != nil {
		feeMsat = sent.PaymentRoute.TotalFeesMsat
	}
	return PaymentResponse{
		State:      StateSuccess,
		CheckingID: hash,
		FeeMsat:    feeMsat,
		Preimage:   hex.EncodeToString(sent.PaymentPreimage),
	}, nil
}

func (l *LndSource) InvoiceStatus(ctx context.Context, checkingID string) (
	StatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, ReadTimeout)
	defer cancel()

	rHash, err := hex.DecodeString(checkingID)
	if err != nil {
		return StatusResponse{}, fmt.Errorf("bad checking id %q: %w", checkingID, err)
	}

	invoice, err := l.lncli.LookupInvoice(ctx, &lnrpc.PaymentHash{RHash: rHash})
	if err != nil {
		return StatusResponse{}, errors.Wrap(err, "could not lookup invoice")
	}

	switch invoice.State {
	case lnrpc.Invoice_SETTLED:
		return StatusResponse{
			State:    StateSuccess,
			Preimage: hex.EncodeToString(invoice.RPreimage),
		}, nil
	case lnrpc.Invoice_CANCELED:
		return StatusResponse{State: StateFailed}, nil
	default:
		return StatusResponse{State: StatePending}, nil
	}
}

// PaymentStatus looks up an outgoing payment by hash. A payment lnd has no
// record of was never attempted, which we treat as failed.
func (l *LndSource) PaymentStatus(ctx context.Context, checkingID string) (
	StatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, ReadTimeout)
	defer cancel()

	payments, err := l.lncli.ListPayments(ctx, &lnrpc.ListPaymentsRequest{
		IncludeIncomplete: true,
	})
	if err != nil {
		return StatusResponse{}, errors.Wrap(err, "could not list lnd payments")
	}

	for _, payment := range payments.Payments {
		if payment.PaymentHash != checkingID {
			continue
		}
		switch payment.Status {
		case lnrpc.Payment_SUCCEEDED:
			return StatusResponse{
				State:    StateSuccess,
				FeeMsat:  payment.FeeMsat,
				Preimage: payment.PaymentPreimage,
			}, nil
		case lnrpc.Payment_FAILED:
			return StatusResponse{State: StateFailed}, nil
		default:
			return StatusResponse{State: StatePending}, nil
		}
	}

	return StatusResponse{State: StateFailed}, nil
}

// PaidInvoices subscribes to lnd invoice updates and emits the payment hash
// of each settled invoice
func (l *LndSource) PaidInvoices(ctx context.Context) (<-chan string, error) {
	sub, err := l.lncli.SubscribeInvoices(ctx, &lnrpc.InvoiceSubscription{})
	if err != nil {
		return nil, errors.Wrap(err, "could not subscribe to lnd invoices")
	}

	ch := make(chan string)
	go func() {
		defer close(ch)
		for {
			invoice, err := sub.Recv()
			if err != nil {
				log.WithError(err).Error("lnd invoice subscription died")
				return
			}
			if invoice.State != lnrpc.Invoice_SETTLED {
				continue
			}
			hash := hex.EncodeToString(invoice.RHash)
			log.Infof("invoice with hash %s was settled", hash)

			select {
			case ch <- hash:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		user, err := user.Current()
		if err == nil {
			homeDir = user.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

func (l LndConfig) String() string {
	str := fmt.Sprintf("LndDir: %s\n", l.LndDir)
	str += fmt.Sprintf("TLSCertPath: %s\n", l.TLSCertPath)
	str += fmt.Sprintf("MacaroonPath: %s\n", l.MacaroonPath)
	str += fmt.Sprintf("Network: %s\n", l.Network.Name)
	str += fmt.Sprintf("RPCServer: %s\n", l.RPCServer)

	return str
}
