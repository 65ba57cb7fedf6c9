package funding

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/pkg/errors"
)

// VoidSource is the stub funding source. It signs real BOLT-11 invoices with
// an ephemeral node key so wallets on this server can pay each other, but it
// never settles anything externally: external pays fail and invoices stay
// pending until an internal transfer resolves them.
type VoidSource struct {
	network chaincfg.Params

	mu  sync.Mutex
	key *btcec.PrivateKey
}

var _ FundingSource = &VoidSource{}

// NewVoidSource returns a void funding source on the given network
func NewVoidSource(network chaincfg.Params) (*VoidSource, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, errors.Wrap(err, "could not generate void node key")
	}
	return &VoidSource{network: network, key: key}, nil
}

// Status always reports a zero balance. The void source backs no external
// liquidity.
func (v *VoidSource) Status(ctx context.Context) (int64, error) {
	log.Warn("running with the void funding source, only internal payments will settle")
	return 0, nil
}

func (v *VoidSource) CreateInvoice(ctx context.Context, params InvoiceParams) (
	InvoiceResponse, error) {

	preimage := make([]byte, 32)
	if _, err := rand.Read(preimage); err != nil {
		return InvoiceResponse{}, err
	}
	hash := sha256.Sum256(preimage)

	options := []func(*zpay32.Invoice){
		zpay32.Amount(lnwire.MilliSatoshi(params.AmountMsat)),
	}
	if len(params.DescriptionHash) == 32 {
		var descHash [32]byte
		copy(descHash[:], params.DescriptionHash)
		options = append(options, zpay32.DescriptionHash(descHash))
	} else {
		options = append(options, zpay32.Description(params.Memo))
	}
	if params.ExpirySeconds > 0 {
		options = append(options,
			zpay32.Expiry(time.Duration(params.ExpirySeconds)*time.Second))
	}

	invoice, err := zpay32.NewInvoice(&v.network, hash, time.Now(), options...)
	if err != nil {
		return InvoiceResponse{}, errors.Wrap(err, "could not build void invoice")
	}

	v.mu.Lock()
	key := v.key
	v.mu.Unlock()

	encoded, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			return ecdsa.SignCompact(key, chainhash.HashB(msg), true)
		},
	})
	if err != nil {
		return InvoiceResponse{}, errors.Wrap(err, "could not sign void invoice")
	}

	hexHash := hex.EncodeToString(hash[:])
	return InvoiceResponse{
		CheckingID:     hexHash,
		PaymentRequest: encoded,
		PaymentHash:    hexHash,
	}, nil
}

// PayInvoice always fails definitively. Internal payments never reach the
// funding source, so this only rejects genuinely external pays.
func (v *VoidSource) PayInvoice(ctx context.Context, bolt11 string,
	feeLimitMsat int64) (PaymentResponse, error) {
	return PaymentResponse{
		State: StateFailed,
		Error: "void funding source cannot pay external invoices",
	}, nil
}

func (v *VoidSource) InvoiceStatus(ctx context.Context, checkingID string) (
	StatusResponse, error) {
	return StatusResponse{State: StatePending}, nil
}

func (v *VoidSource) PaymentStatus(ctx context.Context, checkingID string) (
	StatusResponse, error) {
	return StatusResponse{State: StateFailed}, nil
}

// PaidInvoices returns a stream that never emits. It closes when the context
// is done.
func (v *VoidSource) PaidInvoices(ctx context.Context) (<-chan string, error) {
	ch := make(chan string)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}
