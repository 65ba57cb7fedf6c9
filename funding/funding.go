// Package funding defines the capability surface the payment engine expects
// from the backing Lightning node or hosted wallet, together with the
// implementations we ship: a lnd gRPC backend, a hosted-wallet REST backend
// and a void stub that only lets internal transfers settle.
package funding

import (
	"context"
	"time"
)

// PaymentState is the authoritative state a backend reports for an invoice or
// an outgoing payment.
type PaymentState string

const (
	StatePending PaymentState = "pending"
	StateSuccess PaymentState = "success"
	StateFailed  PaymentState = "failed"
	// StateUnknown means the backend could not be reached or gave no
	// definitive answer. Callers must never mutate the ledger based on it.
	StateUnknown PaymentState = "unknown"
)

// Per-call timeouts. Reads are cheap, pays can legitimately take a long time
// while a route is attempted.
const (
	PayTimeout  = 40 * time.Second
	ReadTimeout = 10 * time.Second
)

// InvoiceParams are the arguments for registering a new invoice with the
// backend.
type InvoiceParams struct {
	AmountMsat      int64
	Memo            string
	DescriptionHash []byte
	ExpirySeconds   int64
}

// InvoiceResponse is what the backend hands back for a registered invoice.
// The backend is authoritative for CheckingID.
type InvoiceResponse struct {
	CheckingID     string
	PaymentRequest string
	PaymentHash    string
}

// PaymentResponse is the outcome of an attempted pay. State is tri-valued:
// success (preimage known), failed (definitively not sent) or unknown
// (in-flight, resolve later).
type PaymentResponse struct {
	State      PaymentState
	CheckingID string
	FeeMsat    int64
	Preimage   string
	Error      string
}

// StatusResponse is the result of polling the backend for an invoice or
// payment.
type StatusResponse struct {
	State    PaymentState
	FeeMsat  int64
	Preimage string
}

// Paid reports whether the polled item reached a settled state.
func (s StatusResponse) Paid() bool {
	return s.State == StateSuccess
}

// FundingSource is the uniform capability set over heterogeneous backends.
// Implementations must be safe for concurrent use.
type FundingSource interface {
	// Status returns the backend's spendable balance in millisatoshi. Used
	// on startup and by health checks.
	Status(ctx context.Context) (int64, error)

	// CreateInvoice registers a new invoice with the backend.
	CreateInvoice(ctx context.Context, params InvoiceParams) (InvoiceResponse, error)

	// PayInvoice attempts to pay the given BOLT-11, spending no more than
	// feeLimitMsat in routing fees. Transport errors surface as
	// StateUnknown, never as failure.
	PayInvoice(ctx context.Context, bolt11 string, feeLimitMsat int64) (PaymentResponse, error)

	// InvoiceStatus polls the state of an incoming invoice.
	InvoiceStatus(ctx context.Context, checkingID string) (StatusResponse, error)

	// PaymentStatus polls the state of an outgoing payment.
	PaymentStatus(ctx context.Context, checkingID string) (StatusResponse, error)

	// PaidInvoices subscribes to settled incoming invoices and emits their
	// checking ids. The channel closes when the subscription dies; the
	// reconciler resubscribes with backoff.
	PaidInvoices(ctx context.Context) (<-chan string, error)
}
