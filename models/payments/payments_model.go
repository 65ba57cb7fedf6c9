package payments

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

// Status is the lifecycle state of a payment row. A row starts out pending
// and moves to success or failed exactly once; terminal states are absorbing.
type Status string

const (
	Pending Status = "pending"
	Success Status = "success"
	Failed  Status = "failed"
)

// IsTerminal reports whether the status can never change again.
func (s Status) IsTerminal() bool {
	return s == Success || s == Failed
}

// Checking id prefixes for rows we synthesize ourselves. Everything else is a
// backend-issued id.
const (
	// TempPrefix marks an outgoing reservation that hasn't been confirmed
	// with the backend yet. Replaced by the backend's id on success.
	TempPrefix = "temp_"
	// InternalPrefix marks the debit leg of an internal transfer. Internal
	// rows settle synchronously and are never polled.
	InternalPrefix = "internal_"
	// ServiceFeePrefix marks service fee credits on the operator's wallet.
	ServiceFeePrefix = "fee_"
	// AdminPrefix marks privileged balance adjustments.
	AdminPrefix = "adm_"
)

// Extra is the opaque JSON bag callers and extensions attach to a payment.
type Extra map[string]interface{}

// Value implements driver.Valuer so Extra can be stored in a jsonb column
func (e Extra) Value() (driver.Value, error) {
	if e == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(e)
}

// Scan implements sql.Scanner
func (e *Extra) Scan(src interface{}) error {
	if src == nil {
		*e = Extra{}
		return nil
	}
	bytes, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into Extra", src)
	}
	return json.Unmarshal(bytes, e)
}

// Extra keys the engine itself reads and writes.
const (
	extraInternal      = "internal"
	extraServiceFee    = "service_fee_msat"
	extraAdminTopup    = "admin_topup"
	extraPendingReason = "pending_reason"
)

// WebhookFailed is the webhook_status sentinel for a delivery that failed
// permanently. Rows are claimed with it before the attempt, so a process
// dying mid-flight leaves this status rather than an undelivered NULL.
const WebhookFailed = -1

// Payment is a row in the ledger. Positive amounts are credits (incoming),
// negative amounts are debits (outgoing).
type Payment struct {
	ID int64 `db:"id" json:"-"`

	// CheckingID is the backend's opaque id for polling, or one of our
	// synthesized prefixed ids. Unique per wallet.
	CheckingID string `db:"checking_id" json:"checkingId"`
	// PaymentHash is the BOLT-11 payment hash. Both legs of an internal
	// transfer share it.
	PaymentHash string `db:"payment_hash" json:"paymentHash"`
	WalletID    string `db:"wallet_id" json:"walletId"`

	AmountMsat int64  `db:"amount_msat" json:"amountMsat"`
	FeeMsat    int64  `db:"fee_msat" json:"feeMsat"`
	Status     Status `db:"status" json:"status"`

	Bolt11   *string    `db:"bolt11" json:"bolt11,omitempty"`
	Preimage *string    `db:"preimage" json:"preimage,omitempty"`
	Memo     *string    `db:"memo" json:"memo,omitempty"`
	Expiry   *time.Time `db:"expiry" json:"expiry,omitempty"`

	Extra Extra `db:"extra" json:"extra"`

	// Webhook is posted the full payment once, on first entry into success.
	Webhook       *string `db:"webhook" json:"webhook,omitempty"`
	WebhookStatus *int    `db:"webhook_status" json:"webhookStatus,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// IsIn reports whether the payment is an incoming credit
func (p Payment) IsIn() bool {
	return p.AmountMsat > 0
}

// IsOut reports whether the payment is an outgoing debit
func (p Payment) IsOut() bool {
	return p.AmountMsat < 0
}

// IsInternal reports whether this row belongs to an internal transfer
func (p Payment) IsInternal() bool {
	internal, ok := p.Extra[extraInternal]
	if !ok {
		return false
	}
	flag, ok := internal.(bool)
	return ok && flag
}

// ServiceFeeMsat returns the service fee component that was quoted into this
// debit's fee at reservation time
func (p Payment) ServiceFeeMsat() int64 {
	raw, ok := p.Extra[extraServiceFee]
	if !ok {
		return 0
	}
	// jsonb numbers come back as float64
	switch v := raw.(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	default:
		return 0
	}
}

// IsExpired reports whether an incoming invoice's expiry has passed
func (p Payment) IsExpired() bool {
	if p.Expiry == nil {
		return false
	}
	return p.Expiry.Before(time.Now().UTC())
}

func (p Payment) String() string {
	str := "\nPayment: {\n"
	str += fmt.Sprintf("\tID: %d\n", p.ID)
	str += fmt.Sprintf("\tCheckingID: %s\n", p.CheckingID)
	str += fmt.Sprintf("\tPaymentHash: %s\n", p.PaymentHash)
	str += fmt.Sprintf("\tWalletID: %s\n", p.WalletID)
	str += fmt.Sprintf("\tAmountMsat: %d\n", p.AmountMsat)
	str += fmt.Sprintf("\tFeeMsat: %d\n", p.FeeMsat)
	str += fmt.Sprintf("\tStatus: %s\n", p.Status)
	if p.Memo != nil {
		str += fmt.Sprintf("\tMemo: %s\n", *p.Memo)
	}
	if p.Preimage != nil {
		str += fmt.Sprintf("\tPreimage: %s\n", *p.Preimage)
	}
	str += fmt.Sprintf("\tExpiry: %v\n", p.Expiry)
	str += fmt.Sprintf("\tCreatedAt: %v\n", p.CreatedAt)
	str += fmt.Sprintf("\tUpdatedAt: %v\n", p.UpdatedAt)
	str += "}"

	return str
}

// Equal compares two payments, ignoring the fields the DB assigns
func (p Payment) Equal(other Payment) (bool, string) {
	p.ID = other.ID
	p.CreatedAt = other.CreatedAt
	p.UpdatedAt = other.UpdatedAt

	if !reflect.DeepEqual(p, other) {
		return false, cmp.Diff(p, other)
	}

	return true, ""
}

// Exported errors for the payment service. The API layer maps these to HTTP
// status codes.
var (
	ErrInvalidAmount         = errors.New("amount must be greater than 0")
	ErrAmountTooLarge        = errors.New("amount exceeds the configured maximum")
	ErrAmountlessInvoice     = errors.New("amountless invoices are not supported")
	ErrInvalidPaymentRequest = errors.New("could not decode payment request")
	ErrInsufficientBalance   = errors.New("wallet balance too low for amount plus fee reserve")
	ErrDailyLimitExceeded    = errors.New("daily withdraw limit exceeded")
	ErrPaymentRateLimited    = errors.New("too soon after the previous payment from this wallet")
	ErrBackendUnavailable    = errors.New("funding source unavailable")
	ErrPaymentNotFound       = errors.New("payment not found")
	ErrDuplicateCheckingID   = errors.New("a payment with this checking id already exists on the wallet")
	ErrAlreadySettled        = errors.New("payment was already settled")
	ErrInvoiceAlreadyPaid    = errors.New("invoice was already paid")
)
