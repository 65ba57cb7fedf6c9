package wallets

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"gitlab.com/luminapay/lumina/build"
	"gitlab.com/luminapay/lumina/db"
)

var log = build.AddSubLogger("WLLT")

// KeyType says which of a wallet's two API keys authenticated a request.
type KeyType int

const (
	// InvoiceKey authorizes reads and invoice creation.
	InvoiceKey KeyType = iota
	// AdminKey additionally authorizes outgoing payments and destructive
	// operations.
	AdminKey
)

func (k KeyType) String() string {
	if k == AdminKey {
		return "admin"
	}
	return "invoice"
}

// Exported errors
var (
	ErrWalletNotFound = errors.New("wallet not found")
)

// Wallet is a database table. The balance is not a column, it is derived from
// the payments ledger.
type Wallet struct {
	ID       string  `db:"id" json:"id"`
	UserID   string  `db:"user_id" json:"userId"`
	Name     string  `db:"name" json:"name"`
	Currency *string `db:"currency" json:"currency,omitempty"`

	AdminKey   string `db:"admin_key" json:"adminKey,omitempty"`
	InvoiceKey string `db:"invoice_key" json:"invoiceKey,omitempty"`

	Deleted   bool      `db:"deleted" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

const (
	// selectFromWalletsTable is a SQL snippet that selects all the rows
	// needed to get a full fledged wallet struct
	selectFromWalletsTable = `SELECT id, user_id, name, currency, admin_key,
	invoice_key, deleted, created_at FROM wallets`
)

// newKey returns a fresh random API key. It's hex so it survives copy-pasting
// into anything.
func newKey() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// Create inserts a new wallet for the given user, generating the wallet id
// and both API keys
func Create(d *db.DB, userID, name string, currency *string) (Wallet, error) {
	adminKey, err := newKey()
	if err != nil {
		return Wallet{}, errors.Wrap(err, "could not generate admin key")
	}
	invoiceKey, err := newKey()
	if err != nil {
		return Wallet{}, errors.Wrap(err, "could not generate invoice key")
	}

	wallet := Wallet{
		ID:         uuid.New().String(),
		UserID:     userID,
		Name:       name,
		Currency:   currency,
		AdminKey:   adminKey,
		InvoiceKey: invoiceKey,
	}

	query := `INSERT INTO wallets (id, user_id, name, currency, admin_key, invoice_key)
	VALUES (:id, :user_id, :name, :currency, :admin_key, :invoice_key)
	RETURNING id, user_id, name, currency, admin_key, invoice_key, deleted, created_at`

	rows, err := d.NamedQuery(query, wallet)
	if err != nil {
		return Wallet{}, errors.Wrap(err, "could not insert wallet")
	}
	defer func() { _ = rows.Close() }()

	var inserted Wallet
	if rows.Next() {
		if err := rows.StructScan(&inserted); err != nil {
			return Wallet{}, errors.Wrap(err, "could not scan wallet")
		}
	}

	log.WithField("wallet", inserted.ID).Info("Created wallet")
	return inserted, nil
}

// GetByID selects the wallet with the given id, soft-deleted wallets included
// only when includeDeleted is set
func GetByID(d *db.DB, id string) (Wallet, error) {
	var wallet Wallet
	query := selectFromWalletsTable + ` WHERE id = $1 AND deleted = false LIMIT 1`
	if err := d.Get(&wallet, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Wallet{}, ErrWalletNotFound
		}
		return Wallet{}, errors.Wrapf(err, "GetByID(db, %s)", id)
	}
	return wallet, nil
}

// Lock takes the wallet's row lock for the rest of the transaction. Every
// spend acquires it before reading the balance, so two reservations from the
// same wallet can never both see the funds as free.
func Lock(tx *sqlx.Tx, id string) error {
	var got string
	err := tx.Get(&got, `SELECT id FROM wallets WHERE id = $1 AND deleted = false FOR UPDATE`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrWalletNotFound
		}
		return errors.Wrapf(err, "Lock(tx, %s)", id)
	}
	return nil
}

// GetByKey looks up a wallet by either of its API keys and says which one
// matched
func GetByKey(d *db.DB, key string) (Wallet, KeyType, error) {
	var wallet Wallet
	query := selectFromWalletsTable + ` WHERE (admin_key = $1 OR invoice_key = $1)
	AND deleted = false LIMIT 1`
	if err := d.Get(&wallet, query, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Wallet{}, InvoiceKey, ErrWalletNotFound
		}
		return Wallet{}, InvoiceKey, errors.Wrap(err, "GetByKey")
	}

	if wallet.AdminKey == key {
		return wallet, AdminKey, nil
	}
	return wallet, InvoiceKey, nil
}

// ListByUserID returns all live wallets owned by the given user
func ListByUserID(d *db.DB, userID string) ([]Wallet, error) {
	var result []Wallet
	query := selectFromWalletsTable + ` WHERE user_id = $1 AND deleted = false
	ORDER BY created_at`
	if err := d.Select(&result, query, userID); err != nil {
		return nil, errors.Wrapf(err, "ListByUserID(db, %s)", userID)
	}
	return result, nil
}

// SoftDelete flags the wallet as deleted. The ledger rows stay.
func SoftDelete(d *db.DB, id string) error {
	result, err := d.Exec(`UPDATE wallets SET deleted = true WHERE id = $1`, id)
	if err != nil {
		return errors.Wrapf(err, "SoftDelete(db, %s)", id)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrWalletNotFound
	}
	return nil
}

// Balance computes the wallet's balance in millisatoshi: settled credits
// minus all debits, fees included, that haven't definitively failed. Pending
// debits count so a payment in flight can't be double spent.
func Balance(q db.Getter, walletID string) (int64, error) {
	var balance int64
	query := `SELECT COALESCE(SUM(CASE WHEN amount_msat > 0 THEN amount_msat
	                                   ELSE amount_msat - fee_msat END), 0)
	FROM payments
	WHERE wallet_id = $1
	AND ((amount_msat > 0 AND status = 'success')
	  OR (amount_msat < 0 AND status <> 'failed'))`
	if err := q.Get(&balance, query, walletID); err != nil {
		return 0, errors.Wrapf(err, "Balance(db, %s)", walletID)
	}
	return balance, nil
}
