package payments

import (
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"gitlab.com/luminapay/lumina/db"
	"gitlab.com/luminapay/lumina/models/audit"
)

const (
	// selectFromPaymentsTable is a SQL snippet that selects all the rows
	// needed to scan a full payment struct
	selectFromPaymentsTable = `SELECT id, checking_id, payment_hash, wallet_id,
	amount_msat, fee_msat, status, bolt11, preimage, memo, expiry, extra,
	webhook, webhook_status, created_at, updated_at FROM payments`

	uniqueWalletCheckingIDKey = "payments_wallet_id_checking_id_key"
)

// insert persists the supplied payment to the database.
// Returns the payment, as returned from the database
func insert(tx *sqlx.Tx, p Payment) (Payment, error) {
	if p.Status == "" {
		p.Status = Pending
	}
	if p.Extra == nil {
		p.Extra = Extra{}
	}
	if p.Memo != nil && *p.Memo == "" {
		p.Memo = nil
	}

	createPaymentQuery := `INSERT INTO
	payments (checking_id, payment_hash, wallet_id, amount_msat, fee_msat,
	          status, bolt11, preimage, memo, expiry, extra, webhook)
	VALUES (:checking_id, :payment_hash, :wallet_id, :amount_msat, :fee_msat,
	        :status, :bolt11, :preimage, :memo, :expiry, :extra, :webhook)
	RETURNING id, checking_id, payment_hash, wallet_id, amount_msat, fee_msat,
	          status, bolt11, preimage, memo, expiry, extra, webhook,
	          webhook_status, created_at, updated_at`

	rows, err := tx.NamedQuery(createPaymentQuery, p)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Constraint == uniqueWalletCheckingIDKey {
			return Payment{}, ErrDuplicateCheckingID
		}
		log.WithError(err).Error("Could not insert payment")
		return Payment{}, err
	}
	defer func() { _ = rows.Close() }()

	var inserted Payment
	if rows.Next() {
		if err = rows.StructScan(&inserted); err != nil {
			return Payment{}, errors.Wrapf(err,
				"insert->rows.StructScan(), problem row = %+v", p)
		}
	}

	return inserted, nil
}

// GetByCheckingID fetches a payment by wallet and checking id
func GetByCheckingID(q db.Getter, walletID, checkingID string) (Payment, error) {
	var payment Payment
	query := selectFromPaymentsTable + ` WHERE wallet_id = $1 AND checking_id = $2 LIMIT 1`
	if err := q.Get(&payment, query, walletID, checkingID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Payment{}, ErrPaymentNotFound
		}
		return Payment{}, errors.Wrapf(err, "GetByCheckingID(%s, %s)", walletID, checkingID)
	}
	return payment, nil
}

// GetAnyByCheckingID fetches a payment by checking id across all wallets.
// Used by the reconciler, which learns checking ids before knowing wallets.
func GetAnyByCheckingID(q db.Getter, checkingID string) (Payment, error) {
	var payment Payment
	query := selectFromPaymentsTable + ` WHERE checking_id = $1 LIMIT 1`
	if err := q.Get(&payment, query, checkingID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Payment{}, ErrPaymentNotFound
		}
		return Payment{}, errors.Wrapf(err, "GetAnyByCheckingID(%s)", checkingID)
	}
	return payment, nil
}

// GetByHash fetches the payment with the given payment hash on the given
// wallet
func GetByHash(q db.Getter, walletID, paymentHash string) (Payment, error) {
	var payment Payment
	query := selectFromPaymentsTable + ` WHERE wallet_id = $1 AND payment_hash = $2
	ORDER BY created_at DESC LIMIT 1`
	if err := q.Get(&payment, query, walletID, paymentHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Payment{}, ErrPaymentNotFound
		}
		return Payment{}, errors.Wrapf(err, "GetByHash(%s, %s)", walletID, paymentHash)
	}
	return payment, nil
}

// getPendingIncomingByHashForUpdate locks and returns the pending incoming
// payment with the given hash, across wallets. This is the internal-payment
// probe: a hit means the invoice was issued by this server.
func getPendingIncomingByHashForUpdate(tx *sqlx.Tx, paymentHash string) (Payment, error) {
	var payment Payment
	query := selectFromPaymentsTable + ` WHERE payment_hash = $1
	AND amount_msat > 0 AND status = 'pending'
	LIMIT 1 FOR UPDATE`
	if err := tx.Get(&payment, query, paymentHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Payment{}, ErrPaymentNotFound
		}
		return Payment{}, errors.Wrapf(err, "getPendingIncomingByHashForUpdate(%s)", paymentHash)
	}
	return payment, nil
}

// ListByWallet returns the wallet's ledger, newest first
func ListByWallet(d *db.DB, walletID string, limit, offset int) ([]Payment, error) {
	query := selectFromPaymentsTable + ` WHERE wallet_id = $1
	ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	if limit <= 0 {
		limit = 100
	}
	var result []Payment
	if err := d.Select(&result, query, walletID, limit, offset); err != nil {
		return nil, errors.Wrapf(err, "ListByWallet(%s)", walletID)
	}
	return result, nil
}

// ListPending returns pending rows created since the cutoff that the periodic
// sweep should poll. Internal rows settle synchronously and temp rows haven't
// been confirmed with the backend, so both are excluded.
func ListPending(d *db.DB, since time.Time) ([]Payment, error) {
	query := selectFromPaymentsTable + ` WHERE status = 'pending'
	AND created_at > $1
	AND checking_id NOT LIKE 'internal\_%'
	AND checking_id NOT LIKE 'temp\_%'
	ORDER BY created_at`
	var result []Payment
	if err := d.Select(&result, query, since); err != nil {
		return nil, errors.Wrap(err, "ListPending")
	}
	return result, nil
}

// ListStaleReservations returns temp outgoing reservations older than the
// cutoff. These had an in-flight backend call when something went wrong, so
// they are only polled once the in-flight attempt has surely timed out.
func ListStaleReservations(d *db.DB, olderThan time.Time) ([]Payment, error) {
	query := selectFromPaymentsTable + ` WHERE status = 'pending'
	AND checking_id LIKE 'temp\_%'
	AND created_at < $1
	ORDER BY created_at`
	var result []Payment
	if err := d.Select(&result, query, olderThan); err != nil {
		return nil, errors.Wrap(err, "ListStaleReservations")
	}
	return result, nil
}

// ListAllPending returns every pending row except internal ones. Used by the
// boot sweep, which must also converge temp reservations left by a crash.
func ListAllPending(d *db.DB) ([]Payment, error) {
	query := selectFromPaymentsTable + ` WHERE status = 'pending'
	AND checking_id NOT LIKE 'internal\_%'
	ORDER BY created_at`
	var result []Payment
	if err := d.Select(&result, query); err != nil {
		return nil, errors.Wrap(err, "ListAllPending")
	}
	return result, nil
}

// settleParams describe a pending -> terminal transition.
type settleParams struct {
	WalletID   string
	CheckingID string
	NewStatus  Status
	FeeMsat    int64
	Preimage   *string
	// Actor is who performed the transition, recorded in the audit log.
	Actor string
	Audit bool
}

// settle performs the guarded pending -> terminal transition. The returned
// count is 0 when another path already settled the row, which callers must
// treat as a no-op.
func settle(tx *sqlx.Tx, params settleParams) (int64, error) {
	if !params.NewStatus.IsTerminal() {
		return 0, errors.Errorf("settle called with non-terminal status %s", params.NewStatus)
	}

	query := `UPDATE payments
	SET status = $1, fee_msat = $2, preimage = COALESCE($3, preimage)
	WHERE wallet_id = $4 AND checking_id = $5 AND status = 'pending'`

	result, err := tx.Exec(query, params.NewStatus, params.FeeMsat,
		params.Preimage, params.WalletID, params.CheckingID)
	if err != nil {
		return 0, errors.Wrapf(err, "settle(%s, %s)", params.CheckingID, params.NewStatus)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	if count == 1 && params.Audit {
		err := audit.Record(tx, audit.Transition{
			CheckingID: params.CheckingID,
			WalletID:   params.WalletID,
			OldStatus:  string(Pending),
			NewStatus:  string(params.NewStatus),
			Actor:      params.Actor,
		})
		if err != nil {
			return 0, errors.Wrap(err, "could not record audit transition")
		}
	}

	return count, nil
}

// replaceCheckingID swaps a temp reservation id for the backend's
// authoritative one
func replaceCheckingID(tx *sqlx.Tx, walletID, oldID, newID string) error {
	result, err := tx.Exec(
		`UPDATE payments SET checking_id = $1 WHERE wallet_id = $2 AND checking_id = $3`,
		newID, walletID, oldID)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Constraint == uniqueWalletCheckingIDKey {
			return ErrDuplicateCheckingID
		}
		return errors.Wrapf(err, "replaceCheckingID(%s -> %s)", oldID, newID)
	}
	count, _ := result.RowsAffected()
	if count == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

// balanceCovers checks the balance inside the reservation transaction.
// Debits count fee included, so pending reservations hold their full worst
// case.
func balanceCovers(tx *sqlx.Tx, walletID string, requiredMsat int64) (bool, error) {
	var balance int64
	query := `SELECT COALESCE(SUM(CASE WHEN amount_msat > 0 THEN amount_msat
	                                   ELSE amount_msat - fee_msat END), 0)
	FROM payments
	WHERE wallet_id = $1
	AND ((amount_msat > 0 AND status = 'success')
	  OR (amount_msat < 0 AND status <> 'failed'))`
	if err := tx.Get(&balance, query, walletID); err != nil {
		return false, errors.Wrapf(err, "balanceCovers(%s)", walletID)
	}
	return balance >= requiredMsat, nil
}

// sumWithdrawnLast24h sums what actually left the wallet over the last day:
// amount plus fee of every debit that hasn't failed
func sumWithdrawnLast24h(tx *sqlx.Tx, walletID string) (int64, error) {
	var sum int64
	query := `SELECT COALESCE(SUM(-amount_msat + fee_msat), 0) FROM payments
	WHERE wallet_id = $1 AND amount_msat < 0 AND status <> 'failed'
	AND created_at > NOW() - INTERVAL '24 hours'`
	if err := tx.Get(&sum, query, walletID); err != nil {
		return 0, errors.Wrapf(err, "sumWithdrawnLast24h(%s)", walletID)
	}
	return sum, nil
}

// lastOutgoingAt returns when the wallet last created a debit, or nil
func lastOutgoingAt(tx *sqlx.Tx, walletID string) (*time.Time, error) {
	var last time.Time
	query := `SELECT created_at FROM payments
	WHERE wallet_id = $1 AND amount_msat < 0 AND status <> 'failed'
	ORDER BY created_at DESC LIMIT 1`
	if err := tx.Get(&last, query, walletID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "lastOutgoingAt(%s)", walletID)
	}
	return &last, nil
}

// DeleteExpiredInvoices removes pending incoming invoices whose BOLT-11
// expiry has passed, once they are older than the grace window. This is the
// only place pending rows are deleted.
func DeleteExpiredInvoices(d *db.DB, grace time.Duration) (int64, error) {
	result, err := d.Exec(`DELETE FROM payments
	WHERE status = 'pending' AND amount_msat > 0
	AND expiry IS NOT NULL AND expiry < NOW()
	AND created_at < NOW() - $1 * INTERVAL '1 second'`,
		int64(grace.Seconds()))
	if err != nil {
		return 0, errors.Wrap(err, "DeleteExpiredInvoices")
	}
	count, _ := result.RowsAffected()
	if count > 0 {
		log.WithField("count", count).Info("Deleted expired pending invoices")
	}
	return count, nil
}
