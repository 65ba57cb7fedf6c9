// Package audit records payment status transitions. Rows are written in the
// same database transaction as the transition they describe, so the trail
// can never disagree with the ledger.
package audit

import (
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"gitlab.com/luminapay/lumina/db"
)

// Transition is one recorded status change
type Transition struct {
	ID         int64     `db:"id"`
	CheckingID string    `db:"checking_id"`
	WalletID   string    `db:"wallet_id"`
	OldStatus  string    `db:"old_status"`
	NewStatus  string    `db:"new_status"`
	Actor      string    `db:"actor"`
	CreatedAt  time.Time `db:"created_at"`
}

// Record writes the transition inside the caller's transaction
func Record(tx *sqlx.Tx, t Transition) error {
	_, err := tx.NamedExec(`INSERT INTO
	audit_log (checking_id, wallet_id, old_status, new_status, actor)
	VALUES (:checking_id, :wallet_id, :old_status, :new_status, :actor)`, t)
	if err != nil {
		return errors.Wrapf(err, "could not record audit transition for %s", t.CheckingID)
	}
	return nil
}

// ListByCheckingID returns every transition recorded for the given payment,
// oldest first
func ListByCheckingID(d *db.DB, checkingID string) ([]Transition, error) {
	var result []Transition
	err := d.Select(&result, `SELECT id, checking_id, wallet_id, old_status,
	new_status, actor, created_at FROM audit_log
	WHERE checking_id = $1 ORDER BY id`, checkingID)
	if err != nil {
		return nil, errors.Wrapf(err, "ListByCheckingID(%s)", checkingID)
	}
	return result, nil
}
