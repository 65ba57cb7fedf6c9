package testutil

import (
	"context"
	"testing"

	"github.com/brianvoe/gofakeit"
	"github.com/btcsuite/btcd/chaincfg"

	"gitlab.com/luminapay/lumina/db"
	"gitlab.com/luminapay/lumina/funding"
	"gitlab.com/luminapay/lumina/models/wallets"
)

// CreateTestWallet inserts a wallet with fake but plausible data
func CreateTestWallet(t *testing.T, d *db.DB) wallets.Wallet {
	t.Helper()
	wallet, err := wallets.Create(d, gofakeit.UUID(), gofakeit.BuzzWord(), nil)
	if err != nil {
		FatalMsgf(t, "could not create test wallet: %v", err)
	}
	return wallet
}

// FundTestWallet credits the wallet by inserting a settled admin adjustment
func FundTestWallet(t *testing.T, d *db.DB, walletID string, amountMsat int64) {
	t.Helper()
	id := "adm_" + gofakeit.UUID()
	_, err := d.Exec(`INSERT INTO payments
	(checking_id, payment_hash, wallet_id, amount_msat, fee_msat, status, extra)
	VALUES ($1, $1, $2, $3, 0, 'success', '{}')`,
		id, walletID, amountMsat)
	if err != nil {
		FatalMsgf(t, "could not fund test wallet: %v", err)
	}
}

// MintTestInvoice signs a regtest BOLT-11 with a throwaway node key. It
// decodes fine but no ledger row exists for it, so it looks external.
func MintTestInvoice(t *testing.T, amountMsat int64) string {
	t.Helper()
	source, err := funding.NewVoidSource(chaincfg.RegressionNetParams)
	if err != nil {
		FatalMsgf(t, "could not create void source: %v", err)
	}
	resp, err := source.CreateInvoice(context.Background(), funding.InvoiceParams{
		AmountMsat: amountMsat,
		Memo:       gofakeit.BuzzWord(),
	})
	if err != nil {
		FatalMsgf(t, "could not mint test invoice: %v", err)
	}
	return resp.PaymentRequest
}
