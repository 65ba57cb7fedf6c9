package payments_test

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/luminapay/lumina/build"
	"gitlab.com/luminapay/lumina/db"
	"gitlab.com/luminapay/lumina/funding"
	"gitlab.com/luminapay/lumina/models/audit"
	"gitlab.com/luminapay/lumina/models/payments"
	"gitlab.com/luminapay/lumina/models/wallets"
	"gitlab.com/luminapay/lumina/settings"
	"gitlab.com/luminapay/lumina/testutil"
)

var (
	databaseConfig = testutil.GetDatabaseConfig("payments")
	testDB         *db.DB
)

func TestMain(m *testing.M) {
	build.SetLogLevels(logrus.ErrorLevel)

	testDB = testutil.InitDatabase(databaseConfig)

	result := m.Run()
	os.Exit(result)
}

// recordingNotifier collects lifecycle events so tests can assert on them
type recordingNotifier struct {
	mu      sync.Mutex
	settled []payments.Payment
	failed  []payments.Payment
}

func (r *recordingNotifier) PaymentSettled(p payments.Payment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settled = append(r.settled, p)
}

func (r *recordingNotifier) PaymentFailed(p payments.Payment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, p)
}

func (r *recordingNotifier) settledCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.settled)
}

func (r *recordingNotifier) failedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.failed)
}

func testSettings() settings.Settings {
	return settings.DefaultSettings()
}

func balanceOf(t *testing.T, walletID string) int64 {
	t.Helper()
	balance, err := wallets.Balance(testDB, walletID)
	require.NoError(t, err)
	return balance
}

// mintExternalInvoice signs a payment request with a throwaway node key,
// so it decodes fine but has no matching row in our ledger. With
// amountMsat = 0 the invoice is amountless.
func mintExternalInvoice(t *testing.T, amountMsat int64) string {
	t.Helper()

	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	preimage := make([]byte, 32)
	_, err = rand.Read(preimage)
	require.NoError(t, err)
	hash := sha256.Sum256(preimage)

	options := []func(*zpay32.Invoice){
		zpay32.Description(gofakeit.BuzzWord()),
	}
	if amountMsat > 0 {
		options = append(options, zpay32.Amount(lnwire.MilliSatoshi(amountMsat)))
	}

	invoice, err := zpay32.NewInvoice(&chaincfg.RegressionNetParams, hash,
		time.Now(), options...)
	require.NoError(t, err)

	encoded, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			return ecdsa.SignCompact(key, chainhash.HashB(msg), true)
		},
	})
	require.NoError(t, err)
	return encoded
}

// createTestInvoice records a decodable pending credit for the wallet, using
// the void source so the BOLT-11 can actually be paid internally.
func createTestInvoice(t *testing.T, wallet wallets.Wallet,
	amountMsat int64) payments.Payment {
	t.Helper()

	source, err := funding.NewVoidSource(chaincfg.RegressionNetParams)
	require.NoError(t, err)

	payment, err := payments.CreateInvoice(context.Background(), testDB, source,
		testSettings(), payments.CreateInvoiceOpts{
			WalletID:   wallet.ID,
			AmountMsat: amountMsat,
			Memo:       gofakeit.BuzzWord(),
		})
	require.NoError(t, err)
	return payment
}

func TestCreateInvoice(t *testing.T) {
	t.Parallel()

	t.Run("records a pending credit", func(t *testing.T) {
		t.Parallel()
		wallet := testutil.CreateTestWallet(t, testDB)
		mock := testutil.NewMockFunding()

		payment, err := payments.CreateInvoice(context.Background(), testDB, mock,
			testSettings(), payments.CreateInvoiceOpts{
				WalletID:   wallet.ID,
				AmountMsat: 50_000,
				Memo:       "coffee",
			})
		require.NoError(t, err)

		assert.Equal(t, payments.Pending, payment.Status)
		assert.Equal(t, int64(50_000), payment.AmountMsat)
		assert.True(t, payment.IsIn())
		assert.NotEmpty(t, payment.CheckingID)
		assert.NotEmpty(t, payment.PaymentHash)
		require.NotNil(t, payment.Expiry)
		assert.WithinDuration(t, time.Now().Add(time.Hour), *payment.Expiry, time.Minute)

		assert.Equal(t, int64(0), balanceOf(t, wallet.ID),
			"a pending invoice must not count towards the balance")
	})

	t.Run("rejects zero and negative amounts", func(t *testing.T) {
		t.Parallel()
		wallet := testutil.CreateTestWallet(t, testDB)
		mock := testutil.NewMockFunding()

		_, err := payments.CreateInvoice(context.Background(), testDB, mock,
			testSettings(), payments.CreateInvoiceOpts{
				WalletID:   wallet.ID,
				AmountMsat: 0,
			})
		require.ErrorIs(t, err, payments.ErrInvalidAmount)

		_, err = payments.CreateInvoice(context.Background(), testDB, mock,
			testSettings(), payments.CreateInvoiceOpts{
				WalletID:   wallet.ID,
				AmountMsat: -100,
			})
		require.ErrorIs(t, err, payments.ErrInvalidAmount)
	})

	t.Run("rejects amounts over the configured maximum", func(t *testing.T) {
		t.Parallel()
		wallet := testutil.CreateTestWallet(t, testDB)
		mock := testutil.NewMockFunding()
		conf := testSettings()
		conf.MaxIncomingPaymentAmountSat = 100

		_, err := payments.CreateInvoice(context.Background(), testDB, mock,
			conf, payments.CreateInvoiceOpts{
				WalletID:   wallet.ID,
				AmountMsat: 100_001,
			})
		require.ErrorIs(t, err, payments.ErrAmountTooLarge)
	})

	t.Run("rejects a duplicate checking id on the same wallet", func(t *testing.T) {
		t.Parallel()
		wallet := testutil.CreateTestWallet(t, testDB)
		mock := testutil.NewMockFunding()
		mock.InvoiceResponse = &funding.InvoiceResponse{
			CheckingID:     "stuck-id",
			PaymentHash:    hex.EncodeToString([]byte(gofakeit.UUID())[:32]),
			PaymentRequest: "lnbcrt-stuck",
		}

		_, err := payments.CreateInvoice(context.Background(), testDB, mock,
			testSettings(), payments.CreateInvoiceOpts{
				WalletID:   wallet.ID,
				AmountMsat: 10_000,
			})
		require.NoError(t, err)

		_, err = payments.CreateInvoice(context.Background(), testDB, mock,
			testSettings(), payments.CreateInvoiceOpts{
				WalletID:   wallet.ID,
				AmountMsat: 10_000,
			})
		require.ErrorIs(t, err, payments.ErrDuplicateCheckingID)

		// The same id on another wallet is fine, uniqueness is per wallet.
		other := testutil.CreateTestWallet(t, testDB)
		_, err = payments.CreateInvoice(context.Background(), testDB, mock,
			testSettings(), payments.CreateInvoiceOpts{
				WalletID:   other.ID,
				AmountMsat: 10_000,
			})
		require.NoError(t, err)
	})

	t.Run("backend failure surfaces as unavailable", func(t *testing.T) {
		t.Parallel()
		wallet := testutil.CreateTestWallet(t, testDB)
		mock := testutil.NewMockFunding()
		mock.CreateErr = errors.New("connection refused")

		_, err := payments.CreateInvoice(context.Background(), testDB, mock,
			testSettings(), payments.CreateInvoiceOpts{
				WalletID:   wallet.ID,
				AmountMsat: 50_000,
			})
		require.ErrorIs(t, err, payments.ErrBackendUnavailable)
	})
}

func TestGetPayment(t *testing.T) {
	t.Parallel()

	wallet := testutil.CreateTestWallet(t, testDB)
	payment := createTestInvoice(t, wallet, 25_000)

	t.Run("by checking id", func(t *testing.T) {
		found, err := payments.GetByCheckingID(testDB, wallet.ID, payment.CheckingID)
		require.NoError(t, err)
		if equal, diff := payment.Equal(found); !equal {
			testutil.FatalMsgf(t, "fetched payment does not match inserted: %s", diff)
		}
	})

	t.Run("by checking id across wallets", func(t *testing.T) {
		found, err := payments.GetAnyByCheckingID(testDB, payment.CheckingID)
		require.NoError(t, err)
		assert.Equal(t, wallet.ID, found.WalletID)
	})

	t.Run("by payment hash", func(t *testing.T) {
		found, err := payments.GetByHash(testDB, wallet.ID, payment.PaymentHash)
		require.NoError(t, err)
		assert.Equal(t, payment.CheckingID, found.CheckingID)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := payments.GetByCheckingID(testDB, wallet.ID, gofakeit.UUID())
		require.ErrorIs(t, err, payments.ErrPaymentNotFound)

		_, err = payments.GetByHash(testDB, wallet.ID, gofakeit.UUID())
		require.ErrorIs(t, err, payments.ErrPaymentNotFound)
	})

	t.Run("wrong wallet does not see the payment", func(t *testing.T) {
		other := testutil.CreateTestWallet(t, testDB)
		_, err := payments.GetByCheckingID(testDB, other.ID, payment.CheckingID)
		require.ErrorIs(t, err, payments.ErrPaymentNotFound)
	})
}

func TestPayInvoiceValidation(t *testing.T) {
	t.Parallel()

	wallet := testutil.CreateTestWallet(t, testDB)
	testutil.FundTestWallet(t, testDB, wallet.ID, 1_000_000)
	mock := testutil.NewMockFunding()

	t.Run("garbage payment request", func(t *testing.T) {
		_, err := payments.PayInvoice(context.Background(), testDB, mock,
			testSettings(), nil, payments.PayInvoiceOpts{
				WalletID: wallet.ID,
				Bolt11:   "lnbcrt-definitely-not-an-invoice",
				Network:  &chaincfg.RegressionNetParams,
			})
		require.ErrorIs(t, err, payments.ErrInvalidPaymentRequest)
	})

	t.Run("amountless invoice", func(t *testing.T) {
		_, err := payments.PayInvoice(context.Background(), testDB, mock,
			testSettings(), nil, payments.PayInvoiceOpts{
				WalletID: wallet.ID,
				Bolt11:   mintExternalInvoice(t, 0),
				Network:  &chaincfg.RegressionNetParams,
			})
		require.ErrorIs(t, err, payments.ErrAmountlessInvoice)
	})

	t.Run("amount over the configured maximum", func(t *testing.T) {
		conf := testSettings()
		conf.MaxOutgoingPaymentAmountSat = 10
		_, err := payments.PayInvoice(context.Background(), testDB, mock,
			conf, nil, payments.PayInvoiceOpts{
				WalletID: wallet.ID,
				Bolt11:   mintExternalInvoice(t, 50_000),
				Network:  &chaincfg.RegressionNetParams,
			})
		require.ErrorIs(t, err, payments.ErrAmountTooLarge)
	})

	t.Run("amount over the caller's cap", func(t *testing.T) {
		_, err := payments.PayInvoice(context.Background(), testDB, mock,
			testSettings(), nil, payments.PayInvoiceOpts{
				WalletID:      wallet.ID,
				Bolt11:        mintExternalInvoice(t, 50_000),
				Network:       &chaincfg.RegressionNetParams,
				MaxAmountMsat: 30_000,
			})
		require.ErrorIs(t, err, payments.ErrAmountTooLarge)
	})

	t.Run("unknown wallet", func(t *testing.T) {
		_, err := payments.PayInvoice(context.Background(), testDB, mock,
			testSettings(), nil, payments.PayInvoiceOpts{
				WalletID: gofakeit.UUID(),
				Bolt11:   mintExternalInvoice(t, 10_000),
				Network:  &chaincfg.RegressionNetParams,
			})
		require.ErrorIs(t, err, wallets.ErrWalletNotFound)
	})

	t.Run("insufficient balance", func(t *testing.T) {
		poor := testutil.CreateTestWallet(t, testDB)
		testutil.FundTestWallet(t, testDB, poor.ID, 10_000)

		// 10 000 msat on the wallet doesn't cover 10 000 plus the fee
		// reserve.
		_, err := payments.PayInvoice(context.Background(), testDB, mock,
			testSettings(), nil, payments.PayInvoiceOpts{
				WalletID: poor.ID,
				Bolt11:   mintExternalInvoice(t, 10_000),
				Network:  &chaincfg.RegressionNetParams,
			})
		require.ErrorIs(t, err, payments.ErrInsufficientBalance)

		assert.Equal(t, int64(10_000), balanceOf(t, poor.ID),
			"a rejected payment must not leave a reservation behind")
	})
}

func TestPayInvoiceExternal(t *testing.T) {
	t.Parallel()

	t.Run("successful payment settles and charges the fee", func(t *testing.T) {
		t.Parallel()
		wallet := testutil.CreateTestWallet(t, testDB)
		testutil.FundTestWallet(t, testDB, wallet.ID, 1_000_000)

		mock := testutil.NewMockFunding()
		mock.PayResponse = funding.PaymentResponse{
			State:      funding.StateSuccess,
			CheckingID: "backend-" + gofakeit.UUID(),
			FeeMsat:    1200,
			Preimage:   hex.EncodeToString([]byte(gofakeit.UUID())[:16]),
		}
		notifier := &recordingNotifier{}

		payment, err := payments.PayInvoice(context.Background(), testDB, mock,
			testSettings(), notifier, payments.PayInvoiceOpts{
				WalletID: wallet.ID,
				Bolt11:   mintExternalInvoice(t, 100_000),
				Network:  &chaincfg.RegressionNetParams,
			})
		require.NoError(t, err)

		assert.Equal(t, payments.Success, payment.Status)
		assert.Equal(t, int64(-100_000), payment.AmountMsat)
		assert.Equal(t, int64(1200), payment.FeeMsat)
		assert.Equal(t, mock.PayResponse.CheckingID, payment.CheckingID,
			"the reservation must adopt the backend's checking id")

		stored, err := payments.GetByCheckingID(testDB, wallet.ID, payment.CheckingID)
		require.NoError(t, err)
		assert.Equal(t, payments.Success, stored.Status)
		assert.Equal(t, int64(1200), stored.FeeMsat,
			"the fee reserve must shrink to the actual routing fee")
		require.NotNil(t, stored.Preimage)

		assert.Equal(t, int64(1_000_000-100_000-1200), balanceOf(t, wallet.ID))
		assert.Equal(t, 1, notifier.settledCount())
	})

	t.Run("failed payment releases the reservation", func(t *testing.T) {
		t.Parallel()
		wallet := testutil.CreateTestWallet(t, testDB)
		testutil.FundTestWallet(t, testDB, wallet.ID, 1_000_000)

		mock := testutil.NewMockFunding()
		mock.PayResponse = funding.PaymentResponse{
			State: funding.StateFailed,
			Error: "no route",
		}
		notifier := &recordingNotifier{}

		payment, err := payments.PayInvoice(context.Background(), testDB, mock,
			testSettings(), notifier, payments.PayInvoiceOpts{
				WalletID: wallet.ID,
				Bolt11:   mintExternalInvoice(t, 100_000),
				Network:  &chaincfg.RegressionNetParams,
			})
		require.NoError(t, err)

		assert.Equal(t, payments.Failed, payment.Status)
		assert.Equal(t, int64(1_000_000), balanceOf(t, wallet.ID),
			"a failed payment must release the held funds")

		stored, err := payments.GetByCheckingID(testDB, wallet.ID, payment.CheckingID)
		require.NoError(t, err)
		assert.Equal(t, "no route", stored.Extra["failure_reason"])
		assert.Equal(t, 1, notifier.failedCount())
	})

	t.Run("unknown outcome leaves the reservation pending", func(t *testing.T) {
		t.Parallel()
		wallet := testutil.CreateTestWallet(t, testDB)
		testutil.FundTestWallet(t, testDB, wallet.ID, 1_000_000)

		mock := testutil.NewMockFunding()
		mock.PayErr = errors.New("rpc timeout")
		notifier := &recordingNotifier{}

		payment, err := payments.PayInvoice(context.Background(), testDB, mock,
			testSettings(), notifier, payments.PayInvoiceOpts{
				WalletID: wallet.ID,
				Bolt11:   mintExternalInvoice(t, 100_000),
				Network:  &chaincfg.RegressionNetParams,
			})
		require.NoError(t, err)

		assert.Equal(t, payments.Pending, payment.Status)
		assert.True(t, strings.HasPrefix(payment.CheckingID, payments.TempPrefix))

		// Fee reserve: 1% of 100 000 msat is under the 2000 msat floor.
		assert.Equal(t, int64(1_000_000-100_000-2000), balanceOf(t, wallet.ID),
			"an in-flight payment must keep holding amount plus reserve")
		assert.Equal(t, 0, notifier.settledCount())
		assert.Equal(t, 0, notifier.failedCount())
	})
}

func TestConcurrentPaymentsCannotOverdraw(t *testing.T) {
	t.Parallel()

	wallet := testutil.CreateTestWallet(t, testDB)
	testutil.FundTestWallet(t, testDB, wallet.ID, 100_000)
	mock := testutil.NewMockFunding()

	// Each payment covers on its own: 60 000 msat plus the 2000 msat
	// reserve. Together they overdraw the wallet, so the payer's row lock
	// must let exactly one reservation through.
	first := mintExternalInvoice(t, 60_000)
	second := mintExternalInvoice(t, 60_000)

	errs := make(chan error, 2)
	for _, bolt11 := range []string{first, second} {
		bolt11 := bolt11
		go func() {
			_, err := payments.PayInvoice(context.Background(), testDB, mock,
				testSettings(), nil, payments.PayInvoiceOpts{
					WalletID: wallet.ID,
					Bolt11:   bolt11,
					Network:  &chaincfg.RegressionNetParams,
				})
			errs <- err
		}()
	}

	errA, errB := <-errs, <-errs
	if errA != nil {
		errA, errB = errB, errA
	}
	require.NoError(t, errA, "one payment must go through")
	require.ErrorIs(t, errB, payments.ErrInsufficientBalance,
		"the other must see the reservation holding the funds")

	assert.Equal(t, int64(100_000-60_000), balanceOf(t, wallet.ID),
		"the wallet must never go negative")
}

func TestFailedPaymentIsAudited(t *testing.T) {
	t.Parallel()

	wallet := testutil.CreateTestWallet(t, testDB)
	testutil.FundTestWallet(t, testDB, wallet.ID, 200_000)
	mock := testutil.NewMockFunding()
	mock.PayResponse = funding.PaymentResponse{
		State: funding.StateFailed,
		Error: "no route",
	}
	conf := testSettings()
	conf.AuditEnabled = true

	payment, err := payments.PayInvoice(context.Background(), testDB, mock,
		conf, nil, payments.PayInvoiceOpts{
			WalletID: wallet.ID,
			Bolt11:   mintExternalInvoice(t, 50_000),
			Network:  &chaincfg.RegressionNetParams,
		})
	require.NoError(t, err)
	require.Equal(t, payments.Failed, payment.Status)

	transitions, err := audit.ListByCheckingID(testDB, payment.CheckingID)
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, "pending", transitions[0].OldStatus)
	assert.Equal(t, "failed", transitions[0].NewStatus)
}

func TestPayInvoiceInternal(t *testing.T) {
	t.Parallel()

	t.Run("settles both legs atomically", func(t *testing.T) {
		t.Parallel()
		receiver := testutil.CreateTestWallet(t, testDB)
		payer := testutil.CreateTestWallet(t, testDB)
		testutil.FundTestWallet(t, testDB, payer.ID, 500_000)

		invoice := createTestInvoice(t, receiver, 200_000)
		require.NotNil(t, invoice.Bolt11)
		notifier := &recordingNotifier{}

		// The void source fails all external pays, so reaching success
		// proves the transfer never left the server.
		source, err := funding.NewVoidSource(chaincfg.RegressionNetParams)
		require.NoError(t, err)

		payment, err := payments.PayInvoice(context.Background(), testDB, source,
			testSettings(), notifier, payments.PayInvoiceOpts{
				WalletID: payer.ID,
				Bolt11:   *invoice.Bolt11,
				Network:  &chaincfg.RegressionNetParams,
			})
		require.NoError(t, err)

		assert.Equal(t, payments.Success, payment.Status)
		assert.True(t, payment.IsInternal())
		assert.Equal(t, int64(0), payment.FeeMsat,
			"internal payments carry no fee reserve")

		assert.Equal(t, int64(500_000-200_000), balanceOf(t, payer.ID))
		assert.Equal(t, int64(200_000), balanceOf(t, receiver.ID))

		credit, err := payments.GetByCheckingID(testDB, receiver.ID, invoice.CheckingID)
		require.NoError(t, err)
		assert.Equal(t, payments.Success, credit.Status)

		assert.Equal(t, 2, notifier.settledCount(),
			"both legs must be announced")
	})

	t.Run("paying a settled invoice is no longer internal", func(t *testing.T) {
		t.Parallel()
		receiver := testutil.CreateTestWallet(t, testDB)
		payer := testutil.CreateTestWallet(t, testDB)
		testutil.FundTestWallet(t, testDB, payer.ID, 500_000)

		invoice := createTestInvoice(t, receiver, 50_000)
		source, err := funding.NewVoidSource(chaincfg.RegressionNetParams)
		require.NoError(t, err)

		first, err := payments.PayInvoice(context.Background(), testDB, source,
			testSettings(), nil, payments.PayInvoiceOpts{
				WalletID: payer.ID,
				Bolt11:   *invoice.Bolt11,
				Network:  &chaincfg.RegressionNetParams,
			})
		require.NoError(t, err)
		require.Equal(t, payments.Success, first.Status)

		// The invoice is spent, so the second attempt goes to the funding
		// source and the void source rejects it.
		second, err := payments.PayInvoice(context.Background(), testDB, source,
			testSettings(), nil, payments.PayInvoiceOpts{
				WalletID: payer.ID,
				Bolt11:   *invoice.Bolt11,
				Network:  &chaincfg.RegressionNetParams,
			})
		require.NoError(t, err)
		assert.Equal(t, payments.Failed, second.Status)

		assert.Equal(t, int64(500_000-50_000), balanceOf(t, payer.ID),
			"the failed retry must not move funds")
		assert.Equal(t, int64(50_000), balanceOf(t, receiver.ID))
	})
}

func TestServiceFee(t *testing.T) {
	t.Parallel()

	t.Run("external payment credits the fee wallet", func(t *testing.T) {
		t.Parallel()
		feeWallet := testutil.CreateTestWallet(t, testDB)
		wallet := testutil.CreateTestWallet(t, testDB)
		testutil.FundTestWallet(t, testDB, wallet.ID, 1_000_000)

		conf := testSettings()
		conf.ServiceFeePercent = 1.0
		conf.ServiceFeeWallet = feeWallet.ID

		mock := testutil.NewMockFunding()
		mock.PayResponse = funding.PaymentResponse{
			State:   funding.StateSuccess,
			FeeMsat: 500,
		}

		payment, err := payments.PayInvoice(context.Background(), testDB, mock,
			conf, nil, payments.PayInvoiceOpts{
				WalletID: wallet.ID,
				Bolt11:   mintExternalInvoice(t, 100_000),
				Network:  &chaincfg.RegressionNetParams,
			})
		require.NoError(t, err)

		// 1% of 100 000 msat.
		assert.Equal(t, int64(500+1000), payment.FeeMsat,
			"final fee is routing fee plus service fee")
		assert.Equal(t, int64(1000), balanceOf(t, feeWallet.ID))
		assert.Equal(t, int64(1_000_000-100_000-1500), balanceOf(t, wallet.ID))
	})

	t.Run("internal payments are exempt by default", func(t *testing.T) {
		t.Parallel()
		feeWallet := testutil.CreateTestWallet(t, testDB)
		receiver := testutil.CreateTestWallet(t, testDB)
		payer := testutil.CreateTestWallet(t, testDB)
		testutil.FundTestWallet(t, testDB, payer.ID, 500_000)

		conf := testSettings()
		conf.ServiceFeePercent = 1.0
		conf.ServiceFeeWallet = feeWallet.ID

		invoice := createTestInvoice(t, receiver, 100_000)
		source, err := funding.NewVoidSource(chaincfg.RegressionNetParams)
		require.NoError(t, err)

		payment, err := payments.PayInvoice(context.Background(), testDB, source,
			conf, nil, payments.PayInvoiceOpts{
				WalletID: payer.ID,
				Bolt11:   *invoice.Bolt11,
				Network:  &chaincfg.RegressionNetParams,
			})
		require.NoError(t, err)
		assert.Equal(t, int64(0), payment.FeeMsat)
		assert.Equal(t, int64(0), balanceOf(t, feeWallet.ID))
	})

	t.Run("internal payments pay when the exemption is off", func(t *testing.T) {
		t.Parallel()
		feeWallet := testutil.CreateTestWallet(t, testDB)
		receiver := testutil.CreateTestWallet(t, testDB)
		payer := testutil.CreateTestWallet(t, testDB)
		testutil.FundTestWallet(t, testDB, payer.ID, 500_000)

		conf := testSettings()
		conf.ServiceFeePercent = 1.0
		conf.ServiceFeeWallet = feeWallet.ID
		conf.ServiceFeeIgnoreInternal = false

		invoice := createTestInvoice(t, receiver, 100_000)
		source, err := funding.NewVoidSource(chaincfg.RegressionNetParams)
		require.NoError(t, err)

		payment, err := payments.PayInvoice(context.Background(), testDB, source,
			conf, nil, payments.PayInvoiceOpts{
				WalletID: payer.ID,
				Bolt11:   *invoice.Bolt11,
				Network:  &chaincfg.RegressionNetParams,
			})
		require.NoError(t, err)
		assert.Equal(t, int64(1000), payment.FeeMsat)
		assert.Equal(t, int64(1000), balanceOf(t, feeWallet.ID))
		assert.Equal(t, int64(500_000-100_000-1000), balanceOf(t, payer.ID))
		assert.Equal(t, int64(100_000), balanceOf(t, receiver.ID),
			"the receiver gets the full face value")
	})
}

func TestSpendLimits(t *testing.T) {
	t.Parallel()

	t.Run("rate limit between payments", func(t *testing.T) {
		t.Parallel()
		wallet := testutil.CreateTestWallet(t, testDB)
		testutil.FundTestWallet(t, testDB, wallet.ID, 1_000_000)

		conf := testSettings()
		conf.WalletLimitSecsBetweenPayments = 3600

		mock := testutil.NewMockFunding()
		_, err := payments.PayInvoice(context.Background(), testDB, mock,
			conf, nil, payments.PayInvoiceOpts{
				WalletID: wallet.ID,
				Bolt11:   mintExternalInvoice(t, 10_000),
				Network:  &chaincfg.RegressionNetParams,
			})
		require.NoError(t, err)

		_, err = payments.PayInvoice(context.Background(), testDB, mock,
			conf, nil, payments.PayInvoiceOpts{
				WalletID: wallet.ID,
				Bolt11:   mintExternalInvoice(t, 10_000),
				Network:  &chaincfg.RegressionNetParams,
			})
		require.ErrorIs(t, err, payments.ErrPaymentRateLimited)
	})

	t.Run("daily withdraw cap", func(t *testing.T) {
		t.Parallel()
		wallet := testutil.CreateTestWallet(t, testDB)
		testutil.FundTestWallet(t, testDB, wallet.ID, 1_000_000)

		conf := testSettings()
		conf.WalletLimitDailyMaxWithdrawMsat = 50_000

		mock := testutil.NewMockFunding()
		_, err := payments.PayInvoice(context.Background(), testDB, mock,
			conf, nil, payments.PayInvoiceOpts{
				WalletID: wallet.ID,
				Bolt11:   mintExternalInvoice(t, 100_000),
				Network:  &chaincfg.RegressionNetParams,
			})
		require.ErrorIs(t, err, payments.ErrDailyLimitExceeded)

		// Within the cap it goes through.
		_, err = payments.PayInvoice(context.Background(), testDB, mock,
			conf, nil, payments.PayInvoiceOpts{
				WalletID: wallet.ID,
				Bolt11:   mintExternalInvoice(t, 40_000),
				Network:  &chaincfg.RegressionNetParams,
			})
		require.NoError(t, err)

		// The first payment plus fees now counts against the cap.
		_, err = payments.PayInvoice(context.Background(), testDB, mock,
			conf, nil, payments.PayInvoiceOpts{
				WalletID: wallet.ID,
				Bolt11:   mintExternalInvoice(t, 40_000),
				Network:  &chaincfg.RegressionNetParams,
			})
		require.ErrorIs(t, err, payments.ErrDailyLimitExceeded)
	})
}

func TestSettleIsIdempotent(t *testing.T) {
	t.Parallel()

	wallet := testutil.CreateTestWallet(t, testDB)
	mock := testutil.NewMockFunding()
	conf := testSettings()
	conf.AuditEnabled = true

	payment, err := payments.CreateInvoice(context.Background(), testDB, mock,
		conf, payments.CreateInvoiceOpts{
			WalletID:   wallet.ID,
			AmountMsat: 75_000,
		})
	require.NoError(t, err)

	preimage := hex.EncodeToString([]byte(gofakeit.UUID())[:16])
	require.NoError(t, payments.Settle(testDB, conf, nil, payment, 0, preimage))

	assert.Equal(t, int64(75_000), balanceOf(t, wallet.ID))

	err = payments.Settle(testDB, conf, nil, payment, 0, preimage)
	require.ErrorIs(t, err, payments.ErrAlreadySettled)
	assert.Equal(t, int64(75_000), balanceOf(t, wallet.ID),
		"a second settle must not double credit")

	err = payments.Fail(testDB, conf, nil, payment, "too late")
	require.ErrorIs(t, err, payments.ErrAlreadySettled,
		"a settled payment can never fail")

	transitions, err := audit.ListByCheckingID(testDB, payment.CheckingID)
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, "pending", transitions[0].OldStatus)
	assert.Equal(t, "success", transitions[0].NewStatus)
}

func TestCheckStatus(t *testing.T) {
	t.Parallel()

	t.Run("settles a paid incoming invoice", func(t *testing.T) {
		t.Parallel()
		wallet := testutil.CreateTestWallet(t, testDB)
		mock := testutil.NewMockFunding()
		notifier := &recordingNotifier{}

		payment, err := payments.CreateInvoice(context.Background(), testDB, mock,
			testSettings(), payments.CreateInvoiceOpts{
				WalletID:   wallet.ID,
				AmountMsat: 30_000,
			})
		require.NoError(t, err)

		preimage := hex.EncodeToString([]byte(gofakeit.UUID())[:16])
		mock.SettleInvoice(payment.CheckingID, preimage)

		require.NoError(t, payments.CheckStatus(context.Background(), testDB,
			mock, testSettings(), notifier, payment))

		stored, err := payments.GetByCheckingID(testDB, wallet.ID, payment.CheckingID)
		require.NoError(t, err)
		assert.Equal(t, payments.Success, stored.Status)
		require.NotNil(t, stored.Preimage)
		assert.Equal(t, preimage, *stored.Preimage)
		assert.Equal(t, int64(30_000), balanceOf(t, wallet.ID))
		assert.Equal(t, 1, notifier.settledCount())
	})

	t.Run("unpaid incoming invoice is left alone", func(t *testing.T) {
		t.Parallel()
		wallet := testutil.CreateTestWallet(t, testDB)
		mock := testutil.NewMockFunding()

		payment, err := payments.CreateInvoice(context.Background(), testDB, mock,
			testSettings(), payments.CreateInvoiceOpts{
				WalletID:   wallet.ID,
				AmountMsat: 30_000,
			})
		require.NoError(t, err)

		require.NoError(t, payments.CheckStatus(context.Background(), testDB,
			mock, testSettings(), nil, payment))

		stored, err := payments.GetByCheckingID(testDB, wallet.ID, payment.CheckingID)
		require.NoError(t, err)
		assert.Equal(t, payments.Pending, stored.Status,
			"incoming invoices are never failed by polling")
	})

	t.Run("resolves a stuck outgoing payment", func(t *testing.T) {
		t.Parallel()
		wallet := testutil.CreateTestWallet(t, testDB)
		testutil.FundTestWallet(t, testDB, wallet.ID, 1_000_000)

		mock := testutil.NewMockFunding()
		mock.PayErr = errors.New("rpc timeout")

		payment, err := payments.PayInvoice(context.Background(), testDB, mock,
			testSettings(), nil, payments.PayInvoiceOpts{
				WalletID: wallet.ID,
				Bolt11:   mintExternalInvoice(t, 100_000),
				Network:  &chaincfg.RegressionNetParams,
			})
		require.NoError(t, err)
		require.Equal(t, payments.Pending, payment.Status)

		// The backend later reports it went through.
		mock.SetPaymentStatus(payment.PaymentHash, funding.StatusResponse{
			State:   funding.StateSuccess,
			FeeMsat: 800,
		})

		require.NoError(t, payments.CheckStatus(context.Background(), testDB,
			mock, testSettings(), nil, payment))

		stored, err := payments.GetByCheckingID(testDB, wallet.ID, payment.CheckingID)
		require.NoError(t, err)
		assert.Equal(t, payments.Success, stored.Status)
		assert.Equal(t, int64(800), stored.FeeMsat)
		assert.Equal(t, int64(1_000_000-100_000-800), balanceOf(t, wallet.ID))
	})

	t.Run("terminal and internal rows are skipped", func(t *testing.T) {
		t.Parallel()
		wallet := testutil.CreateTestWallet(t, testDB)
		mock := testutil.NewMockFunding()

		settled := payments.Payment{
			WalletID:   wallet.ID,
			CheckingID: gofakeit.UUID(),
			Status:     payments.Success,
			AmountMsat: 1000,
		}
		require.NoError(t, payments.CheckStatus(context.Background(), testDB,
			mock, testSettings(), nil, settled))
	})
}

func TestPendingLists(t *testing.T) {
	t.Parallel()

	wallet := testutil.CreateTestWallet(t, testDB)
	testutil.FundTestWallet(t, testDB, wallet.ID, 1_000_000)

	invoice := createTestInvoice(t, wallet, 10_000)

	mock := testutil.NewMockFunding()
	mock.PayErr = errors.New("rpc timeout")
	reservation, err := payments.PayInvoice(context.Background(), testDB, mock,
		testSettings(), nil, payments.PayInvoiceOpts{
			WalletID: wallet.ID,
			Bolt11:   mintExternalInvoice(t, 20_000),
			Network:  &chaincfg.RegressionNetParams,
		})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(reservation.CheckingID, payments.TempPrefix))

	hasCheckingID := func(list []payments.Payment, checkingID string) bool {
		for _, p := range list {
			if p.CheckingID == checkingID && p.WalletID == wallet.ID {
				return true
			}
		}
		return false
	}

	t.Run("ListPending polls invoices but not temp reservations", func(t *testing.T) {
		pending, err := payments.ListPending(testDB, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.True(t, hasCheckingID(pending, invoice.CheckingID))
		assert.False(t, hasCheckingID(pending, reservation.CheckingID),
			"an in-flight reservation must not be polled yet")
	})

	t.Run("ListStaleReservations picks up old temp rows", func(t *testing.T) {
		stale, err := payments.ListStaleReservations(testDB, time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, hasCheckingID(stale, reservation.CheckingID))
		assert.False(t, hasCheckingID(stale, invoice.CheckingID))
	})

	t.Run("ListAllPending sees both", func(t *testing.T) {
		all, err := payments.ListAllPending(testDB)
		require.NoError(t, err)
		assert.True(t, hasCheckingID(all, invoice.CheckingID))
		assert.True(t, hasCheckingID(all, reservation.CheckingID))
	})

	t.Run("ListByWallet returns the ledger newest first", func(t *testing.T) {
		list, err := payments.ListByWallet(testDB, wallet.ID, 0, 0)
		require.NoError(t, err)
		require.NotEmpty(t, list)
		for i := 1; i < len(list); i++ {
			assert.False(t, list[i-1].CreatedAt.Before(list[i].CreatedAt))
		}
	})
}

func TestDeleteExpiredInvoices(t *testing.T) {
	t.Parallel()

	wallet := testutil.CreateTestWallet(t, testDB)
	expired := createTestInvoice(t, wallet, 10_000)
	alive := createTestInvoice(t, wallet, 10_000)

	// Age the first invoice past both its expiry and the grace window.
	_, err := testDB.Exec(`UPDATE payments
	SET expiry = NOW() - INTERVAL '2 hours', created_at = NOW() - INTERVAL '3 hours'
	WHERE wallet_id = $1 AND checking_id = $2`, wallet.ID, expired.CheckingID)
	require.NoError(t, err)

	count, err := payments.DeleteExpiredInvoices(testDB, 10*time.Minute)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, int64(1))

	_, err = payments.GetByCheckingID(testDB, wallet.ID, expired.CheckingID)
	require.ErrorIs(t, err, payments.ErrPaymentNotFound)

	_, err = payments.GetByCheckingID(testDB, wallet.ID, alive.CheckingID)
	require.NoError(t, err, "unexpired invoices must survive the cleanup")
}

func TestUpdateWalletBalance(t *testing.T) {
	t.Parallel()

	wallet := testutil.CreateTestWallet(t, testDB)
	conf := testSettings()
	conf.AuditEnabled = true

	adjustment, err := payments.UpdateWalletBalance(testDB, conf, wallet.ID, 100_000)
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), adjustment.AmountMsat)
	assert.True(t, strings.HasPrefix(adjustment.CheckingID, payments.AdminPrefix))
	assert.Equal(t, int64(100_000), balanceOf(t, wallet.ID))

	// A negative delta debits the wallet.
	adjustment, err = payments.UpdateWalletBalance(testDB, conf, wallet.ID, -60_000)
	require.NoError(t, err)
	assert.Equal(t, int64(-60_000), adjustment.AmountMsat)
	assert.Equal(t, int64(40_000), balanceOf(t, wallet.ID))

	// A zero delta is meaningless.
	_, err = payments.UpdateWalletBalance(testDB, conf, wallet.ID, 0)
	require.ErrorIs(t, err, payments.ErrInvalidAmount)

	transitions, err := audit.ListByCheckingID(testDB, adjustment.CheckingID)
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, "admin", transitions[0].Actor)
}
