// Package notify fans payment events out to websocket listeners and
// webhooks. Delivery is best effort: the ledger has already committed by the
// time anything here runs, and nothing here can roll it back.
package notify

import (
	"encoding/json"

	"github.com/sirupsen/logrus"

	"gitlab.com/luminapay/lumina/db"
	"gitlab.com/luminapay/lumina/models/payments"
	"gitlab.com/luminapay/lumina/models/wallets"
	"gitlab.com/luminapay/lumina/settings"
)

// WalletEvent is published on a wallet's key topics when one of its payments
// reaches a terminal status
type WalletEvent struct {
	WalletBalance int64            `json:"walletBalance"`
	Payment       payments.Payment `json:"payment"`
}

// HashEvent is published on the payment hash topic, so anonymous holders of
// an invoice can watch it settle without an API key
type HashEvent struct {
	PaymentHash string `json:"paymentHash"`
	Status      string `json:"status"`
	Pending     bool   `json:"pending"`
}

// Dispatcher implements payments.Notifier on top of the in-process bus and
// outgoing webhooks
type Dispatcher struct {
	database *db.DB
	bus      *Bus
	settings *settings.Store
	poster   HTTPPoster
}

func NewDispatcher(database *db.DB, bus *Bus, store *settings.Store) *Dispatcher {
	return &Dispatcher{
		database: database,
		bus:      bus,
		settings: store,
		poster:   newWebhookClient(),
	}
}

// PaymentSettled publishes the settled payment to the wallet's listeners and
// the payment hash topic, then kicks off webhook delivery
func (d *Dispatcher) PaymentSettled(payment payments.Payment) {
	d.publishWallet(payment)
	d.publishHash(payment.PaymentHash, string(payments.Success))

	if payment.Webhook != nil && *payment.Webhook != "" {
		go d.dispatchWebhook(payment)
	}
}

// PaymentFailed publishes the failure to the payer's listeners. Failures
// never trigger webhooks.
func (d *Dispatcher) PaymentFailed(payment payments.Payment) {
	d.publishWallet(payment)
	d.publishHash(payment.PaymentHash, string(payments.Failed))
}

func (d *Dispatcher) publishWallet(payment payments.Payment) {
	wallet, err := wallets.GetByID(d.database, payment.WalletID)
	if err != nil {
		log.WithError(err).WithField("walletId", payment.WalletID).
			Error("Could not look up wallet for notification")
		return
	}
	balance, err := wallets.Balance(d.database, payment.WalletID)
	if err != nil {
		log.WithError(err).WithField("walletId", payment.WalletID).
			Error("Could not read balance for notification")
		return
	}

	payload, err := json.Marshal(WalletEvent{
		WalletBalance: balance,
		Payment:       payment,
	})
	if err != nil {
		log.WithError(err).Error("Could not marshal wallet event")
		return
	}

	d.bus.Publish(wallet.InvoiceKey, payload)
	d.bus.Publish(wallet.AdminKey, payload)
}

func (d *Dispatcher) publishHash(paymentHash, status string) {
	payload, err := json.Marshal(HashEvent{
		PaymentHash: paymentHash,
		Status:      status,
		Pending:     false,
	})
	if err != nil {
		log.WithError(err).Error("Could not marshal hash event")
		return
	}
	d.bus.Publish(paymentHash, payload)
}

// fields returns the log fields common to every delivery attempt
func fields(payment payments.Payment) logrus.Fields {
	return logrus.Fields{
		"checkingId": payment.CheckingID,
		"walletId":   payment.WalletID,
	}
}
