package notify

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"gitlab.com/luminapay/lumina/models/payments"
)

// webhookTimeout bounds one delivery attempt. There are no retries.
const webhookTimeout = 40 * time.Second

// HTTPPoster lets tests swap out the webhook transport
type HTTPPoster interface {
	Post(url, contentType string, body io.Reader) (*http.Response, error)
}

func newWebhookClient() HTTPPoster {
	return &http.Client{Timeout: webhookTimeout}
}

// dispatchWebhook posts the settled payment to its webhook URL, at most
// once. The row is claimed with a guarded update before the request goes
// out, so a concurrent dispatcher or a crash mid-flight can only ever cost
// the delivery, never duplicate it. The claim writes the failure sentinel,
// a crash before the final write leaves the row in that documented state.
func (d *Dispatcher) dispatchWebhook(payment payments.Payment) {
	result, err := d.database.Exec(`UPDATE payments SET webhook_status = $3
	WHERE wallet_id = $1 AND checking_id = $2
	AND webhook IS NOT NULL AND webhook_status IS NULL`,
		payment.WalletID, payment.CheckingID, payments.WebhookFailed)
	if err != nil {
		log.WithError(err).WithFields(fields(payment)).Error("Could not claim webhook")
		return
	}
	if count, _ := result.RowsAffected(); count == 0 {
		return
	}

	status := payments.WebhookFailed
	defer func() {
		_, err := d.database.Exec(`UPDATE payments SET webhook_status = $1
		WHERE wallet_id = $2 AND checking_id = $3`,
			status, payment.WalletID, payment.CheckingID)
		if err != nil {
			log.WithError(err).WithFields(fields(payment)).
				Error("Could not record webhook status")
		}
	}()

	url := *payment.Webhook
	if !d.settings.View().WebhookAllowed(url) {
		log.WithFields(fields(payment)).WithField("url", url).
			Warn("Webhook URL rejected by allow-list")
		return
	}

	body, err := json.Marshal(payment)
	if err != nil {
		log.WithError(err).WithFields(fields(payment)).Error("Could not marshal webhook body")
		return
	}

	response, err := d.poster.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		log.WithError(err).WithFields(fields(payment)).WithField("url", url).
			Warn("Webhook delivery failed")
		return
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		status = response.StatusCode
		log.WithFields(fields(payment)).WithField("status", response.StatusCode).
			Debug("Delivered webhook")
	} else {
		log.WithFields(fields(payment)).WithField("status", response.StatusCode).
			Warn("Webhook endpoint returned non-2xx")
	}
}
