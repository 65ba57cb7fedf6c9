package funding

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// RestHubConfig configures a connection to a hosted wallet HTTP API.
type RestHubConfig struct {
	// BaseURL is the root of the hosted wallet API, e.g.
	// https://hub.example.com/api
	BaseURL string
	// APIKey is sent as the X-Api-Key header on every request.
	APIKey string
}

// RestHubSource is a FundingSource over a hosted wallet REST API. The hub is
// authoritative for checking ids.
type RestHubSource struct {
	cfg    RestHubConfig
	client *http.Client
}

var _ FundingSource = &RestHubSource{}

// NewRestHubSource returns a funding source talking to the hosted wallet API
// at the configured base URL
func NewRestHubSource(cfg RestHubConfig) *RestHubSource {
	return &RestHubSource{
		cfg:    cfg,
		client: &http.Client{Timeout: PayTimeout},
	}
}

type hubBalanceResponse struct {
	BalanceMsat int64 `json:"balance_msat"`
}

type hubInvoiceResponse struct {
	CheckingID     string `json:"checking_id"`
	PaymentRequest string `json:"payment_request"`
	PaymentHash    string `json:"payment_hash"`
	Error          string `json:"error"`
}

type hubPayResponse struct {
	CheckingID string `json:"checking_id"`
	Status     string `json:"status"`
	FeeMsat    int64  `json:"fee_msat"`
	Preimage   string `json:"preimage"`
	Error      string `json:"error"`
}

type hubStatusResponse struct {
	Status   string `json:"status"`
	FeeMsat  int64  `json:"fee_msat"`
	Preimage string `json:"preimage"`
}

func (r *RestHubSource) do(ctx context.Context, method, path string,
	body interface{}, out interface{}) error {

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "could not encode hub request")
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-Api-Key", r.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return fmt.Errorf("hub returned %d for %s %s: %s",
			res.StatusCode, method, path, strings.TrimSpace(string(raw)))
	}

	return json.NewDecoder(res.Body).Decode(out)
}

func (r *RestHubSource) Status(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, ReadTimeout)
	defer cancel()

	var balance hubBalanceResponse
	if err := r.do(ctx, http.MethodGet, "/balance", nil, &balance); err != nil {
		return 0, errors.Wrap(err, "could not get hub balance")
	}
	return balance.BalanceMsat, nil
}

func (r *RestHubSource) CreateInvoice(ctx context.Context, params InvoiceParams) (
	InvoiceResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, ReadTimeout)
	defer cancel()

	body := map[string]interface{}{
		"amount_msat": params.AmountMsat,
		"memo":        params.Memo,
	}
	if params.ExpirySeconds != 0 {
		body["expiry"] = params.ExpirySeconds
	}
	if len(params.DescriptionHash) != 0 {
		body["description_hash"] = fmt.Sprintf("%x", params.DescriptionHash)
	}

	var invoice hubInvoiceResponse
	if err := r.do(ctx, http.MethodPost, "/addinvoice", body, &invoice); err != nil {
		return InvoiceResponse{}, errors.Wrap(err, "could not add invoice to hub")
	}
	if invoice.Error != "" {
		return InvoiceResponse{}, errors.New(invoice.Error)
	}

	return InvoiceResponse{
		CheckingID:     invoice.CheckingID,
		PaymentRequest: invoice.PaymentRequest,
		PaymentHash:    invoice.PaymentHash,
	}, nil
}

func (r *RestHubSource) PayInvoice(ctx context.Context, bolt11 string,
	feeLimitMsat int64) (PaymentResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, PayTimeout)
	defer cancel()

	body := map[string]interface{}{
		"invoice":        bolt11,
		"fee_limit_msat": feeLimitMsat,
	}

	var paid hubPayResponse
	if err := r.do(ctx, http.MethodPost, "/payinvoice", body, &paid); err != nil {
		// the hub may have committed the pay before the transport died
		log.WithError(err).Warn("hub payinvoice gave a transport error")
		return PaymentResponse{State: StateUnknown, Error: err.Error()}, nil
	}

	switch paid.Status {
	case "success", "paid":
		return PaymentResponse{
			State:      StateSuccess,
			CheckingID: paid.CheckingID,
			FeeMsat:    paid.FeeMsat,
			Preimage:   paid.Preimage,
		}, nil
	case "failed":
		return PaymentResponse{
			State:      StateFailed,
			CheckingID: paid.CheckingID,
			Error:      paid.Error,
		}, nil
	default:
		return PaymentResponse{
			State:      StateUnknown,
			CheckingID: paid.CheckingID,
			Error:      paid.Error,
		}, nil
	}
}

func (r *RestHubSource) InvoiceStatus(ctx context.Context, checkingID string) (
	StatusResponse, error) {
	return r.checkStatus(ctx, "/checkinvoice/"+checkingID)
}

func (r *RestHubSource) PaymentStatus(ctx context.Context, checkingID string) (
	StatusResponse, error) {
	return r.checkStatus(ctx, "/checkpayment/"+checkingID)
}

func (r *RestHubSource) checkStatus(ctx context.Context, path string) (
	StatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, ReadTimeout)
	defer cancel()

	var status hubStatusResponse
	if err := r.do(ctx, http.MethodGet, path, nil, &status); err != nil {
		return StatusResponse{}, errors.Wrapf(err, "could not poll hub %s", path)
	}

	switch status.Status {
	case "success", "paid":
		return StatusResponse{
			State:    StateSuccess,
			FeeMsat:  status.FeeMsat,
			Preimage: status.Preimage,
		}, nil
	case "failed":
		return StatusResponse{State: StateFailed}, nil
	default:
		return StatusResponse{State: StatePending}, nil
	}
}

// PaidInvoices long-polls the hub's paid-invoice stream. The hub emits one
// checking id per line.
func (r *RestHubSource) PaidInvoices(ctx context.Context) (<-chan string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.cfg.BaseURL+"/paidinvoices/stream", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Api-Key", r.cfg.APIKey)

	// the stream request must not share the client timeout, it is expected
	// to stay open indefinitely
	res, err := http.DefaultTransport.RoundTrip(req)
	if err != nil {
		return nil, errors.Wrap(err, "could not open hub invoice stream")
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		_ = res.Body.Close()
		return nil, fmt.Errorf("hub invoice stream returned %d", res.StatusCode)
	}

	ch := make(chan string)
	go func() {
		defer close(ch)
		defer func() { _ = res.Body.Close() }()

		scanner := bufio.NewScanner(res.Body)
		for scanner.Scan() {
			checkingID := strings.TrimSpace(scanner.Text())
			if checkingID == "" {
				continue
			}
			select {
			case ch <- checkingID:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.WithError(err).Error("hub invoice stream died")
		}
	}()
	return ch, nil
}
