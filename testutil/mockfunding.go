package testutil

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"gitlab.com/luminapay/lumina/funding"
)

// MockFunding is a scriptable funding source for tests. Zero value is not
// usable, create it with NewMockFunding.
type MockFunding struct {
	mu sync.Mutex

	// BalanceMsat is what Status reports
	BalanceMsat int64
	// PayResponse is returned from every PayInvoice call
	PayResponse funding.PaymentResponse
	// PayErr, when set, is returned from PayInvoice instead
	PayErr error
	// CreateErr, when set, makes CreateInvoice fail
	CreateErr error
	// InvoiceResponse, when set, is returned from every CreateInvoice call
	// instead of a generated one
	InvoiceResponse *funding.InvoiceResponse

	invoices map[string]funding.StatusResponse
	outgoing map[string]funding.StatusResponse
	stream   chan string
	counter  int
}

var _ funding.FundingSource = (*MockFunding)(nil)

func NewMockFunding() *MockFunding {
	return &MockFunding{
		BalanceMsat: 100_000_000,
		PayResponse: funding.PaymentResponse{State: funding.StateSuccess},
		invoices:    make(map[string]funding.StatusResponse),
		outgoing:    make(map[string]funding.StatusResponse),
		stream:      make(chan string, 16),
	}
}

func (m *MockFunding) Status(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.BalanceMsat, nil
}

func (m *MockFunding) CreateInvoice(_ context.Context,
	params funding.InvoiceParams) (funding.InvoiceResponse, error) {

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return funding.InvoiceResponse{}, m.CreateErr
	}
	if m.InvoiceResponse != nil {
		m.invoices[m.InvoiceResponse.CheckingID] = funding.StatusResponse{State: funding.StatePending}
		return *m.InvoiceResponse, nil
	}

	m.counter++
	var hash [32]byte
	if _, err := rand.Read(hash[:]); err != nil {
		return funding.InvoiceResponse{}, err
	}
	checkingID := fmt.Sprintf("mock-%d", m.counter)
	m.invoices[checkingID] = funding.StatusResponse{State: funding.StatePending}

	return funding.InvoiceResponse{
		CheckingID:     checkingID,
		PaymentHash:    hex.EncodeToString(hash[:]),
		PaymentRequest: fmt.Sprintf("lnbcrt-mock-%d", m.counter),
	}, nil
}

func (m *MockFunding) PayInvoice(_ context.Context, _ string,
	_ int64) (funding.PaymentResponse, error) {

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PayErr != nil {
		return funding.PaymentResponse{State: funding.StateUnknown}, m.PayErr
	}
	return m.PayResponse, nil
}

func (m *MockFunding) InvoiceStatus(_ context.Context,
	checkingID string) (funding.StatusResponse, error) {

	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.invoices[checkingID]
	if !ok {
		return funding.StatusResponse{State: funding.StatePending}, nil
	}
	return status, nil
}

func (m *MockFunding) PaymentStatus(_ context.Context,
	paymentHash string) (funding.StatusResponse, error) {

	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.outgoing[paymentHash]
	if !ok {
		return funding.StatusResponse{State: funding.StateFailed}, nil
	}
	return status, nil
}

func (m *MockFunding) PaidInvoices(_ context.Context) (<-chan string, error) {
	return m.stream, nil
}

// SettleInvoice marks the invoice as paid and announces it on the stream
func (m *MockFunding) SettleInvoice(checkingID, preimage string) {
	m.mu.Lock()
	m.invoices[checkingID] = funding.StatusResponse{
		State:    funding.StateSuccess,
		Preimage: preimage,
	}
	m.mu.Unlock()
	m.stream <- checkingID
}

// SetPaymentStatus scripts what PaymentStatus reports for the given hash
func (m *MockFunding) SetPaymentStatus(paymentHash string, status funding.StatusResponse) {
	m.mu.Lock()
	m.outgoing[paymentHash] = status
	m.mu.Unlock()
}
