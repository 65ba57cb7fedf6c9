package api

import (
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"gitlab.com/luminapay/lumina/api/apierr"
	"gitlab.com/luminapay/lumina/api/auth"
	"gitlab.com/luminapay/lumina/models/payments"
	"gitlab.com/luminapay/lumina/models/wallets"
)

func (r *RestServer) registerPaymentRoutes() {
	group := r.Router.Group("/api/v1/payments")

	// Decoding is stateless, no key required
	group.POST("/decode", r.decodePaymentRequest())

	group.Use(auth.GetMiddleware(r.db, auth.ScopeInvoice))
	group.POST("", r.createPayment())
	group.GET("", r.listPayments())
	group.GET("/:paymentHash", r.getPayment())
}

// createPaymentRequest is the expected request body of POST /payments.
// With out=false it creates an invoice, with out=true it pays one.
type createPaymentRequest struct {
	Out bool `json:"out"`

	// invoice creation
	AmountMsat      int64  `json:"amountMsat" binding:"omitempty,gt=0"`
	Memo            string `json:"memo" binding:"max=640"`
	DescriptionHash string `json:"descriptionHash"`
	ExpirySeconds   int64  `json:"expirySeconds" binding:"omitempty,gt=0"`

	// outgoing payment
	PaymentRequest string `json:"paymentRequest" binding:"omitempty,paymentrequest"`
	MaxSat         int64  `json:"maxSat" binding:"omitempty,gt=0"`

	Webhook string `json:"webhook" binding:"omitempty,url"`
}

func (r *RestServer) createPayment() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request createPaymentRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			_ = c.Error(err).SetType(gin.ErrorTypeBind)
			return
		}

		conf := r.settings.View()
		if request.Webhook != "" && !conf.WebhookAllowed(request.Webhook) {
			apierr.Public(c, http.StatusBadRequest, apierr.ErrWebhookNotAllowed)
			return
		}

		if request.Out {
			r.payInvoice(c, request)
			return
		}
		r.createInvoice(c, request)
	}
}

func (r *RestServer) createInvoice(c *gin.Context, request createPaymentRequest) {
	wallet, _ := auth.WalletFromContext(c)

	if request.AmountMsat <= 0 {
		apierr.Public(c, http.StatusBadRequest, apierr.ErrInvalidAmount)
		return
	}

	var descriptionHash []byte
	if request.DescriptionHash != "" {
		decoded, err := hex.DecodeString(request.DescriptionHash)
		if err != nil || len(decoded) != 32 {
			apierr.Public(c, http.StatusBadRequest, apierr.ErrRequestValidationFailed)
			return
		}
		descriptionHash = decoded
	}

	payment, err := payments.CreateInvoice(c.Request.Context(), r.db, r.source,
		r.settings.View(), payments.CreateInvoiceOpts{
			WalletID:        wallet.ID,
			AmountMsat:      request.AmountMsat,
			Memo:            request.Memo,
			DescriptionHash: descriptionHash,
			ExpirySeconds:   request.ExpirySeconds,
			Webhook:         request.Webhook,
		})
	if err != nil {
		abortWithDomainError(c, err)
		return
	}

	c.JSON(http.StatusCreated, payment)
}

func (r *RestServer) payInvoice(c *gin.Context, request createPaymentRequest) {
	wallet, keyType := auth.WalletFromContext(c)
	if keyType != wallets.AdminKey {
		apierr.Public(c, http.StatusForbidden, apierr.ErrBadApiKey)
		return
	}
	if request.PaymentRequest == "" {
		apierr.Public(c, http.StatusBadRequest, apierr.ErrInvalidPaymentRequest)
		return
	}

	payment, err := payments.PayInvoice(c.Request.Context(), r.db, r.source,
		r.settings.View(), r.notifier, payments.PayInvoiceOpts{
			WalletID:      wallet.ID,
			Bolt11:        request.PaymentRequest,
			Network:       &r.network,
			MaxAmountMsat: request.MaxSat * 1000,
			Webhook:       request.Webhook,
		})
	if err != nil {
		abortWithDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, payment)
}

func (r *RestServer) listPayments() gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet, _ := auth.WalletFromContext(c)

		limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
		if err != nil {
			_ = c.Error(err).SetType(gin.ErrorTypeBind)
			return
		}
		offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
		if err != nil {
			_ = c.Error(err).SetType(gin.ErrorTypeBind)
			return
		}

		list, err := payments.ListByWallet(r.db, wallet.ID, limit, offset)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, list)
	}
}

func (r *RestServer) getPayment() gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet, _ := auth.WalletFromContext(c)
		paymentHash := c.Param("paymentHash")

		payment, err := payments.GetByHash(r.db, wallet.ID, paymentHash)
		if err != nil {
			abortWithDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, payment)
	}
}

type decodeRequest struct {
	PaymentRequest string `json:"paymentRequest" binding:"required"`
}

func (r *RestServer) decodePaymentRequest() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request decodeRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			_ = c.Error(err).SetType(gin.ErrorTypeBind)
			return
		}

		invoice, err := payments.Decode(request.PaymentRequest, &r.network)
		if err != nil {
			abortWithDomainError(c, err)
			return
		}

		var amountMsat int64
		if invoice.MilliSat != nil {
			amountMsat = int64(*invoice.MilliSat)
		}
		description := ""
		if invoice.Description != nil {
			description = *invoice.Description
		}

		c.JSON(http.StatusOK, gin.H{
			"paymentHash": hex.EncodeToString(invoice.PaymentHash[:]),
			"amountMsat":  amountMsat,
			"description": description,
			"timestamp":   invoice.Timestamp.Unix(),
			"expiry":      invoice.Timestamp.Add(invoice.Expiry()).Format(time.RFC3339),
		})
	}
}

// abortWithDomainError terminates the request with the API error matching a
// ledger error, falling back to a plain internal error
func abortWithDomainError(c *gin.Context, err error) {
	if status, apiErr, ok := apierr.FromDomain(err); ok {
		apierr.Public(c, status, apiErr)
		return
	}
	_ = c.Error(err)
}
