// package apierr provides functionality for handling errors in our API.
// This includes both creating middleware for this, as well as terminating
// requests in a way that ensure a smooth user experience.

package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"unicode"

	"github.com/gin-gonic/gin"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/go-playground/validator.v8"

	"gitlab.com/luminapay/lumina/api/httptypes"
	"gitlab.com/luminapay/lumina/models/payments"
	"gitlab.com/luminapay/lumina/models/wallets"
)

// apiError is a type we can pass in to the Public method of this package.
// It ensure we're both giving a unique error code and a meaningful error
// message.
type apiError struct {
	err  error
	code string
}

func (a apiError) Error() string {
	return pkgerrors.Wrap(a.err, a.code).Error()
}

// Is provides functionality for comparing errors
func (a apiError) Is(err error) bool {
	if stdErr, ok := err.(httptypes.StandardErrorResponse); ok {
		return stdErr.ErrorField.Code == a.code
	}
	if aErr, ok := err.(apiError); ok {
		return a.code == aErr.code
	}
	return a.err.Error() == err.Error()
}

var (
	// ErrInsufficientBalance means the wallet can't cover amount plus fee
	// reserve
	ErrInsufficientBalance = apiError{
		err:  payments.ErrInsufficientBalance,
		code: "ERR_INSUFFICIENT_BALANCE",
	}
	// ErrInvalidPaymentRequest means the BOLT-11 string didn't decode
	ErrInvalidPaymentRequest = apiError{
		err:  payments.ErrInvalidPaymentRequest,
		code: "ERR_INVALID_PAYMENT_REQUEST",
	}
	// ErrAmountlessInvoice means the invoice carries no amount
	ErrAmountlessInvoice = apiError{
		err:  payments.ErrAmountlessInvoice,
		code: "ERR_AMOUNTLESS_INVOICE",
	}
	// ErrInvalidAmount means the amount was zero or negative
	ErrInvalidAmount = apiError{
		err:  payments.ErrInvalidAmount,
		code: "ERR_INVALID_AMOUNT",
	}
	// ErrAmountTooLarge means the amount exceeds the configured maximum
	ErrAmountTooLarge = apiError{
		err:  payments.ErrAmountTooLarge,
		code: "ERR_AMOUNT_TOO_LARGE",
	}
	// ErrDailyLimitExceeded means the wallet hit its daily withdraw cap
	ErrDailyLimitExceeded = apiError{
		err:  payments.ErrDailyLimitExceeded,
		code: "ERR_DAILY_LIMIT_EXCEEDED",
	}
	// ErrPaymentRateLimited means payments from this wallet come too fast
	ErrPaymentRateLimited = apiError{
		err:  payments.ErrPaymentRateLimited,
		code: "ERR_PAYMENT_RATE_LIMITED",
	}
	// ErrBackendUnavailable means the funding source couldn't be reached
	ErrBackendUnavailable = apiError{
		err:  payments.ErrBackendUnavailable,
		code: "ERR_BACKEND_UNAVAILABLE",
	}
	// ErrInvoiceAlreadyPaid means the internal invoice was already settled
	ErrInvoiceAlreadyPaid = apiError{
		err:  payments.ErrInvoiceAlreadyPaid,
		code: "ERR_INVOICE_ALREADY_PAID",
	}
	// ErrPaymentNotFound means the requested payment was not found
	ErrPaymentNotFound = apiError{
		err:  payments.ErrPaymentNotFound,
		code: "ERR_PAYMENT_NOT_FOUND",
	}
	// ErrWalletNotFound means no wallet matches the given id or key
	ErrWalletNotFound = apiError{
		err:  wallets.ErrWalletNotFound,
		code: "ERR_WALLET_NOT_FOUND",
	}
	// ErrWebhookNotAllowed means the webhook URL failed the allow-list
	ErrWebhookNotAllowed = apiError{
		err:  errors.New("webhook URL is not on the allow-list"),
		code: "ERR_WEBHOOK_NOT_ALLOWED",
	}
	// ErrMissingApiKey means the X-Api-Key header was empty
	ErrMissingApiKey = apiError{
		err:  errors.New("missing API key header"),
		code: "ERR_MISSING_API_KEY",
	}
	// ErrBadApiKey means the given API key does not grant this operation
	ErrBadApiKey = apiError{
		err:  errors.New("the given API key does not have the correct permissions"),
		code: "ERR_BAD_API_KEY",
	}

	// errInvalidJson means we got sent invalid JSON
	errInvalidJson = apiError{
		err:  errors.New("invalid JSON"),
		code: "ERR_INVALID_JSON",
	}

	errBodyRequired = apiError{
		err:  errors.New("JSON body required"),
		code: "ERR_BODY_REQUIRED",
	}

	// ErrUnknownError means we don't know exactly what went wrong
	ErrUnknownError = apiError{
		err:  errors.New("something went wrong"),
		code: "ERR_UNKNOWN_ERROR",
	}

	// ErrRouteNotFound means the requested HTTP route wasn't found
	ErrRouteNotFound = apiError{
		err:  errors.New("route not found"),
		code: "ERR_ROUTE_NOT_FOUND",
	}

	// ErrRequestValidationFailed means the user gave us an invalid request,
	// either in JSON, URL or query format
	ErrRequestValidationFailed = apiError{
		err:  errors.New("request validation failed"),
		code: "ERR_REQUEST_VALIDATION_FAILED",
	}
)

// FromDomain maps a ledger error to the HTTP status and API error that
// should terminate the request. The bool is false when the error isn't a
// known domain error and should be handled as internal.
func FromDomain(err error) (int, apiError, bool) {
	switch {
	case errors.Is(err, payments.ErrInsufficientBalance):
		return http.StatusPaymentRequired, ErrInsufficientBalance, true
	case errors.Is(err, payments.ErrDailyLimitExceeded):
		return http.StatusPaymentRequired, ErrDailyLimitExceeded, true
	case errors.Is(err, payments.ErrPaymentRateLimited):
		return http.StatusTooManyRequests, ErrPaymentRateLimited, true
	case errors.Is(err, payments.ErrInvalidPaymentRequest):
		return http.StatusBadRequest, ErrInvalidPaymentRequest, true
	case errors.Is(err, payments.ErrAmountlessInvoice):
		return http.StatusBadRequest, ErrAmountlessInvoice, true
	case errors.Is(err, payments.ErrInvalidAmount):
		return http.StatusBadRequest, ErrInvalidAmount, true
	case errors.Is(err, payments.ErrAmountTooLarge):
		return http.StatusBadRequest, ErrAmountTooLarge, true
	case errors.Is(err, payments.ErrInvoiceAlreadyPaid):
		return http.StatusConflict, ErrInvoiceAlreadyPaid, true
	case errors.Is(err, payments.ErrBackendUnavailable):
		return http.StatusBadGateway, ErrBackendUnavailable, true
	case errors.Is(err, payments.ErrPaymentNotFound):
		return http.StatusNotFound, ErrPaymentNotFound, true
	case errors.Is(err, wallets.ErrWalletNotFound):
		return http.StatusNotFound, ErrWalletNotFound, true
	}
	return 0, apiError{}, false
}

// decapitalize makes the first element of a string lowercase
func decapitalize(str string) string {
	if str == "" {
		return ""
	}
	var decapitalized string
	for index, c := range str {
		if index == 0 {
			decapitalized = string(unicode.ToLower(c))
			continue
		}
		decapitalized = decapitalized + string(c)
	}
	return decapitalized
}

// capitalize makes the first element of a string uppercase
func capitalize(str string) string {
	if str == "" {
		return ""
	}
	var capitalized string
	for index, c := range str {
		if index == 0 {
			capitalized = string(unicode.ToUpper(c))
			continue
		}
		capitalized = capitalized + string(c)
	}
	return capitalized
}

// GetMiddleware returns a Gin middleware that handles errors
func GetMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {

		// let previous handlers run
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		// if HTTP code is set to -1 it doesn't overwrite what's already there
		httpCode := -1
		if c.Writer.Status() == http.StatusOK {
			// default to 500 if no status has been set
			httpCode = http.StatusInternalServerError
		}

		fieldErrors := handleValidationErrors(c, log)
		response := &httptypes.StandardErrorResponse{
			ErrorField: httptypes.StandardError{
				Fields: fieldErrors,
			},
		}

		// Check for JSON parsing errors
		for _, err := range c.Errors {
			var syntaxErr *json.SyntaxError
			if errors.Is(err.Err, io.EOF) {
				response.ErrorField.Code = errBodyRequired.code
				response.ErrorField.Message = errBodyRequired.err.Error()
				c.JSON(http.StatusBadRequest, response)
				return
			} else if errors.As(err.Err, &syntaxErr) {
				response.ErrorField.Code = errInvalidJson.code
				response.ErrorField.Message = errInvalidJson.err.Error()
				c.JSON(http.StatusBadRequest, response)
				return
			}
		}

		// public errors are errors that can be shown to the end user
		publicErrors := c.Errors.ByType(gin.ErrorTypePublic)
		if len(publicErrors) > 0 {
			// we only take the last one because our error format only has
			// space for one error
			err := publicErrors.Last()
			if apiErr, ok := err.Err.(apiError); ok {
				response.ErrorField.Code = apiErr.code
				response.ErrorField.Message = apiErr.err.Error()
			} else {
				log.WithError(err).Warn("Got public error in error handler that was not apiError type")
				response.ErrorField.Code = ErrUnknownError.code
				response.ErrorField.Message = ErrUnknownError.err.Error()
			}
		}

		// ensure all responses have a code
		if response.ErrorField.Code == "" {
			if len(fieldErrors) > 0 {
				// if we have any field errors, request validation failed
				response.ErrorField.Code = ErrRequestValidationFailed.code
				response.ErrorField.Message = ErrRequestValidationFailed.err.Error()
			} else {
				// this is bad, but should be picked up by tests
				response.ErrorField.Code = ErrUnknownError.code
				response.ErrorField.Message = ErrUnknownError.err.Error()
			}
		}

		response.ErrorField.Message = capitalize(response.ErrorField.Message)
		c.JSON(httpCode, response)
	}
}

// Public fails the given Gin request with the given error. It sets the error
// type as public, causing it to later be returned to the end user with a
// fitting error message.
func Public(c *gin.Context, code int, err apiError) {
	cErr := c.AbortWithError(code, err)
	_ = cErr.SetType(gin.ErrorTypePublic)
}

// UnknownValidationTag is the tag we apply when encountering a validation tag
// we don't know how to handle
const UnknownValidationTag = "unknown"

func handleValidationErrors(c *gin.Context, log *logrus.Logger) []httptypes.FieldError {
	// initialize to empty list instead of pointer, to make sure the empty list
	// is returned instead of nil
	//noinspection GoPreferNilSlice
	fieldErrors := []httptypes.FieldError{}
	for _, err := range c.Errors.ByType(gin.ErrorTypeBind) {
		// not all errors encountered in validation is a nice
		// validator.ValidationErrors type. If you request an int in a form
		// for example, parsing of that int will fail before proper
		// validation happens.
		if numError, ok := err.Err.(*strconv.NumError); ok {
			fieldErrors = append(fieldErrors, httptypes.FieldError{
				Field:   "unknown",
				Message: fmt.Sprintf("%q is not a valid number, %q failed", numError.Num, numError.Func),
				Code:    "invalid-number",
			})
			continue
		}

		// if we pass an int to a JSON field expecting a string (or something
		// similar), we end up with this kind of error, not a
		// validator.ValidationErrors
		if jsonError, ok := err.Err.(*json.UnmarshalTypeError); ok {
			log.WithError(jsonError).WithFields(logrus.Fields{
				"field":  jsonError.Field,
				"value":  jsonError.Value,
				"type":   jsonError.Type,
				"struct": jsonError.Struct,
			}).Debug("Handling JSON error")
			fieldErrors = append(fieldErrors, httptypes.FieldError{
				Field:   jsonError.Field,
				Message: fmt.Sprintf("%q requires a %s, got a %s", jsonError.Field, jsonError.Type, jsonError.Value),
				Code:    "invalid-type",
			})
			continue
		}

		validationErrors, ok := err.Err.(validator.ValidationErrors)
		if !ok {
			continue
		}
		for _, validationErr := range validationErrors {
			// When doing field validation, it's not possible to get the name
			// of the JSON/Query field we're validating, only the field of
			// the struct. The assumption here is that all struct fields are
			// named the same as corresponding form/JSON fields, except for
			// the first letter.
			field := decapitalize(validationErr.Field)
			var message string
			var code string
			switch validationErr.Tag {
			case "required":
				message = fmt.Sprintf("%q is required", field)
				code = "required"
			case "paymentrequest":
				message = fmt.Sprintf("%q is not a valid payment request", field)
				code = "paymentrequest"
			case "gte":
				message = fmt.Sprintf("%q field must be greater than or equal %s. Got: %s",
					field, validationErr.Param, validationErr.Value)
				code = "gte"
			case "gt":
				message = fmt.Sprintf("%q field must be greater than %s. Got: %s",
					field, validationErr.Param, validationErr.Value)
				code = "gt"
			case "url":
				message = fmt.Sprintf("%q field is not a valid URL", field)
				code = "url"
			case "max":
				message = fmt.Sprintf("%q cannot be longer than %s characters", field, validationErr.Param)
				code = "max"
			default:
				log.WithField("tag", validationErr.Tag).Warn("Encountered unknown validation field")
				message = fmt.Sprintf("%s is invalid", field)
				code = UnknownValidationTag
			}
			fieldErrors = append(fieldErrors, httptypes.FieldError{
				Field:   field,
				Message: message,
				Code:    code,
			})
		}
	}
	return fieldErrors
}
