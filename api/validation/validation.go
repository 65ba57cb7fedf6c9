// Package validation provides validation functionality for struct tag
// fields such as "binding", used in Gin/Validator.
package validation

import (
	"reflect"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/pkg/errors"
	"gopkg.in/go-playground/validator.v8"
)

const (
	paymentrequest = "paymentrequest"
)

// isValidPaymentRequest checks if a payment request is valid per the
// configured network
func isValidPaymentRequest(chainCfg *chaincfg.Params) validator.Func {
	return func(v *validator.Validate, topStruct reflect.Value, currentStructOrField reflect.Value,
		field reflect.Value, fieldType reflect.Type, fieldKind reflect.Kind, param string) bool {

		stringVal := field.String()

		if _, err := zpay32.Decode(stringVal, chainCfg); err != nil {
			return false
		}

		return true
	}
}

// RegisterAllValidators registers our custom validators with the given
// engine, returning the names of the registered tags
func RegisterAllValidators(engine *validator.Validate, network chaincfg.Params) []string {
	validators := map[string]validator.Func{
		paymentrequest: isValidPaymentRequest(&network),
	}

	var registered []string
	for tag, fun := range validators {
		if err := engine.RegisterValidation(tag, fun); err != nil {
			panic(errors.Wrapf(err, "could not register %q validator", tag))
		}
		registered = append(registered, tag)
	}
	return registered
}
