package validation

import (
	"errors"
	"reflect"

	"checkout-service/internal/dto"
	"checkout-service/internal/model"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// New returns a configured validator with custom struct-level validation registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// money fields validate as numbers
	v.RegisterCustomTypeFunc(decimalValue, decimal.Decimal{})

	// a provider is required exactly when the method needs one
	v.RegisterStructValidation(paymentStructValidation, dto.CheckoutRequest{}, dto.CreateOrderRequest{})

	return v
}

func decimalValue(field reflect.Value) interface{} {
	if d, ok := field.Interface().(decimal.Decimal); ok {
		f, _ := d.Float64()
		return f
	}
	return nil
}

func paymentStructValidation(sl validatorv10.StructLevel) {
	var method, provider string
	switch req := sl.Current().Interface().(type) {
	case dto.CheckoutRequest:
		method, provider = req.PaymentMethod, req.PaymentProvider
	case dto.CreateOrderRequest:
		method, provider = req.PaymentMethod, req.PaymentProvider
	default:
		return
	}

	if model.PaymentMethod(method).Online() && provider == "" {
		sl.ReportError(provider, "payment_provider", "PaymentProvider", "required_for_online", method)
	}
}

// EchoValidator adapts the validator to echo.Validator.
type EchoValidator struct {
	V *validatorv10.Validate
}

func (ev *EchoValidator) Validate(i interface{}) error {
	return ev.V.Struct(i)
}

// FieldErrors flattens validation errors into field -> message.
func FieldErrors(err error) map[string]string {
	out := map[string]string{}
	var ve validatorv10.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			out[fe.StructNamespace()] = fe.Error()
		}
	} else if err != nil {
		out["error"] = err.Error()
	}
	return out
}
