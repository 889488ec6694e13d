package create

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var (
	errInvalidAmount     = errors.New("amount must be a positive decimal")
	errInvalidCustomerID = errors.New("customer_id is required and must be at most 128 characters")
	errInvalidRequest    = errors.New("invalid request")
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.RegisterValidation("positive_decimal", func(fl validator.FieldLevel) bool {
		value, ok := fl.Field().Interface().(decimal.Decimal)
		return ok && value.IsPositive()
	}); err != nil {
		panic(err)
	}

	return v
}

// CreateOrderRequest accepts the amount as a JSON number or a decimal string.
type CreateOrderRequest struct {
	Amount     decimal.Decimal `json:"amount" validate:"positive_decimal"`
	CustomerID string          `json:"customer_id" validate:"required,max=128"`
}

func (req *CreateOrderRequest) validate() error {
	req.CustomerID = strings.TrimSpace(req.CustomerID)

	err := validate.Struct(req)
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) || len(validationErrs) == 0 {
		return errInvalidRequest
	}

	switch validationErrs[0].Field() {
	case "Amount":
		return errInvalidAmount
	case "CustomerID":
		return errInvalidCustomerID
	default:
		return errInvalidRequest
	}
}
