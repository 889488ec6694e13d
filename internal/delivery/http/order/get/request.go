package get

import (
	"errors"

	"github.com/google/uuid"
)

var errInvalidOrderID = errors.New("invalid order id")

type OrderByIDRequest struct {
	OrderID string
}

func (r *OrderByIDRequest) validate() error {
	if _, err := uuid.Parse(r.OrderID); err != nil {
		return errInvalidOrderID
	}

	return nil
}

func (r *OrderByIDRequest) toServiceRepresentation() uuid.UUID {
	return uuid.MustParse(r.OrderID)
}
