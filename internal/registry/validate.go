package registry

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"pricewatch/internal/product"
)

// AddRequest carries a validated add-flow request plus the upstream metadata
// resolved by the source lookup.
type AddRequest struct {
	OwnerID     int64         `validate:"required"`
	ProductID   string        `validate:"required"`
	ExternalRef string        `validate:"required,url"`
	TargetPrice product.Cents `validate:"required,gt=0"`

	Title          string
	ImageRef       string
	CurrentPrice   product.Cents
	AllTimeMin     product.Cents
	History        []product.PricePoint
	CheckFrequency time.Duration
}

// ValidationError rejects a malformed add request at the registry boundary;
// nothing invalid ever enters scheduling.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return fmt.Sprintf("registry: invalid request: %v", e.Err) }
func (e *ValidationError) Unwrap() error { return e.Err }

var validate = validator.New(validator.WithRequiredStructEnabled())

func validateAdd(req AddRequest) error {
	if err := validate.Struct(req); err != nil {
		return &ValidationError{Err: err}
	}
	return nil
}
