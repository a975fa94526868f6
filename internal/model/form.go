package model

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidForm is returned when OrderFormData fails validation.
var ErrInvalidForm = errors.New("invalid order form")

// OrderFormData is the client-supplied payload for create and update.
type OrderFormData struct {
	ProductName string `json:"productName" validate:"required"`
	Quantity    string `json:"quantity" validate:"required,numeric"`
	Price       string `json:"price" validate:"required,numeric"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func formValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		// prefer json tag names in messages
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			tag := fld.Tag.Get("json")
			if idx := strings.Index(tag, ","); idx >= 0 {
				tag = tag[:idx]
			}
			if tag == "" || tag == "-" {
				return fld.Name
			}
			return tag
		})
		validate = v
	})
	return validate
}

// Validate checks that every field is present and that quantity and price are numeric.
// The returned error wraps ErrInvalidForm and, when available, validator.ValidationErrors.
func (f OrderFormData) Validate() error {
	err := formValidator().Struct(f)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", ErrInvalidForm, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field()+" "+fe.Tag())
	}
	return fmt.Errorf("%w (%s): %w", ErrInvalidForm, strings.Join(fields, ", "), verrs)
}
