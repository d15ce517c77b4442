package schema

import (
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validatorOnce sync.Once
	validatorInst *validator.Validate
)

// validate returns the shared validator with the record-specific tags
// registered.
func validate() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New()
		_ = v.RegisterValidation("lotnumber", func(fl validator.FieldLevel) bool {
			return IsValidLotNumber(fl.Field().String())
		})
		validatorInst = v
	})
	return validatorInst
}
