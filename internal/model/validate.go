package model

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate is the shared validator for row types.
var Validate *validator.Validate

func init() {
	Validate = validator.New()

	if err := Validate.RegisterValidation("period", validatePeriod); err != nil {
		panic(fmt.Sprintf("failed to register period validator: %v", err))
	}
}

func validatePeriod(fl validator.FieldLevel) bool {
	return Period(fl.Field().String()).IsValid()
}

// Validate checks that every row is well formed and belongs to the snapshot
// account. The version token must be present.
func (s Snapshot) Validate() error {
	if s.Account == "" {
		return fmt.Errorf("account is required")
	}
	for i := range s.Tasks {
		if err := Validate.Struct(&s.Tasks[i]); err != nil {
			return fmt.Errorf("invalid task %s: %w", s.Tasks[i].ID, err)
		}
	}
	for i := range s.Tags {
		if err := Validate.Struct(&s.Tags[i]); err != nil {
			return fmt.Errorf("invalid tag %s: %w", s.Tags[i].ID, err)
		}
	}
	for i := range s.Relations {
		if err := Validate.Struct(&s.Relations[i]); err != nil {
			r := s.Relations[i]
			return fmt.Errorf("invalid relation %s/%s: %w", r.TaskID, r.TagID, err)
		}
	}
	if err := Validate.Struct(&s.Version); err != nil {
		return fmt.Errorf("invalid version: %w", err)
	}
	return nil
}
