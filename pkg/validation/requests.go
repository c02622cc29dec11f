package validation

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is a singleton validator instance for companion-facing requests.
var validate = validator.New()

// ModeRequest is a companion-issued mode change, validated at the HTTP
// boundary before anything reaches the cycle scheduler. Dead time is a local
// safety margin and is never settable from outside.
type ModeRequest struct {
	CycleMillis uint32 `json:"cycle_ms" validate:"required,min=500,max=4000"`
	Intensity   uint8  `json:"intensity" validate:"required,min=1,max=100"`
	Pattern     uint8  `json:"pattern" validate:"max=3"`
}

// EmergencyRequest is a companion-issued emergency stop.
type EmergencyRequest struct {
	Reason string `json:"reason" validate:"required,max=128"`
}

// ValidateModeRequest validates a mode change request.
func ValidateModeRequest(req *ModeRequest) error {
	if req == nil {
		return errors.New("mode request cannot be nil")
	}
	if err := validate.Struct(req); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// ValidateEmergencyRequest validates an emergency stop request.
func ValidateEmergencyRequest(req *EmergencyRequest) error {
	if req == nil {
		return errors.New("emergency request cannot be nil")
	}
	if err := validate.Struct(req); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// formatValidationError converts validator errors into readable messages.
func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			return fmt.Errorf("%s: required field is missing", fe.Field())
		case "min":
			return fmt.Errorf("%s: value below minimum %s", fe.Field(), fe.Param())
		case "max":
			return fmt.Errorf("%s: value above maximum %s", fe.Field(), fe.Param())
		default:
			return fmt.Errorf("%s: failed %s validation", fe.Field(), fe.Tag())
		}
	}
	return err
}
