package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModeRequestBounds(t *testing.T) {
	tests := []struct {
		name string
		req  ModeRequest
		ok   bool
	}{
		{"valid", ModeRequest{CycleMillis: 1000, Intensity: 50}, true},
		{"min cycle", ModeRequest{CycleMillis: 500, Intensity: 1}, true},
		{"max cycle", ModeRequest{CycleMillis: 4000, Intensity: 100}, true},
		{"cycle too short", ModeRequest{CycleMillis: 499, Intensity: 50}, false},
		{"cycle too long", ModeRequest{CycleMillis: 4001, Intensity: 50}, false},
		{"zero intensity", ModeRequest{CycleMillis: 1000}, false},
		{"pattern out of range", ModeRequest{CycleMillis: 1000, Intensity: 50, Pattern: 4}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateModeRequest(&tt.req)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestEmergencyRequestNeedsReason(t *testing.T) {
	assert.Error(t, ValidateEmergencyRequest(&EmergencyRequest{}))
	assert.NoError(t, ValidateEmergencyRequest(&EmergencyRequest{Reason: "button"}))
	assert.Error(t, ValidateEmergencyRequest(nil))
}
