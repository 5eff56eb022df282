package motorbus

import (
	"errors"
	"testing"

	"github.com/robstride-dev/robstride-go/internal/canframe"
)

func TestValidateMotorsAcceptsKnownTypesAndUniqueIDs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Motors = []MotorEntry{
		{ID: 1, Type: canframe.Type01},
		{ID: 2, Type: canframe.Type04},
	}

	if err := cfg.ValidateMotors(); err != nil {
		t.Fatalf("ValidateMotors: %v", err)
	}
}

func TestValidateMotorsFlagsUnrecognizedType(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Motors = []MotorEntry{
		{ID: 1, Type: canframe.MotorType(255)},
	}

	err := cfg.ValidateMotors()
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("want ErrInvalidInput for unrecognized motor type, got %v", err)
	}
}

func TestValidateMotorsFlagsDuplicateIDs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Motors = []MotorEntry{
		{ID: 3, Type: canframe.Type01},
		{ID: 3, Type: canframe.Type04},
	}

	err := cfg.ValidateMotors()
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("want ErrInvalidInput for duplicate motor id, got %v", err)
	}
}
