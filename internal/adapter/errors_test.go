package adapter

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestNormalizeDriverError(t *testing.T) {
	tests := []struct {
		name         string
		driverErr    error
		payload      interface{}
		expectedCode error
		expectedMsg  string
	}{
		{
			name:         "nil error returns nil",
			driverErr:    nil,
			expectedCode: nil,
		},
		{
			name:         "unknown error maps to INTERNAL",
			driverErr:    errors.New("SOMETHING_ODD"),
			payload:      map[string]interface{}{"details": "test"},
			expectedCode: ErrInternal,
			expectedMsg:  "INTERNAL (driver: SOMETHING_ODD)",
		},
		{
			name:         "generic busy maps to BUSY",
			driverErr:    errors.New("controller BUSY"),
			expectedCode: ErrBusy,
			expectedMsg:  "BUSY (driver: controller BUSY)",
		},
		{
			name:         "generic powered off maps to UNAVAILABLE",
			driverErr:    errors.New("powered_off"),
			expectedCode: ErrUnavailable,
			expectedMsg:  "UNAVAILABLE (driver: powered_off)",
		},
		{
			name:         "generic in progress maps to ALREADY_IN_PROGRESS",
			driverErr:    errors.New("scan IN_PROGRESS"),
			expectedCode: ErrAlreadyInProgress,
			expectedMsg:  "ALREADY_IN_PROGRESS (driver: scan IN_PROGRESS)",
		},
		{
			name:         "wrapped sentinel keeps its code",
			driverErr:    fmt.Errorf("set discovery: %w", ErrNotSupported),
			expectedCode: ErrNotSupported,
			expectedMsg:  "NOT_SUPPORTED (driver: set discovery: NOT_SUPPORTED)",
		},
		{
			name:         "deadline maps to TIMEOUT",
			driverErr:    fmt.Errorf("call: %w", context.DeadlineExceeded),
			expectedCode: ErrTimeout,
			expectedMsg:  "TIMEOUT (driver: call: context deadline exceeded)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NormalizeDriverError(tt.driverErr, tt.payload)

			if tt.expectedCode == nil {
				if result != nil {
					t.Errorf("Expected nil, got %v", result)
				}
				return
			}

			driverErr, ok := result.(*DriverError)
			if !ok {
				t.Fatalf("Expected DriverError, got %T", result)
			}
			if driverErr.Code != tt.expectedCode {
				t.Errorf("Expected code %v, got %v", tt.expectedCode, driverErr.Code)
			}
			if driverErr.Error() != tt.expectedMsg {
				t.Errorf("Expected message %q, got %q", tt.expectedMsg, driverErr.Error())
			}
			if !errors.Is(result, tt.expectedCode) {
				t.Errorf("Expected errors.Is(result, %v) to hold", tt.expectedCode)
			}
		})
	}
}

func TestNormalizeDriverErrorWithBluezTable(t *testing.T) {
	tests := []struct {
		msg      string
		expected error
	}{
		{"org.bluez.Error.InProgress: Operation already in progress", ErrAlreadyInProgress},
		{"org.bluez.Error.NotReady: Resource Not Ready", ErrUnavailable},
		{"org.bluez.Error.NotSupported", ErrNotSupported},
		{"org.bluez.Error.Busy", ErrBusy},
		{"org.freedesktop.DBus.Error.UnknownObject: no such path", ErrNotFound},
		{"org.bluez.Error.Failed: something else", ErrInternal},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			err := NormalizeDriverErrorWithDriver(errors.New(tt.msg), nil, "bluez")
			if !errors.Is(err, tt.expected) {
				t.Errorf("Expected %v, got %v", tt.expected, err)
			}
		})
	}
}

func TestNormalizeDriverErrorUnknownDriverFallsBackToGeneric(t *testing.T) {
	err := NormalizeDriverErrorWithDriver(errors.New("BUSY"), nil, "does-not-exist")
	if !errors.Is(err, ErrBusy) {
		t.Errorf("Expected BUSY, got %v", err)
	}
}

func TestNormalizeDriverErrorIsIdempotent(t *testing.T) {
	first := NormalizeDriverError(errors.New("NOT_READY"), nil)
	second := NormalizeDriverError(first, nil)
	if first != second {
		t.Errorf("Expected already-normalized error to pass through unchanged")
	}
}

func TestCode(t *testing.T) {
	tests := []struct {
		err      error
		expected string
	}{
		{nil, "OK"},
		{ErrNotFound, "NOT_FOUND"},
		{fmt.Errorf("wrapped: %w", ErrAlreadyInProgress), "ALREADY_IN_PROGRESS"},
		{NormalizeDriverError(errors.New("BUSY"), nil), "BUSY"},
		{context.DeadlineExceeded, "TIMEOUT"},
		{context.Canceled, "CANCELLED"},
		{errors.New("boom"), "INTERNAL"},
	}

	for _, tt := range tests {
		if got := Code(tt.err); got != tt.expected {
			t.Errorf("Code(%v): expected %s, got %s", tt.err, tt.expected, got)
		}
	}
}
