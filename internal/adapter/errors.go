package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Normalized errors shared by the dispatcher, the bonder service and every driver.
var (
	ErrNotFound          = errors.New("NOT_FOUND")
	ErrAlreadyInProgress = errors.New("ALREADY_IN_PROGRESS")
	ErrTimeout           = errors.New("TIMEOUT")
	ErrTransportFailure  = errors.New("TRANSPORT_FAILURE")
	ErrNotSupported      = errors.New("NOT_SUPPORTED")
	ErrBusy              = errors.New("BUSY")
	ErrUnavailable       = errors.New("UNAVAILABLE")
	ErrInternal          = errors.New("INTERNAL")
)

// DriverMap defines the error token mapping for one driver family.
type DriverMap struct {
	InProgress   []string // Tokens that map to ALREADY_IN_PROGRESS
	NotSupported []string // Tokens that map to NOT_SUPPORTED
	Busy         []string // Tokens that map to BUSY
	Unavailable  []string // Tokens that map to UNAVAILABLE
	NotFound     []string // Tokens that map to NOT_FOUND
}

// DriverErrorMappings contains the deterministic error mapping tables.
//
// Tokens are matched case-insensitively as substrings of the driver error message,
// in the order InProgress, NotSupported, Busy, Unavailable, NotFound. Unknown tokens
// map to INTERNAL. Unknown driver ids fall back to "generic".
var DriverErrorMappings = map[string]DriverMap{
	"bluez": {
		InProgress: []string{
			"org.bluez.Error.InProgress",
			"org.bluez.Error.AlreadyExists",
		},
		NotSupported: []string{
			"org.bluez.Error.NotSupported",
			"org.bluez.Error.NotImplemented",
		},
		Busy: []string{
			"org.bluez.Error.Busy",
			"org.bluez.Error.AuthenticationCanceled",
		},
		Unavailable: []string{
			"org.bluez.Error.NotReady",
			"org.bluez.Error.NotAvailable",
			"org.freedesktop.DBus.Error.NoReply",
			"org.freedesktop.DBus.Error.ServiceUnknown",
		},
		NotFound: []string{
			"org.bluez.Error.DoesNotExist",
			"org.freedesktop.DBus.Error.UnknownObject",
		},
	},
	"generic": {
		InProgress:   []string{"IN_PROGRESS", "ALREADY"},
		NotSupported: []string{"NOT_SUPPORTED", "UNSUPPORTED", "NOT_IMPLEMENTED"},
		Busy:         []string{"BUSY", "RETRY"},
		Unavailable:  []string{"UNAVAILABLE", "NOT_READY", "POWERED_OFF", "OFFLINE"},
		NotFound:     []string{"NOT_FOUND", "NO_SUCH"},
	},
}

// DriverError wraps a driver failure with diagnostic details.
type DriverError struct {
	Code     error       // Normalized code
	Original error       // Driver error
	Details  interface{} // Driver payload (opaque)
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("%v (driver: %v)", e.Code, e.Original)
}

func (e *DriverError) Unwrap() error {
	return e.Code
}

// NormalizeDriverError maps driver errors using the generic table.
func NormalizeDriverError(driverErr error, payload interface{}) error {
	return NormalizeDriverErrorWithDriver(driverErr, payload, "generic")
}

// NormalizeDriverErrorWithDriver maps driver errors using a specific driver table.
// Errors that already carry a normalized code pass through unchanged and context
// expiry maps to TIMEOUT.
func NormalizeDriverErrorWithDriver(driverErr error, payload interface{}, driverID string) error {
	if driverErr == nil {
		return nil
	}

	var already *DriverError
	if errors.As(driverErr, &already) {
		return driverErr
	}
	if code := normalizedCode(driverErr); code != nil {
		return &DriverError{Code: code, Original: driverErr, Details: payload}
	}

	return &DriverError{
		Code:     mapDriverErrorToCode(driverErr.Error(), driverID),
		Original: driverErr,
		Details:  payload,
	}
}

// normalizedCode returns the sentinel driverErr already wraps, if any.
func normalizedCode(driverErr error) error {
	if errors.Is(driverErr, context.DeadlineExceeded) {
		return ErrTimeout
	}
	for _, code := range []error{
		ErrNotFound, ErrAlreadyInProgress, ErrTimeout, ErrTransportFailure,
		ErrNotSupported, ErrBusy, ErrUnavailable, ErrInternal,
	} {
		if errors.Is(driverErr, code) {
			return code
		}
	}
	return nil
}

// mapDriverErrorToCode maps a driver error message to a normalized code.
func mapDriverErrorToCode(msg string, driverID string) error {
	driverMap, exists := DriverErrorMappings[driverID]
	if !exists {
		driverMap = DriverErrorMappings["generic"]
	}

	upperMsg := strings.ToUpper(msg)
	tables := []struct {
		tokens []string
		code   error
	}{
		{driverMap.InProgress, ErrAlreadyInProgress},
		{driverMap.NotSupported, ErrNotSupported},
		{driverMap.Busy, ErrBusy},
		{driverMap.Unavailable, ErrUnavailable},
		{driverMap.NotFound, ErrNotFound},
	}
	for _, table := range tables {
		for _, token := range table.tokens {
			if strings.Contains(upperMsg, strings.ToUpper(token)) {
				return table.code
			}
		}
	}

	return ErrInternal
}

// Code returns the normalized code name for err, "OK" for nil.
func Code(err error) string {
	if err == nil {
		return "OK"
	}
	if code := normalizedCode(err); code != nil {
		return code.Error()
	}
	if errors.Is(err, context.Canceled) {
		return "CANCELLED"
	}
	return ErrInternal.Error()
}
