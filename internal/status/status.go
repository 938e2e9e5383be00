// Package status defines the result codes surfaced by the driver and the
// sentinel errors they are derived from.
package status

import (
	"errors"
	"fmt"
)

// Code is a driver result code.
type Code int

// Result codes returned across the driver boundary.
const (
	NoError Code = iota
	InvalidParameter
	InvalidDimensions
	OutOfMemory
	DeviceInternalError
	FeatureNotSupported
)

// String returns the code name.
func (c Code) String() string {
	switch c {
	case NoError:
		return "NO_ERROR"
	case InvalidParameter:
		return "INVALID_PARAMETER"
	case InvalidDimensions:
		return "INVALID_DIMENSIONS"
	case OutOfMemory:
		return "OUT_OF_MEMORY"
	case DeviceInternalError:
		return "DEVICE_INTERNAL_ERROR"
	case FeatureNotSupported:
		return "FEATURE_NOT_SUPPORTED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(c))
	}
}

// Sentinel errors, one per non-zero code.
var (
	ErrInvalidParameter  = errors.New("invalid parameter")
	ErrInvalidDimensions = errors.New("invalid dimensions")
	ErrOutOfMemory       = errors.New("out of memory")
	ErrDeviceInternal    = errors.New("device internal error")
	ErrNotSupported      = errors.New("feature not supported")
)

// Of maps an error to its result code. Errors that do not wrap one of the
// sentinels are reported as DeviceInternalError.
func Of(err error) Code {
	switch {
	case err == nil:
		return NoError
	case errors.Is(err, ErrInvalidParameter):
		return InvalidParameter
	case errors.Is(err, ErrInvalidDimensions):
		return InvalidDimensions
	case errors.Is(err, ErrOutOfMemory):
		return OutOfMemory
	case errors.Is(err, ErrNotSupported):
		return FeatureNotSupported
	default:
		return DeviceInternalError
	}
}

// Errorf wraps sentinel with a formatted message, keeping errors.Is intact.
func Errorf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}
