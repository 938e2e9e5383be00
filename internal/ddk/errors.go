package ddk

import (
	"fmt"

	"github.com/pkg/errors"
)

// SDK errors.
var (
	ErrInvalidInputs      = errors.New("ddk: invalid inputs")
	ErrInvalidOutputs     = errors.New("ddk: invalid outputs")
	ErrInvalidModel       = errors.New("ddk: invalid model")
	ErrInvalidParam       = errors.New("ddk: invalid parameter")
	ErrInvalidTensor      = errors.New("ddk: invalid tensor")
	ErrInvalidOp          = errors.New("ddk: operator not supported")
	ErrCacheUnsupported   = errors.New("ddk: model cache not supported")
	ErrInvalidMagic       = errors.New("ddk: invalid magic bytes")
	ErrUnsupportedVersion = errors.New("ddk: unsupported cache version")
	ErrChecksumMismatch   = errors.New("ddk: checksum mismatch: cache may be corrupted")
	ErrHeaderTooLarge     = errors.New("ddk: header exceeds maximum size")
)

// ValidationError describes a malformed cache buffer.
type ValidationError struct {
	Type    string
	Tensor  string
	Tensor2 string
	Details string
}

func (e *ValidationError) Error() string {
	if e.Tensor2 != "" {
		return fmt.Sprintf("%s: tensors %q and %q: %s", e.Type, e.Tensor, e.Tensor2, e.Details)
	}
	if e.Tensor != "" {
		return fmt.Sprintf("%s: tensor %q: %s", e.Type, e.Tensor, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Details)
}
