package config

import (
	"errors"
	"fmt"
)

// ErrInvalidValue is wrapped by every validation fault.
var ErrInvalidValue = errors.New("invalid value")

// FaultKind classifies setup faults.
type FaultKind int

const (
	// FaultConfiguration is a bad value in the campaign configuration.
	FaultConfiguration FaultKind = iota
	// FaultIntegration is a mismatch between sessfuzz and the target's
	// instrumentation, such as an unsupported state id width.
	FaultIntegration
)

func (k FaultKind) String() string {
	switch k {
	case FaultConfiguration:
		return "configuration"
	case FaultIntegration:
		return "integration"
	default:
		return fmt.Sprintf("FaultKind(%d)", int(k))
	}
}

// Fault is a setup error. It is reported once and the campaign does not start.
type Fault struct {
	Kind  FaultKind
	Field string
	Err   error
}

func (f *Fault) Error() string {
	if f.Field == "" {
		return fmt.Sprintf("%s fault: %v", f.Kind, f.Err)
	}
	return fmt.Sprintf("%s fault: %s: %v", f.Kind, f.Field, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

func configFault(field string, err error) *Fault {
	return &Fault{Kind: FaultConfiguration, Field: field, Err: err}
}

// IsIntegration reports whether err is an integration fault.
func IsIntegration(err error) bool {
	var f *Fault
	return errors.As(err, &f) && f.Kind == FaultIntegration
}
