package compiler

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrUnsupported matches bail-outs for constructs the translator does not
	// handle; the host should run the method another way.
	ErrUnsupported = errors.New("unsupported construct")
	// ErrMalformed matches bail-outs for input that violates verified
	// bytecode invariants.
	ErrMalformed = errors.New("malformed input")
)

// BailoutKind classifies translation failures.
type BailoutKind uint8

const (
	BailoutUnsupported BailoutKind = iota + 1
	BailoutMalformed
)

func (k BailoutKind) String() string {
	if k == BailoutMalformed {
		return "malformed"
	}
	return "unsupported"
}

func (k BailoutKind) sentinel() error {
	if k == BailoutMalformed {
		return ErrMalformed
	}
	return ErrUnsupported
}

// BailoutError is the structured failure returned instead of a module. It
// aborts only the method named in Method.
type BailoutError struct {
	Kind   BailoutKind
	Method string
	BCI    int // -1 when no single bci is responsible
	Reason string
	Err    error
}

func (e *BailoutError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind.sentinel(), e.Reason)
	if e.BCI >= 0 {
		msg = fmt.Sprintf("%s at bci %d", msg, e.BCI)
	}
	if e.Method != "" {
		msg = e.Method + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BailoutError) Unwrap() error { return e.Err }

// Is matches the sentinel of the bail-out kind.
func (e *BailoutError) Is(target error) bool { return target == e.Kind.sentinel() }

func unsupported(bci int, format string, args ...interface{}) *BailoutError {
	return &BailoutError{Kind: BailoutUnsupported, BCI: bci, Reason: fmt.Sprintf(format, args...)}
}

func malformed(bci int, format string, args ...interface{}) *BailoutError {
	return &BailoutError{Kind: BailoutMalformed, BCI: bci, Reason: fmt.Sprintf(format, args...)}
}

// AsBailout extracts a BailoutError from err.
func AsBailout(err error) (*BailoutError, bool) {
	var b *BailoutError
	if errors.As(err, &b) {
		return b, true
	}
	return nil, false
}
