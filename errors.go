package dieselcore

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// ErrorKind partitions every backend failure into exactly one class. Callers
// match on the kind, never on the raw code.
type ErrorKind int

const (
	// KindDeviceLost is fatal: any further GPU operation is undefined until
	// the whole context is torn down and reinitialized.
	KindDeviceLost ErrorKind = iota
	// KindOutOfMemory is recoverable by freeing resources and retrying.
	KindOutOfMemory
	// KindRecreation is recoverable through the swapchain recreation path
	// (surface lost, out of date, suboptimal).
	KindRecreation
	// KindTimeout is a bounded wait expiring. Distinct from device loss.
	KindTimeout
	// KindInitialization covers startup-only failures: no suitable device,
	// missing mandatory extension, surface creation failure.
	KindInitialization
	// KindUnsupported is an operation requiring a capability the selected
	// device does not have.
	KindUnsupported
	// KindValidation is a debug-layer message. Logged, never propagated.
	KindValidation
	// KindUnknown carries an unexpected raw code for diagnostics.
	KindUnknown
)

func (k ErrorKind) String() string {
	switch k {
	case KindDeviceLost:
		return "device lost"
	case KindOutOfMemory:
		return "out of memory"
	case KindRecreation:
		return "needs recreation"
	case KindTimeout:
		return "timeout"
	case KindInitialization:
		return "initialization failed"
	case KindUnsupported:
		return "unsupported"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error is the tagged failure value every backend result maps to.
type Error struct {
	Kind    ErrorKind
	Code    Result
	Context string
}

func (e *Error) Error() string {
	if e.Context == "" {
		return fmt.Sprintf("vulkan: %s (code %d)", e.Kind, e.Code)
	}
	return fmt.Sprintf("vulkan: %s: %s (code %d)", e.Context, e.Kind, e.Code)
}

// ErrSwapchainStale is the sentinel BeginFrame returns when the image chain
// must be recreated before any further frame can be produced.
var ErrSwapchainStale = &Error{Kind: KindRecreation, Code: ErrOutOfDate, Context: "swapchain stale"}

// newError maps a backend result to a tagged error, or nil on success.
// Suboptimal is a success code at this level; acquire/present handle it.
func newError(ret Result, context string) error {
	if ret == Success || ret == Suboptimal || ret == NotReady {
		return nil
	}
	return &Error{Kind: classify(ret), Code: ret, Context: context}
}

func classify(ret Result) ErrorKind {
	switch ret {
	case ErrDeviceLost:
		return KindDeviceLost
	case ErrOutOfHostMemory, ErrOutOfDeviceMemory:
		return KindOutOfMemory
	case ErrSurfaceLost, ErrOutOfDate, Suboptimal:
		return KindRecreation
	case TimeoutExpired:
		return KindTimeout
	case ErrInitializationFail, ErrExtensionMissing, ErrFeatureMissing:
		return KindInitialization
	case ErrValidationFailed:
		return KindValidation
	default:
		return KindUnknown
	}
}

// KindOf extracts the kind from any error in err's chain, or KindUnknown.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// IsDeviceLost reports whether err signals a lost device.
func IsDeviceLost(err error) bool { return KindOf(err) == KindDeviceLost }
