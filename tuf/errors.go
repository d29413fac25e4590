package tuf

import "github.com/pkg/errors"

// Kind classifies a verification failure. These are the closed set of
// failure modes from which the update engine decides whether to attempt
// root recovery or surface a fatal error to the caller.
type Kind int

const (
	// KindParseError is malformed JSON or a missing required field.
	KindParseError Kind = iota
	// KindInvalidType is a role mismatch, e.g. a snapshot payload where a
	// timestamp was expected.
	KindInvalidType
	// KindSignatureMismatch means fewer than the role's threshold of
	// distinct authorized keys produced valid signatures.
	KindSignatureMismatch
	// KindExpired means expires <= now.
	KindExpired
	// KindRollback means a strict version decrease versus the cached copy.
	KindRollback
	// KindLengthMismatch means downloaded bytes disagree with the bound
	// file-info length.
	KindLengthMismatch
	// KindHashMismatch means downloaded bytes disagree with the bound
	// file-info digest.
	KindHashMismatch
	// KindEndlessData means a transport read exceeded its supplied length
	// ceiling.
	KindEndlessData
	// KindRootUpdateLoop means more root hops occurred in one cycle than
	// the configured bound allows.
	KindRootUpdateLoop
	// KindDoubleRecovery means verification failed again after one root
	// recovery pass already happened this cycle.
	KindDoubleRecovery
	// KindTransportError wraps a failure reported by the Repository.
	KindTransportError
)

func (k Kind) String() string {
	switch k {
	case KindParseError:
		return "ParseError"
	case KindInvalidType:
		return "InvalidType"
	case KindSignatureMismatch:
		return "SignatureMismatch"
	case KindExpired:
		return "Expired"
	case KindRollback:
		return "Rollback"
	case KindLengthMismatch:
		return "LengthMismatch"
	case KindHashMismatch:
		return "HashMismatch"
	case KindEndlessData:
		return "EndlessData"
	case KindRootUpdateLoop:
		return "RootUpdateLoop"
	case KindDoubleRecovery:
		return "DoubleRecovery"
	case KindTransportError:
		return "TransportError"
	default:
		return "Unknown"
	}
}

// VerificationError is raised by the trust layer and the update engine.
// Kinds in {ParseError, InvalidType, SignatureMismatch, Expired, Rollback,
// LengthMismatch, HashMismatch, EndlessData} are recoverable via root
// recovery; RootUpdateLoop, DoubleRecovery and TransportError are always
// fatal and propagate straight to the caller without touching the cache.
type VerificationError struct {
	Kind Kind
	Role role
	msg  string
	err  error
}

func (e *VerificationError) Error() string {
	if e.err != nil {
		return errors.Wrapf(e.err, "%s (role %s): %s", e.Kind, e.Role, e.msg).Error()
	}
	return errors.Errorf("%s (role %s): %s", e.Kind, e.Role, e.msg).Error()
}

func (e *VerificationError) Unwrap() error { return e.err }

// Recoverable reports whether the engine should attempt root recovery for
// this failure rather than treat it as immediately fatal.
func (e *VerificationError) Recoverable() bool {
	switch e.Kind {
	case KindRootUpdateLoop, KindDoubleRecovery, KindTransportError:
		return false
	default:
		return true
	}
}

func verrf(kind Kind, r role, err error, format string, args ...interface{}) *VerificationError {
	return &VerificationError{Kind: kind, Role: r, msg: errors.Errorf(format, args...).Error(), err: err}
}

// errNotFound mirrors the teacher's sentinel for "role absent on this
// transport", which is a legitimate, non-fatal outcome in some contexts
// (e.g. a cached role that was never written yet).
var errNotFound = errors.New("role not found")

// errTargetSeen signals a delegation cycle was detected and should be
// skipped rather than treated as an error.
var errTargetSeen = errors.New("target role already visited")
