// Package errs defines the closed set of error kinds the JACIS core can
// raise, as a single structured error type rather than a class hierarchy.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error conditions enumerated in the store's
// error-handling design. It is a closed set: callers switch on Kind rather
// than on concrete error types.
type Kind string

const (
	NoTransaction         Kind = "no_transaction"
	TxAlreadyStarted      Kind = "tx_already_started"
	TxAlreadyPrepared     Kind = "tx_already_prepared"
	StaleObject           Kind = "stale_object"
	LockContention        Kind = "lock_contention"
	UniqueIndexViolation  Kind = "unique_index_violation"
	ModificationVeto      Kind = "modification_veto"
	TrackedViewFailure    Kind = "tracked_view_failure"
	ReadOnlyViolation     Kind = "read_only_violation"
	ReadOnlyNotSupported  Kind = "read_only_not_supported"
	TxRollback            Kind = "tx_rollback"
	Internal              Kind = "internal"
	InvalidOperation      Kind = "invalid_operation"
	StoreAlreadyExists    Kind = "store_already_exists"
	StoreNotFound         Kind = "store_not_found"
	IndexAlreadyExists    Kind = "index_already_exists"
	IndexNotFound         Kind = "index_not_found"
	TrackedViewNotFound   Kind = "tracked_view_not_found"
)

// Error is the single structured error type surfaced by the core. It
// carries enough context (store, transaction, key) for a caller to log or
// branch on, and it unwraps to any underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Store   string
	TxID    string
	Key     any
	Cause   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("jacis: %s: %s", e.Kind, e.Message)
	if e.Store != "" {
		msg = fmt.Sprintf("%s [store=%s]", msg, e.Store)
	}
	if e.TxID != "" {
		msg = fmt.Sprintf("%s [tx=%s]", msg, e.TxID)
	}
	if e.Key != nil {
		msg = fmt.Sprintf("%s [key=%v]", msg, e.Key)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, errs.New(errs.StaleObject, "")) or use the sentinel
// values below.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// New creates an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithStore returns a copy of e annotated with a store name.
func (e *Error) WithStore(store string) *Error {
	c := *e
	c.Store = store
	return &c
}

// WithTx returns a copy of e annotated with a transaction id.
func (e *Error) WithTx(txID string) *Error {
	c := *e
	c.TxID = txID
	return &c
}

// WithKey returns a copy of e annotated with the offending key.
func (e *Error) WithKey(key any) *Error {
	c := *e
	c.Key = key
	return &c
}

// OfKind reports whether the first *Error found in err's chain (err itself
// or an error it wraps) has kind k. Kinds of *Error values further down the
// chain are not consulted.
func OfKind(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// Sentinel values for errors.Is against a bare kind.
var (
	ErrNoTransaction        = New(NoTransaction, "no transaction bound to this context")
	ErrTxAlreadyStarted     = New(TxAlreadyStarted, "a transaction is already bound to this context")
	ErrTxAlreadyPrepared    = New(TxAlreadyPrepared, "transaction has already entered prepare")
	ErrStaleObject          = New(StaleObject, "committed version changed since first touch")
	ErrLockContention       = New(LockContention, "key is locked by another transaction")
	ErrUniqueIndexViolation = New(UniqueIndexViolation, "unique index would be violated")
	ErrModificationVeto     = New(ModificationVeto, "a listener vetoed this modification")
	ErrTrackedViewFailure   = New(TrackedViewFailure, "tracked view update failed")
	ErrReadOnlyViolation    = New(ReadOnlyViolation, "value is read-only")
	ErrReadOnlyNotSupported = New(ReadOnlyNotSupported, "value does not support read-only mode")
)
