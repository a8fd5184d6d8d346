// Package errs is the closed error taxonomy of the crawl core. Errors coming
// from Postgres, Redis, the network or a source client are classified once,
// at the boundary, and the rest of the system switches on Kind.
package errs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

// Kind is the class of a failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransient covers connection resets, timeouts and unavailable stores.
	KindTransient
	// KindSerialization is a serializable-isolation conflict or deadlock.
	KindSerialization
	// KindLockConflict means a row lock was requested with NOWAIT and was held.
	KindLockConflict
	// KindExhausted is a lock-acquisition or rate-limit wait that ran out of budget.
	KindExhausted
	// KindRateLimited is an upstream 429 or equivalent.
	KindRateLimited
	// KindNonTransient covers constraint violations, validation and auth errors.
	KindNonTransient
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindSerialization:
		return "serialization"
	case KindLockConflict:
		return "lock_conflict"
	case KindExhausted:
		return "exhausted"
	case KindRateLimited:
		return "rate_limited"
	case KindNonTransient:
		return "non_transient"
	default:
		return "unknown"
	}
}

// Retryable reports whether a job failing with this kind should be requeued.
func (k Kind) Retryable() bool {
	return k != KindNonTransient
}

// Error carries a classified failure.
type Error struct {
	Kind       Kind
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with an explicit kind.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a message.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err and annotates it with op. A nil err stays nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: Classify(err), Op: op, RetryAfter: RetryAfter(err), Err: err}
}

// Classify maps any error to a Kind. An already classified error keeps its
// kind. Unknown errors are treated as transient: the job queue's attempt
// limit bounds how often they are retried.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var e *Error
	if errors.As(err, &e) && e.Kind != KindUnknown {
		return e.Kind
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindTransient
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return KindTransient
	case errors.Is(err, redis.ErrClosed), errors.Is(err, redis.TxFailedErr):
		return KindTransient
	case pgconn.Timeout(err), pgconn.SafeToRetry(err):
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	return KindTransient
}

// KindOf returns the kind of err without falling back to classification.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err classifies as kind.
func Is(err error, kind Kind) bool {
	return err != nil && Classify(err) == kind
}

// RetryAfter returns an upstream-imposed retry delay, if any.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

func classifySQLState(code string) Kind {
	switch code {
	case "40001", "40P01":
		return KindSerialization
	case "55P03":
		return KindLockConflict
	case "57014", "57P01", "57P02", "57P03", "53300":
		return KindTransient
	}
	if len(code) < 2 {
		return KindTransient
	}
	switch code[:2] {
	case "08":
		return KindTransient
	case "22", "23", "28", "42", "44":
		return KindNonTransient
	}
	return KindTransient
}
