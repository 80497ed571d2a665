package broker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

// ErrorKind classifies a venue failure so callers can decide between retry,
// re-auth, backoff, and surfacing.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindAuth
	KindNetwork
	KindRateLimit
	KindRejected
	KindUnsupported
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindNetwork:
		return "network"
	case KindRateLimit:
		return "rate_limit"
	case KindRejected:
		return "rejected"
	case KindUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Error wraps a venue failure with its kind and the operation that failed.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("broker %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("broker %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errf builds a classified broker error.
func Errf(kind ErrorKind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from an error chain, KindUnknown if none.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindUnknown
}

// Retryable reports whether the error class is worth another attempt.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindAuth, KindNetwork, KindRateLimit:
		return true
	}
	return false
}

const (
	retryAttempts = 3
	retryBaseWait = 500 * time.Millisecond
)

// Retry runs op up to three times. Auth failures trigger refresh before the
// next attempt; rate limits back off with jitter; rejections and unsupported
// operations surface immediately.
func Retry(ctx context.Context, log zerolog.Logger, opName string, refresh func(context.Context) error, op func(context.Context) error) error {
	var last error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		last = op(ctx)
		if last == nil {
			return nil
		}
		if !Retryable(last) || attempt == retryAttempts {
			return last
		}
		kind := KindOf(last)
		log.Warn().
			Str("op", opName).
			Int("attempt", attempt).
			Str("kind", kind.String()).
			Err(last).
			Msg("broker call failed, retrying")
		switch kind {
		case KindAuth:
			if refresh != nil {
				if rerr := refresh(ctx); rerr != nil {
					return fmt.Errorf("re-auth after %w: %v", last, rerr)
				}
			}
		case KindRateLimit:
			wait := retryBaseWait*time.Duration(1<<attempt) + time.Duration(rand.Int63n(int64(retryBaseWait)))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		case KindNetwork:
			select {
			case <-time.After(retryBaseWait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return last
}
