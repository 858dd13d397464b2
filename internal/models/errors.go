package models

import (
	"errors"
	"fmt"
	"time"
)

// InvalidMintError marks a mint that failed validation. Callers treat it
// as permanent: the mint is banned rather than retried.
type InvalidMintError struct {
	Mint   string
	Reason string
}

func (e *InvalidMintError) Error() string {
	return fmt.Sprintf("invalid mint %s: %s", e.Mint, e.Reason)
}

// ChainUnavailableError marks a transient RPC failure. Work that hits it
// should be retried on the next cycle, never treated as a verdict.
type ChainUnavailableError struct {
	Op  string
	Err error
}

func (e *ChainUnavailableError) Error() string {
	return fmt.Sprintf("chain %s: %v", e.Op, e.Err)
}

func (e *ChainUnavailableError) Unwrap() error { return e.Err }

// UpstreamUnavailableError marks a failed call to an off-chain quote or
// risk provider.
type UpstreamUnavailableError struct {
	Source string
	Err    error
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Source, e.Err)
}

func (e *UpstreamUnavailableError) Unwrap() error { return e.Err }

// ThrottledError marks an upstream 429. RetryAfter is zero when the
// provider did not say how long to back off.
type ThrottledError struct {
	Source     string
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s throttled, retry after %s", e.Source, e.RetryAfter)
	}
	return fmt.Sprintf("%s throttled", e.Source)
}

// PersistenceError marks a database failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsInvalidMint reports whether err carries an InvalidMintError anywhere
// in its chain.
func IsInvalidMint(err error) bool {
	var e *InvalidMintError
	return errors.As(err, &e)
}

// IsThrottled reports whether err carries a ThrottledError anywhere in
// its chain.
func IsThrottled(err error) bool {
	var e *ThrottledError
	return errors.As(err, &e)
}
