package models

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsInvalidMint(t *testing.T) {
	t.Parallel()

	base := &InvalidMintError{Mint: "abc", Reason: "zero supply"}

	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"direct", base, true},
		{"wrapped once", fmt.Errorf("failed to update: %w", base), true},
		{"wrapped twice", fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", base)), true},
		{"unrelated", errors.New("boom"), false},
		{"transient chain error", &ChainUnavailableError{Op: "getAccountInfo", Err: errors.New("timeout")}, false},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := IsInvalidMint(tc.err); got != tc.want {
				t.Errorf("IsInvalidMint(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestIsThrottled(t *testing.T) {
	t.Parallel()

	base := &ThrottledError{Source: "dexscreener", RetryAfter: 2 * time.Second}

	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"direct", base, true},
		{"wrapped", fmt.Errorf("failed to fetch quotes: %w", base), true},
		{"upstream carrying throttle", &UpstreamUnavailableError{Source: "dexscreener", Err: base}, true},
		{"plain upstream", &UpstreamUnavailableError{Source: "raydium", Err: errors.New("status 500")}, false},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := IsThrottled(tc.err); got != tc.want {
				t.Errorf("IsThrottled(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestErrorMessages(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		err  error
		want string
	}{
		{
			"invalid mint",
			&InvalidMintError{Mint: "abc", Reason: "zero supply"},
			"invalid mint abc: zero supply",
		},
		{
			"throttled with retry",
			&ThrottledError{Source: "rugcheck", RetryAfter: 5 * time.Second},
			"rugcheck throttled, retry after 5s",
		},
		{
			"throttled without retry",
			&ThrottledError{Source: "rugcheck"},
			"rugcheck throttled",
		},
		{
			"chain unavailable",
			&ChainUnavailableError{Op: "getTokenSupply", Err: errors.New("connection refused")},
			"chain getTokenSupply: connection refused",
		},
		{
			"persistence",
			&PersistenceError{Op: "save snapshot", Err: errors.New("deadlock")},
			"persistence save snapshot: deadlock",
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.err.Error(); got != tc.want {
				t.Errorf("Error() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestUnwrapPreservesCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("socket closed")
	err := &UpstreamUnavailableError{Source: "dexscreener", Err: cause}

	if !errors.Is(err, cause) {
		t.Errorf("expected errors.Is to find the cause through UpstreamUnavailableError")
	}

	var chainErr *ChainUnavailableError
	wrapped := fmt.Errorf("failed to read supply: %w", &ChainUnavailableError{Op: "getTokenSupply", Err: cause})
	if !errors.As(wrapped, &chainErr) {
		t.Fatalf("expected errors.As to find ChainUnavailableError")
	}
	if chainErr.Op != "getTokenSupply" {
		t.Errorf("unexpected op %q", chainErr.Op)
	}
}
