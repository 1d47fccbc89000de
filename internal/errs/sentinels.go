// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across store/token/sync layers.
var (
	// ErrNotFound indicates the requested artifact does not exist on disk.
	ErrNotFound = errors.New("not found")

	// ErrReauthorizationRequired indicates the refresh token was rejected by
	// the provider; only the interactive authorization flow recovers from this.
	ErrReauthorizationRequired = errors.New("reauthorization required")

	// ErrTransientAuth indicates token refresh failed for a transient reason
	// (network, provider 5xx) after bounded retries.
	ErrTransientAuth = errors.New("transient auth failure")

	// ErrDecrypt indicates a present-but-undecryptable artifact (wrong key or
	// corruption). Never recovered by discarding data.
	ErrDecrypt = errors.New("decrypt failed")

	// ErrRateLimited indicates the run stopped after exhausting its rate-limit
	// budget; on-disk state is valid and resumable.
	ErrRateLimited = errors.New("rate limited")

	// ErrNetworkExhausted indicates a page fetch kept failing after bounded
	// retries; on-disk state is valid and resumable.
	ErrNetworkExhausted = errors.New("network retries exhausted")

	// ErrLocked indicates another process holds the state lock.
	ErrLocked = errors.New("state locked by another process")
)
