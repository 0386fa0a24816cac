package models

import "errors"

// Error taxonomy shared across services. Callers wrap these with fmt.Errorf
// ("...: %w", ...) so errors.Is keeps working through the layers.
var (
	// ErrInvalidConfiguration reports rejected tuning parameters, e.g. a chunk
	// overlap that is not smaller than the chunk size.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrEmbedding reports a failure of a successfully loaded embedding model.
	ErrEmbedding = errors.New("embedding failed")

	// ErrStorage reports an unreachable store or a rejected write.
	ErrStorage = errors.New("storage error")

	// ErrNotFound reports an unknown session, document, or user on lookup.
	ErrNotFound = errors.New("not found")

	// Completion provider failures, one sentinel per user-facing message.
	ErrProviderRateLimited = errors.New("provider rate limited")
	ErrProviderTimeout     = errors.New("provider timeout")
	ErrProvider            = errors.New("provider error")

	// ErrBusy reports an overlapping chat request on the same page while a
	// previous stream is still draining.
	ErrBusy = errors.New("page busy")
)
