package engine

import "errors"

// Sentinel errors surfaced to callers. Each maps to a distinct failure
// mode so the transport layer can translate them into status semantics.
var (
	// ErrInvalidQuery indicates a malformed query (empty text, K < 1).
	ErrInvalidQuery = errors.New("invalid query")

	// ErrEmbedding indicates the embedder failed; fatal for the request.
	ErrEmbedding = errors.New("embedding failed")

	// ErrIndexUnavailable indicates the vector index is unreachable;
	// fatal for the request, retryable at a higher layer.
	ErrIndexUnavailable = errors.New("vector index unavailable")

	// ErrMetadataUnavailable indicates the metadata store is unreachable
	// and partial results are disabled.
	ErrMetadataUnavailable = errors.New("metadata store unavailable")

	// ErrTimeout indicates a stage exceeded its budget. In-flight work is
	// cancelled; the request never completes after the caller gave up.
	ErrTimeout = errors.New("request timed out")
)
