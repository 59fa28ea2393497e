// Package embeddings turns text into fixed-dimension vectors.
//
// Three providers are available: FastEmbed (local ONNX inference, needs
// CGO), TEI (an external text-embeddings-inference service over HTTP),
// and a deterministic static provider for tests and development. The
// factory selects one at runtime; all of them satisfy the same Provider
// contract, so the rest of the system never knows which is in play.
package embeddings
