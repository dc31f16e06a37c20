package attributes

import (
	"crypto/sha256"

	"go.opentelemetry.io/otel/trace"
)

// TraceID returns s as a trace ID when it is 32 hex characters and the
// first 16 bytes of its SHA-256 otherwise. hashed reports the latter. An
// empty s yields the zero ID, leaving the choice to the SDK.
func TraceID(s string) (id trace.TraceID, hashed bool) {
	if s == "" {
		return trace.TraceID{}, false
	}
	if len(s) == 32 {
		if id, err := trace.TraceIDFromHex(s); err == nil {
			return id, false
		}
	}
	sum := sha256.Sum256([]byte(s))
	copy(id[:], sum[:16])
	return id, true
}
