// Package correlate assigns correlation IDs to requests and defines the
// closed error taxonomy shared by every transport.
package correlate

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"time"
)

type contextKey struct{}

var idKey = contextKey{}

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewID generates a correlation ID of the form
// "openspec_<base36-timestamp>_<16-char-random>".
func NewID() string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 36)
	return fmt.Sprintf("openspec_%s_%s", ts, randomSuffix(16))
}

func randomSuffix(n int) string {
	out := make([]byte, n)
	max := big.NewInt(int64(len(idAlphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand failure is not expected on any supported platform;
			// fall back to a timestamp-derived byte rather than blocking forever.
			out[i] = idAlphabet[time.Now().UnixNano()%int64(len(idAlphabet))]
			continue
		}
		out[i] = idAlphabet[idx.Int64()]
	}
	return string(out)
}

// WithID returns a context carrying the given correlation ID.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, idKey, id)
}

// From extracts the correlation ID bound to ctx, or "" if none is bound.
func From(ctx context.Context) string {
	if v, ok := ctx.Value(idKey).(string); ok {
		return v
	}
	return ""
}

// Ensure returns the correlation ID already bound to ctx, or binds and
// returns a freshly generated one if none is present.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := From(ctx); id != "" {
		return ctx, id
	}
	id := NewID()
	return WithID(ctx, id), id
}
