package correlate

import (
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var idPattern = regexp.MustCompile(`^openspec_[a-z0-9]+_[a-z0-9]{16}$`)

func TestNewIDMatchesFormat(t *testing.T) {
	id := NewID()
	assert.Regexp(t, idPattern, id)
}

func TestNewIDIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		require.False(t, seen[id], "duplicate correlation id: %s", id)
		seen[id] = true
	}
}

func TestWithIDRoundTrip(t *testing.T) {
	ctx := WithID(context.Background(), "openspec_abc_1234567890abcdef")
	assert.Equal(t, "openspec_abc_1234567890abcdef", From(ctx))
}

func TestEnsureGeneratesWhenAbsent(t *testing.T) {
	ctx, id := Ensure(context.Background())
	assert.NotEmpty(t, id)
	assert.Equal(t, id, From(ctx))
}

func TestEnsurePreservesExisting(t *testing.T) {
	base := WithID(context.Background(), "openspec_fixed_0000000000000000")
	ctx, id := Ensure(base)
	assert.Equal(t, "openspec_fixed_0000000000000000", id)
	assert.Equal(t, base, ctx)
}
