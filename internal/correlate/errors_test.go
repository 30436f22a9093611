package correlate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewFillsTaxonomy(t *testing.T) {
	err := New(CodeLocked, "slug is locked")
	assert.True(t, err.Retryable)
	assert.Equal(t, SeverityMedium, err.Severity)
}

func TestWithHintFormats(t *testing.T) {
	err := New(CodeLocked, "locked").WithHint("held by %s, %ds remaining", "pid-1@host", 42)
	assert.Equal(t, "held by pid-1@host, 42s remaining", err.Hint)
}

func TestBindAttachesCorrelationID(t *testing.T) {
	ctx := WithID(context.Background(), "openspec_x_1234567890123456")
	err := New(CodeInternal, "boom").Bind(ctx)
	assert.Equal(t, "openspec_x_1234567890123456", err.CorrelationID)
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Code]int{
		CodeBadSlug:          400,
		CodePathTraversal:    403,
		CodeLocked:           409,
		CodeResponseTooLarge: 413,
		CodeRateLimited:      429,
		CodeTimeout:          504,
		CodeServerBusy:       503,
	}
	for code, want := range cases {
		assert.Equal(t, want, code.HTTPStatus(), "code %s", code)
	}
}
