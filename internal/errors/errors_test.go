package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := StorageUnavailable(cause, "metadata store ping failed")

	assert.Equal(t, cause, errors.Unwrap(err))
	assert.Contains(t, err.Error(), "connection refused")
	assert.True(t, err.IsFatal())
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrorTypeStorageUnavailable, SeverityCritical, "x"))
}

func TestIsMatchesByType(t *testing.T) {
	a := RuleConfigError("bad regex")
	b := RuleConfigErrorf("bad regex: %s", "(")

	assert.True(t, a.Is(b))
	assert.False(t, a.Is(ValidationError("nope")))
}

func TestWithContext(t *testing.T) {
	err := MissingCommit("acme/widgets", "deadbeef")
	assert.Equal(t, "acme/widgets", err.Context["repository"])
	assert.Equal(t, "deadbeef", err.Context["sha"])
}

func TestGetSeverityAndType(t *testing.T) {
	err := ConflictError("duplicate row")
	assert.Equal(t, SeverityMedium, GetSeverity(err))
	assert.Equal(t, ErrorTypeConflict, GetType(err))

	assert.Equal(t, SeverityLow, GetSeverity(nil))
}

func TestIsFatalOnPlainError(t *testing.T) {
	assert.False(t, IsFatal(errors.New("plain")))
	assert.False(t, IsFatal(nil))
}
