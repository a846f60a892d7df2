package molerr_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arc-self/molecule/molerr"
)

func TestIsKind(t *testing.T) {
	err := molerr.ServiceNotAvailable("math.add")
	assert.True(t, molerr.IsKind(err, molerr.KindServiceNotAvailable))
	assert.False(t, molerr.IsKind(err, molerr.KindValidation))
}

func TestRemoteCallPreservesRemoteErrorShape(t *testing.T) {
	err := molerr.RemoteCall("ValueError", "bad input", "stack trace", map[string]any{"field": "a"})
	assert.Equal(t, "ValueError", err.Name)
	assert.Equal(t, "bad input", err.Message)
	assert.Equal(t, "stack trace", err.Stack)
	assert.Contains(t, err.Error(), "bad input")
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := molerr.Validation("math.add", cause)
	assert.ErrorIs(t, err, cause)
}
