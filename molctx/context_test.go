package molctx_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arc-self/molecule/molctx"
)

func TestNewDefaultsRequestIDToID(t *testing.T) {
	c := molctx.New("math.add", map[string]any{"a": 1}, nil)
	assert.Equal(t, c.ID, c.RequestID)
	assert.Equal(t, 1, c.Level)
	assert.Empty(t, c.ParentID)
	assert.NotNil(t, c.Meta)
}

func TestChildInheritsRequestIDAndIncrementsLevel(t *testing.T) {
	parent := molctx.New("gateway.route", nil, map[string]any{"traceID": "t1"})
	child := parent.Child("math.add", map[string]any{"a": 1, "b": 2})

	assert.Equal(t, parent.RequestID, child.RequestID)
	assert.Equal(t, parent.ID, child.ParentID)
	assert.Equal(t, parent.Level+1, child.Level)
	assert.Equal(t, "t1", child.Meta["traceID"])
	assert.NotEqual(t, parent.ID, child.ID)
}

func TestChildMetaIsACopyNotAReference(t *testing.T) {
	parent := molctx.New("a", nil, map[string]any{"k": "v"})
	child := parent.Child("b", nil)
	child.Meta["k"] = "mutated"

	assert.Equal(t, "v", parent.Meta["k"])
}

func TestFromPayloadRebuildsRequestContext(t *testing.T) {
	payload := map[string]any{
		"id":        "req-1",
		"requestID": "req-1",
		"parentID":  "",
		"level":     float64(1),
		"timeout":   float64(2.5),
		"params":    map[string]any{"a": float64(2), "b": float64(3)},
		"meta":      map[string]any{"traceID": "t1"},
	}
	c := molctx.FromPayload("math.add", payload)

	assert.Equal(t, "req-1", c.ID)
	assert.Equal(t, "req-1", c.RequestID)
	assert.Equal(t, 1, c.Level)
	assert.Equal(t, 2.5, c.Timeout)
	assert.Equal(t, "t1", c.Meta["traceID"])
}

func TestFromPayloadDefaultsRequestIDToID(t *testing.T) {
	c := molctx.FromPayload("users.created", map[string]any{"id": "evt-1"})
	assert.Equal(t, "evt-1", c.RequestID)
	assert.NotNil(t, c.Params)
	assert.NotNil(t, c.Meta)
}
