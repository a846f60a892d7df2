package packet_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arc-self/molecule/packet"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "MOL.INFO", packet.Subject("", "INFO", ""))
	assert.Equal(t, "MOL.REQ.node-2", packet.Subject("", "REQ", "node-2"))
	assert.Equal(t, "prod.MOL.INFO", packet.Subject("prod", "INFO", ""))
}

func TestEncodeStampsVerAndSender(t *testing.T) {
	p := packet.New(packet.TypeInfo, "", map[string]any{"hostname": "h1"})
	raw, err := packet.Encode(p, "node-1")
	require.NoError(t, err)

	decoded, err := packet.Decode(packet.TypeInfo, raw)
	require.NoError(t, err)
	assert.Equal(t, "node-1", decoded.Sender)
	assert.Equal(t, "h1", decoded.Payload["hostname"])
	assert.Equal(t, "4", decoded.Payload["ver"])
}

func TestEncodeDoesNotMutateOriginalPayload(t *testing.T) {
	payload := map[string]any{"hostname": "h1"}
	p := packet.New(packet.TypeInfo, "", payload)
	_, err := packet.Encode(p, "node-1")
	require.NoError(t, err)

	_, hasSender := payload["sender"]
	assert.False(t, hasSender, "Encode must not mutate the caller's payload map")
}

func TestTypeFromSubject(t *testing.T) {
	cases := []struct {
		subject string
		want    packet.Type
		ok      bool
	}{
		{"MOL.REQ.node-2", packet.TypeRequest, true},
		{"prod.MOL.INFO", packet.TypeInfo, true},
		{"MOL.DISCOVER", packet.TypeDiscover, true},
		{"garbage", "", false},
	}
	for _, c := range cases {
		got, ok := packet.TypeFromSubject(c.subject)
		assert.Equal(t, c.ok, ok, c.subject)
		if c.ok {
			assert.Equal(t, c.want, got, c.subject)
		}
	}
}

func TestFieldRobustness(t *testing.T) {
	payload := map[string]any{
		"ip_list":     []any{"10.0.0.1"},
		"instance_id": "abc123",
		"available":   true,
	}
	assert.Equal(t, []string{"10.0.0.1"}, packet.StringSliceField(payload, "ipList", "ip_list"))
	assert.Equal(t, "abc123", packet.StringField(payload, "instanceID", "instance_id"))
	assert.True(t, packet.BoolField(payload, false, "available"))
	assert.False(t, packet.BoolField(map[string]any{}, false, "available"))
	assert.True(t, packet.BoolField(map[string]any{}, true, "available"))
}

func TestMapFieldDefaultsToEmptyNotNil(t *testing.T) {
	m := packet.MapField(map[string]any{}, "meta")
	assert.NotNil(t, m)
	assert.Empty(t, m)
}
