// Package packet implements the Moleculer wire packet types, the JSON
// codec, and the "MOL.<CMD>[.<NODE_ID>]" topic scheme. It has no
// dependency on transit, registry, or catalog — it is a pure leaf.
package packet

import "encoding/json"

// Type is one of the seven packet types on the wire.
type Type string

const (
	TypeInfo       Type = "INFO"
	TypeDiscover   Type = "DISCOVER"
	TypeHeartbeat  Type = "HEARTBEAT"
	TypeRequest    Type = "REQUEST"
	TypeResponse   Type = "RESPONSE"
	TypeEvent      Type = "EVENT"
	TypeDisconnect Type = "DISCONNECT"
)

// cmdByType maps each Type to its wire-subject token — distinct from Type because
// REQUEST/RESPONSE shorten to REQ/RES on the subject per spec.
var cmdByType = map[Type]string{
	TypeInfo:       "INFO",
	TypeDiscover:   "DISCOVER",
	TypeHeartbeat:  "HEARTBEAT",
	TypeRequest:    "REQ",
	TypeResponse:   "RES",
	TypeEvent:      "EVENT",
	TypeDisconnect: "DISCONNECT",
}

var typeByCmd = map[string]Type{
	"INFO":       TypeInfo,
	"DISCOVER":   TypeDiscover,
	"HEARTBEAT":  TypeHeartbeat,
	"REQ":        TypeRequest,
	"RES":        TypeResponse,
	"EVENT":      TypeEvent,
	"DISCONNECT": TypeDisconnect,
}

// ProtocolVersion is the fixed "ver" field stamped on every outbound packet.
const ProtocolVersion = "4"

// Packet is the in-memory envelope dispatched by Transit. Target is empty
// for a broadcast packet.
type Packet struct {
	Type    Type
	Target  string
	Sender  string
	Payload map[string]any
}

// New builds a packet whose payload will be stamped with ver/sender on
// Encode.
func New(t Type, target string, payload map[string]any) *Packet {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Packet{Type: t, Target: target, Payload: payload}
}

// Cmd returns the wire-subject token for this packet's type.
func (p *Packet) Cmd() string { return cmdByType[p.Type] }

// Subject builds the NATS subject for this packet, optionally prefixed by
// a namespace ("<NAMESPACE>.MOL.<CMD>[.<NODE_ID>]").
func Subject(namespace, cmd, nodeID string) string {
	s := "MOL." + cmd
	if nodeID != "" {
		s += "." + nodeID
	}
	if namespace != "" {
		s = namespace + "." + s
	}
	return s
}

// Encode serializes the packet to the wire form: the payload augmented
// with "ver" and "sender", JSON-encoded as UTF-8.
func Encode(p *Packet, localNodeID string) ([]byte, error) {
	out := make(map[string]any, len(p.Payload)+2)
	for k, v := range p.Payload {
		out[k] = v
	}
	out["ver"] = ProtocolVersion
	out["sender"] = localNodeID
	return json.Marshal(out)
}

// TypeFromSubject derives a packet Type from the second dot-segment of a
// subject, e.g. "MOL.REQ.node-2" -> TypeRequest, "prod.MOL.INFO" -> TypeInfo.
func TypeFromSubject(subject string) (Type, bool) {
	segs := splitDots(subject)
	for i, s := range segs {
		if s == "MOL" && i+1 < len(segs) {
			t, ok := typeByCmd[segs[i+1]]
			return t, ok
		}
	}
	return "", false
}

func splitDots(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// Decode parses a raw wire payload into a Packet of the given type. Sender
// is taken from the payload's "sender" field. Unknown fields are kept in
// Payload verbatim; missing fields are simply absent (callers apply their
// own documented defaults).
func Decode(t Type, raw []byte) (*Packet, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	sender, _ := payload["sender"].(string)
	return &Packet{Type: t, Sender: sender, Payload: payload}, nil
}

// StringField reads a string field from a payload, accepting any of the
// given aliases in order (first match wins), for field-name robustness
// across camelCase/snake_case emitters.
func StringField(payload map[string]any, aliases ...string) string {
	for _, a := range aliases {
		if v, ok := payload[a]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

// Float64Field reads a numeric field, accepting aliases, defaulting to 0.
func Float64Field(payload map[string]any, aliases ...string) float64 {
	for _, a := range aliases {
		if v, ok := payload[a]; ok {
			switch n := v.(type) {
			case float64:
				return n
			case int:
				return float64(n)
			}
		}
	}
	return 0
}

// BoolField reads a boolean field, accepting aliases, with an explicit
// default for when the field is absent (e.g. true for "available" on the
// first INFO a peer ever sends).
func BoolField(payload map[string]any, def bool, aliases ...string) bool {
	for _, a := range aliases {
		if v, ok := payload[a]; ok {
			if b, ok := v.(bool); ok {
				return b
			}
		}
	}
	return def
}

// StringSliceField reads a []string field, accepting aliases, defaulting
// to an empty (non-nil) slice.
func StringSliceField(payload map[string]any, aliases ...string) []string {
	for _, a := range aliases {
		if v, ok := payload[a]; ok {
			switch list := v.(type) {
			case []string:
				return list
			case []any:
				out := make([]string, 0, len(list))
				for _, item := range list {
					if s, ok := item.(string); ok {
						out = append(out, s)
					}
				}
				return out
			}
		}
	}
	return []string{}
}

// MapField reads a nested object field, accepting aliases, defaulting to
// an empty (non-nil) map.
func MapField(payload map[string]any, aliases ...string) map[string]any {
	for _, a := range aliases {
		if v, ok := payload[a]; ok {
			if m, ok := v.(map[string]any); ok {
				return m
			}
		}
	}
	return map[string]any{}
}
