// Package molctx implements the per-invocation Context envelope (spec.md
// §3). Named molctx, not context, to avoid shadowing the standard
// library's context.Context, which every blocking Context operation still
// carries alongside this type.
package molctx

import "github.com/google/uuid"

// Context is the invocation envelope carrying id, params, meta, and
// call-chain metadata end-to-end. It is created by the Broker on every
// outbound call/emit and rebuilt on the callee side from the REQUEST
// payload.
type Context struct {
	ID        string
	Action    string // dotted name, optional for events
	Params    map[string]any
	Meta      map[string]any
	RequestID string
	ParentID  string
	Stream    bool
	Level     int
	Timeout   float64 // seconds; 0 means "use the transit default"
}

// New creates a root Context for a fresh outbound call/emit: RequestID
// defaults to the new ID, ParentID is empty, and Level starts at 1.
func New(action string, params, meta map[string]any) *Context {
	id := uuid.NewString()
	if params == nil {
		params = map[string]any{}
	}
	if meta == nil {
		meta = map[string]any{}
	}
	return &Context{
		ID:        id,
		Action:    action,
		Params:    params,
		Meta:      meta,
		RequestID: id,
		Level:     1,
	}
}

// Child creates a new Context for a nested call, inheriting RequestID and
// incrementing Level, with ParentID set to the parent's ID.
func (c *Context) Child(action string, params map[string]any) *Context {
	id := uuid.NewString()
	meta := make(map[string]any, len(c.Meta))
	for k, v := range c.Meta {
		meta[k] = v
	}
	if params == nil {
		params = map[string]any{}
	}
	return &Context{
		ID:        id,
		Action:    action,
		Params:    params,
		Meta:      meta,
		RequestID: c.RequestID,
		ParentID:  c.ID,
		Level:     c.Level + 1,
		Timeout:   c.Timeout,
	}
}

// FromPayload rebuilds a Context on the callee side from a REQUEST or
// EVENT payload, per spec.md §4.2's REQUEST handler.
func FromPayload(action string, payload map[string]any) *Context {
	id, _ := payload["id"].(string)
	requestID, _ := payload["requestID"].(string)
	if requestID == "" {
		requestID = id
	}
	parentID, _ := payload["parentID"].(string)
	level := 1
	if lv, ok := payload["level"].(float64); ok {
		level = int(lv)
	}
	var timeout float64
	if tv, ok := payload["timeout"].(float64); ok {
		timeout = tv
	}
	stream, _ := payload["stream"].(bool)
	params, _ := payload["params"].(map[string]any)
	if params == nil {
		params = map[string]any{}
	}
	meta, _ := payload["meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	return &Context{
		ID:        id,
		Action:    action,
		Params:    params,
		Meta:      meta,
		RequestID: requestID,
		ParentID:  parentID,
		Stream:    stream,
		Level:     level,
		Timeout:   timeout,
	}
}
