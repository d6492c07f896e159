package relay

import (
	"bytes"
	"encoding/json"
)

// preparedContext is the subset of the relay's opaque context we inspect.
type preparedContext struct {
	PreCalls json.RawMessage `json:"preCalls"`
	PreCall  json.RawMessage `json:"preCall"`
	Quote    *struct {
		Intent *struct {
			EncodedPreCalls json.RawMessage `json:"encodedPreCalls"`
		} `json:"intent"`
	} `json:"quote"`
}

// hasPreCalls reports whether a prepared intent carries pre-calls, either in
// the quoted intent or echoed in capabilities.
func hasPreCalls(context json.RawMessage, capabilityPreCalls json.RawMessage) bool {
	if nonEmptyJSON(capabilityPreCalls) {
		return true
	}
	var ctx preparedContext
	if err := json.Unmarshal(context, &ctx); err != nil {
		return false
	}
	if nonEmptyJSON(ctx.PreCalls) {
		return true
	}
	return ctx.Quote != nil && ctx.Quote.Intent != nil && nonEmptyJSON(ctx.Quote.Intent.EncodedPreCalls)
}

// preCallFromContext extracts the deploy pre-call from a prepared delegation context.
func preCallFromContext(context json.RawMessage) json.RawMessage {
	var ctx preparedContext
	if err := json.Unmarshal(context, &ctx); err != nil {
		return nil
	}
	if !nonEmptyJSON(ctx.PreCall) {
		return nil
	}
	return ctx.PreCall
}

func nonEmptyJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	switch string(trimmed) {
	case "", "null", "[]", "{}", `""`, `"0x"`:
		return false
	}
	return true
}
