package probe

import (
	"encoding/json"
	"math"
)

// Payload is the wire shape of a Result. Every key is always present so
// callers can branch on success without checking for missing fields.
type Payload struct {
	Success       bool    `json:"success"`
	LatencyMs     *uint32 `json:"latencyMs"`
	Error         *string `json:"error"`
	RemoteAddress *string `json:"remoteAddress"`
}

// Render converts r into its Payload. Pure, no I/O.
func Render(r Result) Payload {
	var p Payload
	p.Success = r.Success
	if r.Success && r.Latency != nil {
		ms := r.Latency.Milliseconds()
		switch {
		case ms < 0:
			ms = 0
		case ms > math.MaxUint32:
			ms = math.MaxUint32
		}
		v := uint32(ms)
		p.LatencyMs = &v
	}
	if !r.Success {
		kind := string(r.Kind)
		if kind == "" {
			kind = string(KindProtocolViolation)
		}
		p.Error = &kind
	}
	if r.RemoteAddress != "" {
		addr := r.RemoteAddress
		p.RemoteAddress = &addr
	}
	return p
}

// RenderJSON returns Render(r) as JSON text.
func RenderJSON(r Result) string {
	b, err := json.Marshal(Render(r))
	if err != nil {
		// Payload 只有基本类型，不会出错
		return `{"success":false,"latencyMs":null,"error":"ProtocolViolation","remoteAddress":null}`
	}
	return string(b)
}
