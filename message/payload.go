package message

// Payload is the free-form body of a message. Capabilities use the "status"
// key ("success" or "error") and "message" for error text.
type Payload map[string]any

// Conventional payload keys and status values.
const (
	KeyStatus  = "status"
	KeyMessage = "message"

	StatusSuccess = "success"
	StatusError   = "error"
)

// ErrorPayload builds the conventional error body.
func ErrorPayload(msg string) Payload {
	return Payload{KeyStatus: StatusError, KeyMessage: msg}
}

// Status returns the value of the "status" key, or "" when unset.
func (p Payload) Status() string {
	s, _ := p[KeyStatus].(string)
	return s
}

// IsError reports whether the payload follows the error convention.
func (p Payload) IsError() bool { return p.Status() == StatusError }

// Clone returns a deep copy of nested maps and slices.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}

	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}

	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}

		return m
	case Payload:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}

		return s
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
