package domain

// Event is the verified webhook envelope handed to reconciliation.
// Only id, type and the data.object mapping survive verification; the
// object shape varies by event type and is deliberately left opaque.
type Event struct {
	// ID is Stripe's event id (evt_...). Reconciliation does not key off
	// it; it is carried for logging and manual replay.
	ID string

	// Type is the Stripe event type string (e.g. "invoice.paid").
	Type string

	// Object is the event's data.object payload.
	Object map[string]any
}

// ObjectID returns the payload object's own id field.
func (e *Event) ObjectID() string {
	return e.String("id")
}

// String reads a top-level string field off the payload object.
// Missing or non-string fields yield "".
func (e *Event) String(key string) string {
	v, ok := e.Object[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Int64 reads a top-level numeric field off the payload object.
// JSON numbers arrive as float64; missing fields yield (0, false).
func (e *Event) Int64(key string) (int64, bool) {
	v, ok := e.Object[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

// Metadata returns the payload object's metadata mapping, flattened to
// strings. Absent metadata yields an empty map.
func (e *Event) Metadata() map[string]string {
	out := map[string]string{}
	raw, ok := e.Object["metadata"].(map[string]any)
	if !ok {
		return out
	}
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
