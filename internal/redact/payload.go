package redact

// RedactPayload walks a payload tree and redacts every string value,
// descending into nested maps and slices. The input is never mutated; the
// returned map shares unmodified subtrees where no findings occurred.
// Returns the scrubbed payload and the total finding count.
func (r *Redactor) RedactPayload(payload map[string]any) (map[string]any, int) {
	if !r.Enabled() || len(payload) == 0 {
		return payload, 0
	}
	v, n := r.redactValue(payload)
	out, ok := v.(map[string]any)
	if !ok {
		return payload, n
	}
	return out, n
}

func (r *Redactor) redactValue(v any) (any, int) {
	switch val := v.(type) {
	case string:
		return r.redactString(val)
	case map[string]any:
		total := 0
		var out map[string]any
		for k, inner := range val {
			scrubbed, n := r.redactValue(inner)
			if n == 0 {
				continue
			}
			if out == nil {
				out = make(map[string]any, len(val))
				for ck, cv := range val {
					out[ck] = cv
				}
			}
			out[k] = scrubbed
			total += n
		}
		if out == nil {
			return val, 0
		}
		return out, total
	case []any:
		total := 0
		var out []any
		for i, inner := range val {
			scrubbed, n := r.redactValue(inner)
			if n == 0 {
				continue
			}
			if out == nil {
				out = make([]any, len(val))
				copy(out, val)
			}
			out[i] = scrubbed
			total += n
		}
		if out == nil {
			return val, 0
		}
		return out, total
	case []string:
		total := 0
		var out []string
		for i, inner := range val {
			scrubbed, n := r.redactString(inner)
			if n == 0 {
				continue
			}
			if out == nil {
				out = make([]string, len(val))
				copy(out, val)
			}
			if s, ok := scrubbed.(string); ok {
				out[i] = s
			}
			total += n
		}
		if out == nil {
			return val, 0
		}
		return out, total
	default:
		return v, 0
	}
}

func (r *Redactor) redactString(s string) (any, int) {
	scrubbed, n := r.Redact(s)
	return scrubbed, n
}
