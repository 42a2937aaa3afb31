// Package capability implements the authorization pattern language the
// gateway evaluates before routing any envelope.
//
// A capability grants the right to emit envelopes of a given kind, to a
// given recipient set, with a payload matching a structural pattern. The
// language is deliberately small (glob over slash-delimited kinds,
// structural sub-match over payloads, no regex, no negation) so that every
// denial is auditable.
package capability

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/mewproto/mew/internal/envelope"
)

// Capability is one authorization pattern.
//
// Kind is a glob over slash-delimited segments: "*" matches exactly one
// segment, "**" matches zero or more, and the bare pattern "*" matches any
// kind. To, when set, restricts recipients; the token envelope.Broadcast
// stands for the empty recipient set. Payload, when set, must structurally
// sub-match the envelope payload.
type Capability struct {
	ID      string      `json:"id,omitempty" yaml:"id,omitempty"`
	Kind    string      `json:"kind" yaml:"kind"`
	To      []string    `json:"to,omitempty" yaml:"to,omitempty"`
	Payload interface{} `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// Set is an effective capability collection, usually the union of a
// participant's static and accepted granted capabilities.
type Set []Capability

// MatchKind reports whether pattern glob-matches a concrete kind.
func MatchKind(pattern, kind string) bool {
	if pattern == "*" {
		return true
	}
	return matchSegments(strings.Split(pattern, "/"), strings.Split(kind, "/"))
}

func matchSegments(pat, segs []string) bool {
	if len(pat) == 0 {
		return len(segs) == 0
	}
	switch pat[0] {
	case "**":
		for i := 0; i <= len(segs); i++ {
			if matchSegments(pat[1:], segs[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(segs) > 0 && matchSegments(pat[1:], segs[1:])
	default:
		return len(segs) > 0 && segs[0] == pat[0] && matchSegments(pat[1:], segs[1:])
	}
}

// Match reports whether c permits env. payloadValue is env.Payload already
// unmarshaled (nil when absent); callers decode once and reuse it across
// the whole set.
func (c Capability) Match(env *envelope.Envelope, payloadValue interface{}) bool {
	if !MatchKind(c.Kind, env.Kind) {
		return false
	}
	if len(c.To) > 0 {
		if env.IsBroadcast() {
			if !containsString(c.To, envelope.Broadcast) {
				return false
			}
		} else {
			for _, recipient := range env.To {
				if !containsString(c.To, recipient) {
					return false
				}
			}
		}
	}
	if c.Payload != nil && !Submatch(c.Payload, payloadValue) {
		return false
	}
	return true
}

// Allow returns the first capability in the set permitting env, or nil
// when the envelope is denied.
func (s Set) Allow(env *envelope.Envelope) *Capability {
	var payloadValue interface{}
	if len(env.Payload) > 0 {
		// The payload is a sub-document of an already-parsed envelope,
		// so this only fails on hand-built envelopes with junk bytes.
		if err := json.Unmarshal(env.Payload, &payloadValue); err != nil {
			payloadValue = nil
		}
	}
	for i := range s {
		if s[i].Match(env, payloadValue) {
			return &s[i]
		}
	}
	return nil
}

// Submatch reports whether value satisfies pattern.
//
// Objects: every key in the pattern must be present in the value and
// recursively sub-match. Arrays: the value must be at least as long as the
// pattern and match element-wise for the pattern's length. Scalars: equal
// (numeric types compare by value). A nil pattern element requires null.
func Submatch(pattern, value interface{}) bool {
	switch p := pattern.(type) {
	case map[string]interface{}:
		v, ok := value.(map[string]interface{})
		if !ok {
			return false
		}
		for key, pv := range p {
			vv, present := v[key]
			if !present || !Submatch(pv, vv) {
				return false
			}
		}
		return true
	case []interface{}:
		v, ok := value.([]interface{})
		if !ok || len(v) < len(p) {
			return false
		}
		for i, pv := range p {
			if !Submatch(pv, v[i]) {
				return false
			}
		}
		return true
	case nil:
		return value == nil
	default:
		return scalarEqual(pattern, value)
	}
}

// Covers reports whether outer authorizes at least everything inner does.
// The grant engine uses it to classify grants: a grant not covered by the
// grantor's own effective set is elevated and needs a grant-ack.
func Covers(outer, inner Capability) bool {
	if !kindCovers(outer.Kind, inner.Kind) {
		return false
	}
	if len(outer.To) > 0 {
		if len(inner.To) == 0 {
			return false
		}
		for _, recipient := range inner.To {
			if !containsString(outer.To, recipient) {
				return false
			}
		}
	}
	if outer.Payload != nil {
		if inner.Payload == nil {
			return false
		}
		// inner must carry every constraint outer imposes, i.e. be at
		// least as restrictive.
		if !Submatch(outer.Payload, normalizeValue(inner.Payload)) {
			return false
		}
	}
	return true
}

// Covers reports whether some capability in the set covers c.
func (s Set) Covers(c Capability) bool {
	for i := range s {
		if Covers(s[i], c) {
			return true
		}
	}
	return false
}

func kindCovers(outer, inner string) bool {
	if outer == "*" || outer == "**" {
		return true
	}
	if inner == "*" || inner == "**" {
		return false
	}
	return coversSegments(strings.Split(outer, "/"), strings.Split(inner, "/"))
}

func coversSegments(out, in []string) bool {
	if len(out) == 0 {
		return len(in) == 0
	}
	switch out[0] {
	case "**":
		for i := 0; i <= len(in); i++ {
			if coversSegments(out[1:], in[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(in) > 0 && in[0] != "**" && coversSegments(out[1:], in[1:])
	default:
		return len(in) > 0 && in[0] == out[0] && coversSegments(out[1:], in[1:])
	}
}

// Equal reports structural equality of two capabilities, ignoring ids.
// Recipient lists compare as sets; payload patterns compare after numeric
// normalization so YAML-sourced and JSON-sourced patterns agree.
func Equal(a, b Capability) bool {
	if a.Kind != b.Kind {
		return false
	}
	if len(a.To) != len(b.To) {
		return false
	}
	for _, recipient := range a.To {
		if !containsString(b.To, recipient) {
			return false
		}
	}
	return reflect.DeepEqual(normalizeValue(a.Payload), normalizeValue(b.Payload))
}

// normalizeValue rewrites numeric leaves to float64 so values decoded by
// different codecs (yaml.v3 ints, encoding/json floats) compare equal.
func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			out[k] = normalizeValue(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, vv := range t {
			out[i] = normalizeValue(vv)
		}
		return out
	default:
		if n, ok := asNumber(v); ok {
			return n
		}
		return v
	}
}

func scalarEqual(a, b interface{}) bool {
	if an, ok := asNumber(a); ok {
		bn, bok := asNumber(b)
		return bok && an == bn
	}
	return a == b
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
