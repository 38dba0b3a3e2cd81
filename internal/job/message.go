// Package job models one text-to-video request as it travels through the
// queue: the decoded input message, the job state machine and the envelopes
// published back to the broker.
package job

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"avatarpipe/internal/pkg/errors"
)

// Defaults applied to optional message fields.
const (
	DefaultGender = "m"
	DefaultLang   = "kk"
)

// Message is a decoded input queue payload. Fields the pipeline does not
// understand are kept verbatim so they survive retries and are echoed in the
// done message.
type Message struct {
	Text      string
	Gender    string
	Lang      string
	UseAvatar bool
	Merge     bool
	Retry     int
	LastError string
	DoneQueue string

	raw map[string]json.RawMessage
}

// Decode parses an input queue payload. Anything that can never succeed on
// retry (invalid JSON, a non-object body, a missing or blank text) is a
// MalformedMessage error.
func Decode(body []byte) (*Message, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errors.Malformed(err, "payload is not a json object")
	}
	if raw == nil {
		return nil, errors.Malformed(nil, "payload is null")
	}

	m := &Message{
		Gender:    DefaultGender,
		Lang:      DefaultLang,
		UseAvatar: true,
		Merge:     true,
		raw:       raw,
	}

	text, ok, err := stringField(raw, "text")
	if err != nil {
		return nil, errors.Malformed(err, "text must be a string").WithField("field", "text")
	}
	if !ok || strings.TrimSpace(text) == "" {
		return nil, errors.Malformed(nil, "text is required").WithField("field", "text")
	}
	m.Text = text

	for _, f := range []struct {
		key string
		dst *string
	}{
		{"gender", &m.Gender},
		{"lang", &m.Lang},
		{"last_error", &m.LastError},
		{"done_queue", &m.DoneQueue},
	} {
		v, ok, err := stringField(raw, f.key)
		if err != nil {
			return nil, errors.Malformed(err, f.key+" must be a string").WithField("field", f.key)
		}
		if ok && strings.TrimSpace(v) != "" {
			*f.dst = strings.TrimSpace(v)
		}
	}

	for _, f := range []struct {
		key string
		dst *bool
	}{
		{"useAvatar", &m.UseAvatar},
		{"merge", &m.Merge},
	} {
		v, ok, err := boolField(raw, f.key)
		if err != nil {
			return nil, errors.Malformed(err, f.key+" must be a boolean").WithField("field", f.key)
		}
		if ok {
			*f.dst = v
		}
	}

	retry, _, err := intField(raw, "retry")
	if err != nil {
		return nil, errors.Malformed(err, "retry must be an integer").WithField("field", "retry")
	}
	if retry < 0 {
		retry = 0
	}
	m.Retry = retry

	return m, nil
}

// Field returns the raw JSON of an input field, or nil when absent.
func (m *Message) Field(key string) json.RawMessage {
	return m.raw[key]
}

// StringField returns an input field as text: strings are unquoted, other
// JSON values are returned as written. Used for log attributes and the job
// repository (page_id, content_id).
func (m *Message) StringField(key string) string {
	v, ok := m.raw[key]
	if !ok || isNull(v) {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return string(v)
}

// Envelope re-encodes the original payload with retry and last_error
// replaced. Every other field is carried through untouched.
func (m *Message) Envelope(retry int, lastError string) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.raw)+2)
	for k, v := range m.raw {
		out[k] = v
	}
	r, err := json.Marshal(retry)
	if err != nil {
		return nil, err
	}
	e, err := json.Marshal(lastError)
	if err != nil {
		return nil, err
	}
	out["retry"] = r
	out["last_error"] = e
	return json.Marshal(out)
}

// Echo returns the input fields copied into the done message: everything but
// the source text.
func (m *Message) Echo() map[string]any {
	out := make(map[string]any, len(m.raw))
	for k, v := range m.raw {
		if k == "text" {
			continue
		}
		out[k] = v
	}
	return out
}

// Marshal encodes a message built in code (CLI, HTTP API). Decode(Marshal(x))
// round-trips the typed fields.
func (m *Message) Marshal() ([]byte, error) {
	if m.raw == nil {
		m.raw = map[string]json.RawMessage{}
	}
	set := func(k string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		m.raw[k] = b
		return nil
	}
	fields := []struct {
		k string
		v any
	}{
		{"text", m.Text},
		{"gender", m.Gender},
		{"lang", m.Lang},
		{"useAvatar", m.UseAvatar},
		{"merge", m.Merge},
		{"retry", m.Retry},
	}
	for _, f := range fields {
		if err := set(f.k, f.v); err != nil {
			return nil, err
		}
	}
	if m.DoneQueue != "" {
		if err := set("done_queue", m.DoneQueue); err != nil {
			return nil, err
		}
	}
	return json.Marshal(m.raw)
}

// SetField stores an extra passthrough field (page_id, content_id, ...).
func (m *Message) SetField(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if m.raw == nil {
		m.raw = map[string]json.RawMessage{}
	}
	m.raw[key] = b
	return nil
}

func isNull(v json.RawMessage) bool {
	return len(bytes.TrimSpace(v)) == 0 || string(bytes.TrimSpace(v)) == "null"
}

func stringField(raw map[string]json.RawMessage, key string) (string, bool, error) {
	v, ok := raw[key]
	if !ok || isNull(v) {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", false, err
	}
	return s, true, nil
}

// boolField accepts JSON booleans and 0/1 numbers.
func boolField(raw map[string]json.RawMessage, key string) (bool, bool, error) {
	v, ok := raw[key]
	if !ok || isNull(v) {
		return false, false, nil
	}
	var b bool
	if err := json.Unmarshal(v, &b); err == nil {
		return b, true, nil
	}
	var n float64
	if err := json.Unmarshal(v, &n); err == nil {
		return n != 0, true, nil
	}
	return false, false, fmt.Errorf("unexpected value %s", string(v))
}

// intField accepts integral JSON numbers and numeric strings that fit in an
// int32. 2.0 is accepted, 2.7 is not.
func intField(raw map[string]json.RawMessage, key string) (int, bool, error) {
	v, ok := raw[key]
	if !ok || isNull(v) {
		return 0, false, nil
	}

	var text string
	if err := json.Unmarshal(v, &text); err == nil {
		text = strings.TrimSpace(text)
	} else {
		var n json.Number
		if err := json.Unmarshal(v, &n); err != nil {
			return 0, false, fmt.Errorf("unexpected value %s", string(v))
		}
		text = n.String()
	}

	if i, err := strconv.ParseInt(text, 10, 32); err == nil {
		return int(i), true, nil
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%q is not an integer", text)
	}
	if f != math.Trunc(f) || f < math.MinInt32 || f > math.MaxInt32 {
		return 0, false, fmt.Errorf("%s is not an integer in range", text)
	}
	return int(f), true, nil
}
