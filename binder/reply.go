package binder

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	berr "github.com/next-trace/scg-binder/contract/errors"
)

// Reply is what the caller of a verb receives, exactly once.
type Reply struct {
	Data any
	Err  error
	Info string
}

// Status returns the reply status string: "success" or the error status.
func (r Reply) Status() string { return berr.Status(r.Err) }

// OK reports whether the verb succeeded.
func (r Reply) OK() bool { return r.Err == nil }

// JSON renders the reply envelope.
func (r Reply) JSON() ([]byte, error) {
	doc := []byte(`{"jtype":"afb-reply","request":{}}`)

	var err error
	if doc, err = sjson.SetBytes(doc, "request.status", r.Status()); err != nil {
		return nil, fmt.Errorf("reply envelope: %w: %w", berr.ErrSerializationFailed, err)
	}
	info := r.Info
	if info == "" && r.Err != nil {
		info = r.Err.Error()
	}
	if info != "" {
		if doc, err = sjson.SetBytes(doc, "request.info", info); err != nil {
			return nil, fmt.Errorf("reply envelope: %w: %w", berr.ErrSerializationFailed, err)
		}
	}
	if r.Data != nil {
		if doc, err = setPayload(doc, "response", r.Data); err != nil {
			return nil, fmt.Errorf("reply envelope: %w: %w", berr.ErrSerializationFailed, err)
		}
	}
	return doc, nil
}

// EventJSON renders the envelope of an event delivered to a client.
func EventJSON(event string, data any) ([]byte, error) {
	doc, err := sjson.SetBytes([]byte(`{"jtype":"afb-event"}`), "event", event)
	if err == nil && data != nil {
		doc, err = setPayload(doc, "data", data)
	}
	if err != nil {
		return nil, fmt.Errorf("event envelope %s: %w: %w", event, berr.ErrSerializationFailed, err)
	}
	return doc, nil
}

// setPayload stores raw JSON as is and marshals everything else.
func setPayload(doc []byte, path string, v any) ([]byte, error) {
	if raw, ok := rawJSON(v); ok {
		return sjson.SetRawBytes(doc, path, raw)
	}
	return sjson.SetBytes(doc, path, v)
}

func rawJSON(v any) ([]byte, bool) {
	switch x := v.(type) {
	case json.RawMessage:
		return x, gjson.ValidBytes(x)
	case []byte:
		return x, gjson.ValidBytes(x)
	case gjson.Result:
		return []byte(x.Raw), x.Raw != ""
	}
	return nil, false
}

// toJSON returns v as JSON text. Strings holding valid JSON are taken as is.
func toJSON(v any) (string, error) {
	if v == nil {
		return "null", nil
	}
	if raw, ok := rawJSON(v); ok {
		return string(raw), nil
	}
	if s, ok := v.(string); ok && gjson.Valid(s) {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: %w", berr.ErrSerializationFailed, err)
	}
	return string(b), nil
}
