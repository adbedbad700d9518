package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DefaultKey names the settings entry applied to every api.
const DefaultKey = "*"

// Settings is a JSON object keyed by api name. The entry under "*" provides
// defaults that an api's own entry overrides key by key.
type Settings struct {
	doc string
}

// ParseSettings validates doc, which must be a JSON object.
func ParseSettings(doc []byte) (*Settings, error) {
	if len(strings.TrimSpace(string(doc))) == 0 {
		return &Settings{doc: "{}"}, nil
	}
	if !gjson.ValidBytes(doc) {
		return nil, fmt.Errorf("parse settings: invalid json")
	}
	if !gjson.ParseBytes(doc).IsObject() {
		return nil, fmt.Errorf("parse settings: top level must be an object")
	}
	return &Settings{doc: string(doc)}, nil
}

// LoadSettings reads and parses the settings file at path.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load settings %s: %w", path, err)
	}
	return ParseSettings(data)
}

// For returns the settings of api: the "*" entry overlaid with the api entry.
// A missing entry yields an empty object.
func (s *Settings) For(api string) gjson.Result {
	if s == nil {
		return gjson.Parse("{}")
	}

	var def, own gjson.Result
	gjson.Parse(s.doc).ForEach(func(k, v gjson.Result) bool {
		switch k.String() {
		case DefaultKey:
			def = v
		case api:
			own = v
		}
		return true
	})

	switch {
	case !own.Exists() && !def.Exists():
		return gjson.Parse("{}")
	case !own.Exists():
		return def
	case !def.Exists() || !def.IsObject() || !own.IsObject():
		return own
	}

	merged := def.Raw
	own.ForEach(func(k, v gjson.Result) bool {
		if out, err := sjson.SetRaw(merged, escapePath(k.String()), v.Raw); err == nil {
			merged = out
		}
		return true
	})
	return gjson.Parse(merged)
}

// Raw returns the whole document.
func (s *Settings) Raw() string {
	if s == nil {
		return "{}"
	}
	return s.doc
}

func escapePath(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '\\', '|', '#', '@', '!', ':':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
