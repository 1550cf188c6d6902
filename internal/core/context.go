package core

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"
)

// Well-known context field names. Any other name is looked up in
// [Context.Properties].
const (
	FieldUserID        = "userId"
	FieldSessionID     = "sessionId"
	FieldRemoteAddress = "remoteAddress"
	FieldEnvironment   = "environment"
	FieldAppName       = "appName"
	FieldCurrentTime   = "currentTime"
)

// Context is the per-call input to flag evaluation. It is treated as an
// immutable value: evaluation never modifies it and [Context.Merge] returns a
// copy.
type Context struct {
	UserID        string            `json:"userId,omitempty"`
	SessionID     string            `json:"sessionId,omitempty"`
	RemoteAddress string            `json:"remoteAddress,omitempty"`
	Environment   string            `json:"environment,omitempty"`
	AppName       string            `json:"appName,omitempty"`
	CurrentTime   time.Time         `json:"currentTime,omitzero"`
	Properties    map[string]string `json:"properties,omitempty"`
}

// Value resolves a context field by name. Top-level fields win; unknown names
// fall back to Properties. An empty value is reported as missing.
func (c Context) Value(name string) (string, bool) {
	var value string
	switch name {
	case FieldUserID:
		value = c.UserID
	case FieldSessionID:
		value = c.SessionID
	case FieldRemoteAddress:
		value = c.RemoteAddress
	case FieldEnvironment:
		value = c.Environment
	case FieldAppName:
		value = c.AppName
	case FieldCurrentTime:
		return c.now().Format(time.RFC3339Nano), true
	default:
		value = c.Properties[name]
	}

	if value == "" {
		return "", false
	}
	return value, true
}

// Merge returns a copy of c with empty fields filled from static. Properties
// present in c take precedence over those in static.
func (c Context) Merge(static Context) Context {
	merged := c
	if merged.UserID == "" {
		merged.UserID = static.UserID
	}
	if merged.SessionID == "" {
		merged.SessionID = static.SessionID
	}
	if merged.RemoteAddress == "" {
		merged.RemoteAddress = static.RemoteAddress
	}
	if merged.Environment == "" {
		merged.Environment = static.Environment
	}
	if merged.AppName == "" {
		merged.AppName = static.AppName
	}
	if merged.CurrentTime.IsZero() {
		merged.CurrentTime = static.CurrentTime
	}

	if len(static.Properties) > 0 {
		props := make(map[string]string, len(static.Properties)+len(c.Properties))
		maps.Copy(props, static.Properties)
		maps.Copy(props, c.Properties)
		merged.Properties = props
	}

	return merged
}

func (c Context) now() time.Time {
	if c.CurrentTime.IsZero() {
		return time.Now()
	}
	return c.CurrentTime
}

// UnmarshalJSON accepts the well-known fields plus arbitrary extra top-level
// keys, which are folded into Properties. Scalar values are stringified.
func (c *Context) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var out Context
	for key, value := range raw {
		switch key {
		case "properties":
			props, err := decodeStringMap(value)
			if err != nil {
				return fmt.Errorf("decode context properties: %w", err)
			}
			if out.Properties == nil {
				out.Properties = make(map[string]string, len(props))
			}
			for k, v := range props {
				// Explicit properties win over folded top-level keys.
				out.Properties[k] = v
			}
		case FieldCurrentTime:
			text, err := decodeScalar(value)
			if err != nil {
				return fmt.Errorf("decode context %s: %w", key, err)
			}
			if text == "" {
				continue
			}
			parsed, err := time.Parse(time.RFC3339Nano, text)
			if err != nil {
				return fmt.Errorf("decode context %s: %w", key, err)
			}
			out.CurrentTime = parsed
		default:
			text, err := decodeScalar(value)
			if err != nil {
				return fmt.Errorf("decode context %s: %w", key, err)
			}
			switch key {
			case FieldUserID:
				out.UserID = text
			case FieldSessionID:
				out.SessionID = text
			case FieldRemoteAddress:
				out.RemoteAddress = text
			case FieldEnvironment:
				out.Environment = text
			case FieldAppName:
				out.AppName = text
			default:
				if out.Properties == nil {
					out.Properties = make(map[string]string)
				}
				if _, exists := out.Properties[key]; !exists {
					out.Properties[key] = text
				}
			}
		}
	}

	*c = out
	return nil
}

func decodeStringMap(data json.RawMessage) (map[string]string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(raw))
	for key, value := range raw {
		text, err := decodeScalar(value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out[key] = text
	}
	return out, nil
}

// decodeScalar turns a JSON string, number, bool or null into its string form.
func decodeScalar(data json.RawMessage) (string, error) {
	trimmed := strings.TrimSpace(string(data))
	switch {
	case trimmed == "" || trimmed == "null":
		return "", nil
	case strings.HasPrefix(trimmed, `"`):
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return "", err
		}
		return text, nil
	case strings.HasPrefix(trimmed, "{"), strings.HasPrefix(trimmed, "["):
		return "", fmt.Errorf("unsupported value %s", trimmed)
	default:
		var number json.Number
		if err := json.Unmarshal(data, &number); err == nil {
			return number.String(), nil
		}
		var flag bool
		if err := json.Unmarshal(data, &flag); err != nil {
			return "", err
		}
		if flag {
			return "true", nil
		}
		return "false", nil
	}
}
