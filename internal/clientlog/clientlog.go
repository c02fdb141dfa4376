// Package clientlog relays log lines sent by the browser into the server log.
package clientlog

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

const (
	DefaultLevel = "info"
	// MaxDepth is how many levels of nested details are expanded before
	// objects and arrays are abbreviated.
	MaxDepth = 4
)

var identifier = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// Entry is the body of a client log request. Details is whatever JSON value
// the client sent, decoded with numbers kept as json.Number.
type Entry struct {
	Level   string
	Message string
	Details any
}

// Decode reads a log request body. An empty body yields the defaults. Level
// and message are usually strings; any other JSON value is rendered to text
// the same way details are, and null counts as absent.
func Decode(body []byte) (Entry, error) {
	entry := Entry{Level: DefaultLevel}
	if len(strings.TrimSpace(string(body))) == 0 {
		return entry, nil
	}

	var raw struct {
		Level   json.RawMessage `json:"level"`
		Message json.RawMessage `json:"message"`
		Details json.RawMessage `json:"details"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return Entry{}, fmt.Errorf("decode client log: %w", err)
	}

	level, err := decodeValue(raw.Level)
	if err != nil {
		return Entry{}, fmt.Errorf("decode client log level: %w", err)
	}
	levelText, err := asText(level)
	if err != nil {
		return Entry{}, err
	}
	if levelText = strings.TrimSpace(levelText); levelText != "" {
		entry.Level = levelText
	}

	message, err := decodeValue(raw.Message)
	if err != nil {
		return Entry{}, fmt.Errorf("decode client log message: %w", err)
	}
	if entry.Message, err = asText(message); err != nil {
		return Entry{}, err
	}

	if entry.Details, err = decodeValue(raw.Details); err != nil {
		return Entry{}, fmt.Errorf("decode client log details: %w", err)
	}
	return entry, nil
}

// decodeValue decodes one JSON value keeping numbers as json.Number. Absent
// and null both decode to nil.
func decodeValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func asText(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	}
	var b strings.Builder
	if err := render(&b, v, 0); err != nil {
		return "", err
	}
	return b.String(), nil
}

// Format renders the line written to the server log:
//
//	[2026-01-02T03:04:05.000Z] [CLIENT WARN] message {details}
func Format(now time.Time, entry Entry) (string, error) {
	level := entry.Level
	if level == "" {
		level = DefaultLevel
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [CLIENT %s] %s", now.UTC().Format("2006-01-02T15:04:05.000Z07:00"), strings.ToUpper(level), entry.Message)
	if entry.Details != nil {
		b.WriteByte(' ')
		if s, ok := entry.Details.(string); ok {
			b.WriteString(s)
		} else if err := render(&b, entry.Details, 0); err != nil {
			return "", err
		}
	}
	return b.String(), nil
}

// Emit writes the formatted line at the level the client asked for. Unknown
// levels are logged without a level.
func Emit(log zerolog.Logger, level, line string) {
	var event *zerolog.Event
	switch strings.ToLower(level) {
	case "error":
		event = log.Error()
	case "warn":
		event = log.Warn()
	case "info":
		event = log.Info()
	default:
		event = log.Log()
	}
	event.Str("source", "client").Msg(line)
}

func render(b *strings.Builder, v any, depth int) error {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		b.WriteString(strconv.FormatBool(val))
	case json.Number:
		b.WriteString(val.String())
	case float64:
		b.WriteString(strconv.FormatFloat(val, 'g', -1, 64))
	case string:
		b.WriteString(quote(val))
	case []any:
		if len(val) == 0 {
			b.WriteString("[]")
			return nil
		}
		if depth >= MaxDepth {
			b.WriteString("[Array]")
			return nil
		}
		b.WriteString("[ ")
		for i, item := range val {
			if i > 0 {
				b.WriteString(", ")
			}
			if err := render(b, item, depth+1); err != nil {
				return err
			}
		}
		b.WriteString(" ]")
	case map[string]any:
		if len(val) == 0 {
			b.WriteString("{}")
			return nil
		}
		if depth >= MaxDepth {
			b.WriteString("[Object]")
			return nil
		}
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString("{ ")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			if identifier.MatchString(k) {
				b.WriteString(k)
			} else {
				b.WriteString(quote(k))
			}
			b.WriteString(": ")
			if err := render(b, val[k], depth+1); err != nil {
				return err
			}
		}
		b.WriteString(" }")
	default:
		return fmt.Errorf("unsupported detail value %T", v)
	}
	return nil
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "'", `\'`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return "'" + s + "'"
}
