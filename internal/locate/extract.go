package locate

import (
	"bytes"
	"strings"

	"github.com/goccy/go-json"
)

const (
	maxScanBytes  = 1 << 20
	maxCandidates = 32
)

var emptyArray = json.RawMessage(`[]`)

// Suggestion is what the API returns for a model answer.
type Suggestion struct {
	MapPoints json.RawMessage
	Pose      json.RawMessage
	Analysis  string
}

// Interpret extracts the suggestion object from raw model text. A reply that
// holds no parseable object still yields a Suggestion: no points, no pose and
// the raw text as analysis.
func Interpret(raw string) Suggestion {
	out := Suggestion{MapPoints: emptyArray}

	obj, ok := ExtractObject(raw)
	if ok {
		if v := obj["mapPoints"]; startsWith(v, '[') {
			out.MapPoints = v
		}
		if v := obj["estimatedPose"]; startsWith(v, '{') {
			out.Pose = v
		}
		out.Analysis = stringField(obj, "analysis")
		if out.Analysis == "" {
			out.Analysis = stringField(obj, "reasoning")
		}
	}
	if out.Analysis == "" {
		out.Analysis = raw
	}
	return out
}

// ExtractObject finds the first JSON object in text. The whole text is tried
// first; after that each balanced {...} span, found with a string-aware depth
// scan, is tried in order of its opening brace. Input beyond maxScanBytes and
// candidates beyond maxCandidates are ignored.
func ExtractObject(text string) (map[string]json.RawMessage, bool) {
	s := strings.TrimSpace(text)
	if len(s) > maxScanBytes {
		s = s[:maxScanBytes]
	}

	if obj, ok := decodeObject(s); ok {
		return obj, true
	}

	start := strings.IndexByte(s, '{')
	for attempts := 0; start >= 0 && attempts < maxCandidates; attempts++ {
		if end := matchBrace(s, start); end > start {
			if obj, ok := decodeObject(s[start : end+1]); ok {
				return obj, true
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, false
}

// matchBrace returns the index of the brace closing the one at start, or -1.
func matchBrace(s string, start int) int {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func decodeObject(s string) (map[string]json.RawMessage, bool) {
	if !strings.HasPrefix(s, "{") {
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

func startsWith(raw json.RawMessage, c byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == c
}

func stringField(obj map[string]json.RawMessage, key string) string {
	raw, ok := obj[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
