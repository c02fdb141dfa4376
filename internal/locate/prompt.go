// Package locate turns user annotations into a vision prompt and turns the
// model's free-form answer back into structured suggestions.
package locate

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

const (
	MaxExistingPoints = 12
	MaxFieldLength    = 160
)

// ExistingPoint is the part of a client point record that is worth showing the model.
type ExistingPoint struct {
	Label       string
	XNorm       *float64
	YNorm       *float64
	Lat         *float64
	Lng         *float64
	Description string
}

// ParsePoints reads at most MaxExistingPoints records. Records are free-form:
// entries that are not JSON objects are skipped, unknown fields are ignored.
func ParsePoints(raw []json.RawMessage) []ExistingPoint {
	if len(raw) > MaxExistingPoints {
		raw = raw[:MaxExistingPoints]
	}

	points := make([]ExistingPoint, 0, len(raw))
	for i, item := range raw {
		var fields map[string]any
		if err := json.Unmarshal(item, &fields); err != nil || fields == nil {
			continue
		}

		point := ExistingPoint{
			Label:       Sanitize(firstString(fields, "label", "name", "title")),
			Description: Sanitize(firstString(fields, "description", "note")),
			XNorm:       number(fields, "xNorm"),
			YNorm:       number(fields, "yNorm"),
		}
		if point.Label == "" {
			point.Label = fmt.Sprintf("Punto %d", i+1)
		}
		if nested, ok := fields["imagePoint"].(map[string]any); ok {
			if point.XNorm == nil {
				point.XNorm = number(nested, "xNorm")
			}
			if point.YNorm == nil {
				point.YNorm = number(nested, "yNorm")
			}
		}
		if nested, ok := fields["mapPoint"].(map[string]any); ok {
			point.Lat = number(nested, "lat")
			point.Lng = number(nested, "lng")
		}
		points = append(points, point)
	}
	return points
}

// Sanitize collapses line breaks and runs of whitespace into single spaces and
// keeps at most MaxFieldLength characters.
func Sanitize(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) > MaxFieldLength {
		s = strings.TrimSpace(string(runes[:MaxFieldLength]))
	}
	return s
}

const promptHeader = `You are a geolocation assistant. Study the attached photograph and find distinctive, ` +
	`permanent features (buildings, peaks, bridges, road junctions, coastlines) that can be matched ` +
	`to real-world map coordinates.

Reply with ONLY one JSON object, without markdown fences or any other text, using exactly this shape:
{
  "mapPoints": [
    {
      "description": "short name of the feature",
      "confidence": 0.0,
      "imagePoint": {"xNorm": 0.0, "yNorm": 0.0},
      "mapPoint": {"lat": 0.0, "lng": 0.0, "altitude": 0.0}
    }
  ],
  "estimatedPose": {"lat": 0.0, "lng": 0.0, "altitude": 0.0, "heading": 0.0, "pitch": 0.0, "fov": 0.0},
  "analysis": "brief explanation of the reasoning"
}

Rules:
- xNorm and yNorm are fractions between 0 and 1 of the image width and height, measured from the top-left corner.
- confidence is between 0 and 1; leave out features you cannot place with at least 0.3 confidence.
- lat and lng are WGS84 decimal degrees; altitude is in metres and may be omitted.
- estimatedPose is the camera position and orientation; set it to null when it cannot be estimated.
- Write description and analysis in Italian.
`

// BuildPrompt renders the instruction text sent alongside the image.
func BuildPrompt(points []ExistingPoint) string {
	var b strings.Builder
	b.WriteString(promptHeader)
	b.WriteString("\n")

	if len(points) == 0 {
		b.WriteString("The user has not placed any points yet.\n")
		return b.String()
	}

	b.WriteString("Points already placed by the user (use them as context and do not repeat them):\n")
	for _, p := range points {
		b.WriteString("- ")
		b.WriteString(p.Label)

		var coords []string
		if p.XNorm != nil {
			coords = append(coords, "x="+strconv.FormatFloat(*p.XNorm, 'f', 4, 64))
		}
		if p.YNorm != nil {
			coords = append(coords, "y="+strconv.FormatFloat(*p.YNorm, 'f', 4, 64))
		}
		if len(coords) > 0 {
			b.WriteString(" (" + strings.Join(coords, ", ") + ")")
		}
		if p.Lat != nil && p.Lng != nil {
			fmt.Fprintf(&b, " [lat=%.6f, lng=%.6f]", *p.Lat, *p.Lng)
		}
		if p.Description != "" {
			b.WriteString(": ")
			b.WriteString(p.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func firstString(fields map[string]any, keys ...string) string {
	for _, key := range keys {
		switch v := fields[key].(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

// number returns the finite numeric value stored under key, accepting numeric strings.
func number(fields map[string]any, key string) *float64 {
	var f float64
	switch v := fields[key].(type) {
	case float64:
		f = v
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}
