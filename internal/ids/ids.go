// Package ids generates the random part of file names written by the API.
package ids

import (
	"strings"

	"github.com/segmentio/ksuid"
)

// Suffix returns a lowercase random component for file names: a KSUID without
// its leading timestamp characters.
func Suffix() string {
	return strings.ToLower(ksuid.New().String()[4:])
}
