package version

import (
	"embed"
	"strings"
)

//go:embed version.txt
var embedFS embed.FS

// Version reports the director release, as stamped into version.txt at
// build time.
func Version() string {
	bs, err := embedFS.ReadFile("version.txt")
	if err != nil {
		return "0.0.0+unknown"
	}
	return strings.TrimSpace(string(bs))
}
