package featureflags

import (
	"os"
	"strings"
)

// Enabled reads a flag from the environment as FLAG_<NAME>=true/1/yes/on
// (case-insensitive). The server currently honors:
//
//	disable_workers - run the HTTP surface without the dispatch and
//	                  reconcile loops, for debugging against a shared DB
func Enabled(name string) bool {
	v := os.Getenv("FLAG_" + strings.ToUpper(name))
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
