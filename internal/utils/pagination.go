// Package utils holds tiny generic helpers with no domain knowledge.
package utils

import "strconv"

// AtoiDefault parses s as an int and falls back to def when s is empty or
// malformed. Handlers use it for optional numeric query parameters such as
// page and page_size, where a bad value should mean "use the default" rather
// than a 400.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}
