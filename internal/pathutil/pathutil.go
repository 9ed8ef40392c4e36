// Package pathutil provides path manipulation for slash-separated archive paths.
package pathutil

import (
	"runtime"
	"strings"
)

// Normalize converts a platform path to archive form: backslashes become
// forward slashes. A trailing slash is preserved, as it marks a directory
// entry.
func Normalize(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}

// caseFold reports whether paths compare case-insensitively on this
// platform.
var caseFold = runtime.GOOS == "windows"

// Equal compares two archive paths, case-insensitively on Windows.
func Equal(a, b string) bool {
	if caseFold {
		return strings.EqualFold(a, b)
	}
	return a == b
}

// HasPrefix reports whether path starts with prefix under the platform's
// case rules. An empty prefix matches everything.
func HasPrefix(path, prefix string) bool {
	if len(path) < len(prefix) {
		return false
	}
	return Equal(path[:len(prefix)], prefix)
}

// Matches reports whether path is selected by the given name arguments:
// a name selects the path itself and everything under it. No names selects
// everything.
func Matches(path string, names []string) bool {
	if len(names) == 0 {
		return true
	}
	for _, n := range names {
		n = strings.TrimSuffix(Normalize(n), "/")
		if Equal(path, n) || HasPrefix(path, n+"/") {
			return true
		}
	}
	return false
}

// Rename maps path through parallel from/to prefix lists, as built by the
// -to option. The first matching from-prefix wins; an unmatched path is
// returned unchanged.
func Rename(path string, from, to []string) string {
	for i, f := range from {
		if i >= len(to) {
			break
		}
		f = strings.TrimSuffix(Normalize(f), "/")
		if Equal(path, f) {
			return to[i]
		}
		if HasPrefix(path, f+"/") {
			return to[i] + path[len(f):]
		}
	}
	return path
}

// Base returns the last element of a slash-separated path.
// If path is empty or ".", it returns ".".
func Base(path string) string {
	if path == "" || path == "." {
		return "."
	}
	path = strings.TrimSuffix(path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

// Dir returns the directory portion of an archive path including the
// trailing slash, or "" for a bare name.
func Dir(path string) string {
	if i := strings.LastIndex(strings.TrimSuffix(path, "/"), "/"); i >= 0 {
		return path[:i+1]
	}
	return ""
}

// Ext returns the lower-cased extension of the final path element, without
// the dot, or "" when there is none.
func Ext(path string) string {
	base := Base(path)
	if i := strings.LastIndex(base, "."); i > 0 {
		return strings.ToLower(base[i+1:])
	}
	return ""
}
