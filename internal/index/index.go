// Package index extracts ordering indexes from screenshot file names.
//
// A file's index is the first run of decimal digits in its base name, so
// "shot12.png", "12-login.png" and "login_12_v3.png" all carry index 12.
package index

import (
	"path/filepath"
	"strconv"
)

// Extract returns the first non-negative integer embedded in the base name
// of path. The second result is false when the name holds no digits or the
// digit run does not fit in an int.
func Extract(path string) (int, bool) {
	name := filepath.Base(path)

	start := -1
	for i := 0; i < len(name); i++ {
		if isDigit(name[i]) {
			start = i
			break
		}
	}
	if start < 0 {
		return 0, false
	}

	end := start
	for end < len(name) && isDigit(name[end]) {
		end++
	}

	n, err := strconv.Atoi(name[start:end])
	if err != nil {
		return 0, false
	}
	return n, true
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
