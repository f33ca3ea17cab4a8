package imap

import (
	"strconv"
	"strings"
)

// ParseLiteral scans a line (with or without CRLF) for a trailing IMAP
// literal specification {N} or {N+}. It returns the announced byte count,
// whether the literal is non-synchronizing (LITERAL+), and ok=true if one
// was found.
func ParseLiteral(line string) (n int64, nonSync bool, ok bool) {
	data := strings.TrimRight(line, "\r\n")
	if len(data) < 3 || data[len(data)-1] != '}' {
		return 0, false, false
	}

	open := strings.LastIndexByte(data, '{')
	if open < 0 {
		return 0, false, false
	}

	inner := data[open+1 : len(data)-1]
	if strings.HasSuffix(inner, "+") {
		nonSync = true
		inner = inner[:len(inner)-1]
	}
	if inner == "" {
		return 0, false, false
	}

	count, err := strconv.ParseInt(inner, 10, 64)
	if err != nil || count < 0 {
		return 0, false, false
	}
	return count, nonSync, true
}
