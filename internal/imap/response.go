package imap

import "strings"

// Completion is a tagged command completion response from a server.
type Completion struct {
	Tag    string
	Status string // uppercased: "OK", "NO" or "BAD"
}

// ParseCompletion reports whether the line is a tagged completion
// response ("<tag> OK|NO|BAD ..."). Untagged ("*") and continuation ("+")
// lines return ok=false.
func ParseCompletion(line string) (Completion, bool) {
	data := strings.TrimRight(line, "\r\n")

	tag, rest := nextToken(data)
	if !validTag(tag) {
		return Completion{}, false
	}

	status, _ := nextToken(rest)
	status = strings.ToUpper(status)
	switch status {
	case "OK", "NO", "BAD":
		return Completion{Tag: tag, Status: status}, true
	}
	return Completion{}, false
}
