package imap

import "strings"

// Capabilities advertised by the proxy in response to CAPABILITY. The
// proxy answers CAPABILITY itself and never forwards it upstream.
var Capabilities = []string{
	"IMAP4",
	"IMAP4rev1",
	"AUTH=PLAIN",
	"UIDPLUS",
	"MOVE",
	"ID",
	"UNSELECT",
	"CHILDREN",
	"NAMESPACE",
}

// Intercepted lists the verbs the proxy handles itself. Every other verb
// is relayed to the upstream server unmodified apart from the tag.
var Intercepted = map[string]bool{
	"AUTHENTICATE": true,
	"CAPABILITY":   true,
	"LOGIN":        true,
	"LOGOUT":       true,
	"SELECT":       true,
	"MOVE":         true,
	"FETCH":        true,
}

// CapabilityLine returns the untagged capability listing sent to clients.
func CapabilityLine() string {
	return "* CAPABILITY " + strings.Join(Capabilities, " ")
}
