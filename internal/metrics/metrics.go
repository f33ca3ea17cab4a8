// Package metrics defines the Collector interface the proxy's data
// plane records into, with Prometheus and no-op implementations.
package metrics

// Collector records proxy activity. Implementations must be safe for
// concurrent use by many sessions.
type Collector interface {
	// Session lifecycle.
	SessionOpened()
	SessionClosed()

	// AuthAttempt records an upstream authentication attempt for the
	// given address domain.
	AuthAttempt(domain string, success bool)

	// Command accounting. Intercepted verbs are handled by the proxy
	// itself; everything else is relayed.
	CommandIntercepted(verb string)
	CommandRelayed(verb string)

	// Sanitization pipeline.
	MessageSanitized()
	SanitizeSkipped(reason string)

	// MISP forwarding pipeline.
	MISPForwarded()
}

// Skip reasons recorded by SanitizeSkipped.
const (
	SkipAlreadySanitized = "already_sanitized"
	SkipFolder           = "folder_filtered"
	SkipInvalidID        = "invalid_id"
	SkipGroomer          = "groomer_failed"
	SkipParse            = "parse_failed"
	SkipAppend           = "append_failed"
)
