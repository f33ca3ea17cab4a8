// Package sanitize implements the FETCH interception pipeline: each
// fetched message is replaced in place by a groomed copy, and the
// original is retained in the quarantine folder. Both copies carry
// provenance headers so the rewrite is recognizable and idempotent.
package sanitize

import (
	"bytes"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"imap-sanitizer-proxy/internal/imap"
	"imap-sanitizer-proxy/internal/integrity"
	"imap-sanitizer-proxy/internal/metrics"
)

// Provenance headers stamped on every message the proxy appends.
const (
	SignatureHeader = "X-CIRCL-Sanitizer"
	SignHeader      = "X-Proxy-Sign"

	ValueOriginal  = "Original"
	ValueSanitized = "Sanitized"
	ValueError     = "Error"
)

// Probe is the outcome of the sanitizer-header fetch that decides
// whether a message still needs sanitizing.
type Probe int

const (
	// ProbeAbsent means the header is missing: the message has not been
	// sanitized yet.
	ProbeAbsent Probe = iota
	// ProbeSanitized means the message already carries the Sanitized
	// provenance value.
	ProbeSanitized
	// ProbeMalformed means the upstream response shape was not
	// understood. The sanitizer treats this as already sanitized:
	// on ambiguity it prefers no modification.
	ProbeMalformed
)

// Mailbox is the narrow view of the upstream session the sanitizer
// operates through.
type Mailbox interface {
	Select(folder string) error
	FetchSanitizerProbe(id string, uid bool) (Probe, error)
	// FetchBody returns the raw message, or nil when the id does not
	// resolve to one.
	FetchBody(id string, uid bool) ([]byte, error)
	Append(folder string, date time.Time, msg []byte) error
	StoreDeleted(id string, uid bool) error
	Expunge() error
}

// Sanitizer rewrites fetched messages. One instance is shared by all
// sessions; it holds only read-only state.
type Sanitizer struct {
	Key              []byte
	QuarantineFolder string
	Groomer          Groomer
	Logger           *slog.Logger
	Metrics          metrics.Collector
}

// Process inspects a client request and, when it is a FETCH with an
// enumerable id set issued in a sanitizable folder, sanitizes each
// fetched message that is not sanitized yet. Failures are logged and
// never propagate: the relay of the client's FETCH proceeds regardless.
func (s *Sanitizer) Process(box Mailbox, cmd imap.Command, folder string) {
	upper := strings.ToUpper(folder)
	if strings.Contains(upper, "QUARANTINE") || strings.Contains(upper, "SENT") {
		s.Logger.Debug("folder exempt from sanitizing", "folder", folder)
		s.Metrics.SanitizeSkipped(metrics.SkipFolder)
		return
	}

	ids, ok := fetchIDSet(cmd)
	if !ok {
		return
	}

	for _, id := range ids {
		if err := s.sanitizeOne(box, strconv.FormatUint(uint64(id), 10), cmd.UID, folder); err != nil {
			// Abort this id only; later ids still get their turn.
			s.Logger.Warn("sanitization abandoned", "id", id, "folder", folder, "err", err)
		}
	}
}

// fetchIDSet extracts the id set from a FETCH request of the form
// "<tag> [UID] FETCH <id-set> <items>". Requests of any other shape —
// including sets with "*" wildcards, which cannot be enumerated —
// return ok=false.
func fetchIDSet(cmd imap.Command) ([]uint32, bool) {
	if cmd.Verb != "FETCH" {
		return nil, false
	}
	set, rest, found := strings.Cut(cmd.Args, " ")
	if !found || strings.TrimSpace(rest) == "" {
		return nil, false
	}
	ids, err := imap.ParseIDSet(set)
	if err != nil || len(ids) == 0 {
		return nil, false
	}
	return ids, true
}

func (s *Sanitizer) sanitizeOne(box Mailbox, id string, uid bool, folder string) error {
	if err := box.Select(folder); err != nil {
		return err
	}

	probe, err := box.FetchSanitizerProbe(id, uid)
	if err != nil {
		return err
	}
	switch probe {
	case ProbeSanitized:
		s.Logger.Debug("already sanitized", "id", id)
		s.Metrics.SanitizeSkipped(metrics.SkipAlreadySanitized)
		return nil
	case ProbeMalformed:
		s.Logger.Debug("probe response not understood, leaving message alone", "id", id)
		s.Metrics.SanitizeSkipped(metrics.SkipParse)
		return nil
	}

	raw, err := box.FetchBody(id, uid)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		s.Metrics.SanitizeSkipped(metrics.SkipInvalidID)
		return nil
	}

	date := messageDate(raw)

	originalPayload, err := integrity.Payload(raw)
	if err != nil {
		s.Metrics.SanitizeSkipped(metrics.SkipParse)
		return fmt.Errorf("original message: %w", err)
	}

	groomed, err := s.Groomer.Groom(raw)
	if err != nil {
		s.Metrics.SanitizeSkipped(metrics.SkipGroomer)
		return err
	}

	groomedPayload, err := integrity.Payload(groomed)
	if err != nil {
		s.Metrics.SanitizeSkipped(metrics.SkipParse)
		return fmt.Errorf("groomed message: %w", err)
	}

	sanitized, err := stamp(groomed, ValueSanitized, integrity.Sign(groomedPayload, s.Key))
	if err != nil {
		s.Metrics.SanitizeSkipped(metrics.SkipParse)
		return fmt.Errorf("groomed message: %w", err)
	}
	original, err := stamp(raw, ValueOriginal, integrity.Sign(originalPayload, s.Key))
	if err != nil {
		s.Metrics.SanitizeSkipped(metrics.SkipParse)
		return fmt.Errorf("original message: %w", err)
	}

	if err := box.Append(folder, date, sanitized); err != nil {
		s.Metrics.SanitizeSkipped(metrics.SkipAppend)
		return fmt.Errorf("append sanitized copy: %w", err)
	}
	if err := box.Append(s.QuarantineFolder, date, original); err != nil {
		s.Metrics.SanitizeSkipped(metrics.SkipAppend)
		return fmt.Errorf("append original to %s: %w", s.QuarantineFolder, err)
	}

	if err := box.StoreDeleted(id, uid); err != nil {
		return err
	}
	if err := box.Expunge(); err != nil {
		return err
	}

	s.Logger.Info("message sanitized", "id", id, "folder", folder)
	s.Metrics.MessageSanitized()
	return nil
}

// stamp rewrites raw with the provenance and signature headers set.
func stamp(raw []byte, provenance, digest string) ([]byte, error) {
	e, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	// Header.Set would canonicalize the name to "X-Circl-Sanitizer", so
	// the provenance fields are written verbatim ahead of the others.
	e.Header.Del(SignatureHeader)
	e.Header.Del(SignHeader)

	var buf bytes.Buffer
	buf.WriteString(SignatureHeader + ": " + provenance + "\r\n")
	buf.WriteString(SignHeader + ": " + digest + "\r\n")
	if err := e.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("serialize message: %w", err)
	}
	return buf.Bytes(), nil
}

// messageDate returns the message's Date header, or the current time
// when the header is missing or unparseable.
func messageDate(raw []byte) time.Time {
	e, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return time.Now()
	}
	h := mail.Header{Header: e.Header}
	date, err := h.Date()
	if err != nil || date.IsZero() {
		return time.Now()
	}
	return date
}
