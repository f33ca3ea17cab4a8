// Package misp forwards messages moved into the MISP mailbox to a
// threat-intelligence intake over SMTP. The forward happens before the
// MOVE itself is relayed upstream.
package misp

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"imap-sanitizer-proxy/internal/imap"
	"imap-sanitizer-proxy/internal/metrics"
)

// The machine-to-machine intake contract: a fixed body marker and the
// original message attached under a fixed name.
const (
	bodyMarker     = "m2m:attach_original_mail:1"
	attachmentName = "email.eml"
)

// Config describes the SMTP sink receiving forwarded messages.
type Config struct {
	// Folder is the mailbox name whose MOVE target triggers forwarding.
	Folder   string
	SMTPAddr string
	From     string
	To       string
	Subject  string
	// Username and Password enable PLAIN authentication toward the
	// sink when non-empty.
	Username string
	Password string
}

// Mailbox is the narrow view of the upstream session the forwarder
// reads messages through.
type Mailbox interface {
	Select(folder string) error
	// FetchBody returns the raw message, or nil when the id does not
	// resolve to one.
	FetchBody(id string, uid bool) ([]byte, error)
}

// SendFunc submits a fully formed message; it matches go-smtp's
// SendMail signature.
type SendFunc func(addr string, a sasl.Client, from string, to []string, r io.Reader) error

// Forwarder watches MOVE requests and forwards matching messages. One
// instance is shared by all sessions.
type Forwarder struct {
	cfg     Config
	logger  *slog.Logger
	metrics metrics.Collector

	// Send submits the built message; tests inject fakes through it.
	Send SendFunc
}

// NewForwarder creates a Forwarder submitting via go-smtp.
func NewForwarder(cfg Config, logger *slog.Logger, collector metrics.Collector) *Forwarder {
	return &Forwarder{
		cfg:     cfg,
		Send:    smtp.SendMail,
		logger:  logger,
		metrics: collector,
	}
}

// Process inspects a client request and, when it is a MOVE of an
// enumerable id set into the MISP mailbox, forwards each message to
// the configured sink. Failures are logged and never propagate: the
// relay of the client's MOVE proceeds regardless.
func (f *Forwarder) Process(box Mailbox, cmd imap.Command, folder string) {
	ids, ok := f.moveIDSet(cmd)
	if !ok {
		return
	}

	for _, id := range ids {
		if err := f.forwardOne(box, strconv.FormatUint(uint64(id), 10), cmd.UID, folder); err != nil {
			f.logger.Warn("forward to MISP failed", "id", id, "folder", folder, "err", err)
		}
	}
}

// moveIDSet extracts the id set from a MOVE request of the form
// "<tag> [UID] MOVE <id-set> "MISP"". Any other shape — a different
// target mailbox, an unquoted target, a wildcard set — returns
// ok=false.
func (f *Forwarder) moveIDSet(cmd imap.Command) ([]uint32, bool) {
	if cmd.Verb != "MOVE" {
		return nil, false
	}
	set, target, found := strings.Cut(cmd.Args, " ")
	if !found {
		return nil, false
	}
	if !strings.EqualFold(strings.TrimSpace(target), `"`+f.cfg.Folder+`"`) {
		return nil, false
	}
	ids, err := imap.ParseIDSet(set)
	if err != nil || len(ids) == 0 {
		return nil, false
	}
	return ids, true
}

func (f *Forwarder) forwardOne(box Mailbox, id string, uid bool, folder string) error {
	if err := box.Select(folder); err != nil {
		return err
	}

	raw, err := box.FetchBody(id, uid)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}

	msg, err := f.buildMessage(raw)
	if err != nil {
		return err
	}

	var auth sasl.Client
	if f.cfg.Username != "" {
		auth = sasl.NewPlainClient("", f.cfg.Username, f.cfg.Password)
	}

	if err := f.Send(f.cfg.SMTPAddr, auth, f.cfg.From, []string{f.cfg.To}, bytes.NewReader(msg)); err != nil {
		return fmt.Errorf("smtp submit to %s: %w", f.cfg.SMTPAddr, err)
	}

	f.logger.Info("message forwarded to MISP", "id", id, "folder", folder)
	f.metrics.MISPForwarded()
	return nil
}

// buildMessage wraps the raw message in the intake envelope: the fixed
// body marker plus the original attached as email.eml.
func (f *Forwarder) buildMessage(raw []byte) ([]byte, error) {
	var buf bytes.Buffer

	var h mail.Header
	h.SetDate(time.Now())
	h.SetSubject(f.cfg.Subject)
	h.SetAddressList("From", []*mail.Address{{Address: f.cfg.From}})
	h.SetAddressList("To", []*mail.Address{{Address: f.cfg.To}})

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	iw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline part: %w", err)
	}
	var ih mail.InlineHeader
	ih.Set("Content-Type", "text/plain; charset=utf-8")
	pw, err := iw.CreatePart(ih)
	if err != nil {
		return nil, fmt.Errorf("create text part: %w", err)
	}
	if _, err := io.WriteString(pw, bodyMarker); err != nil {
		return nil, fmt.Errorf("write body: %w", err)
	}
	pw.Close()
	iw.Close()

	var ah mail.AttachmentHeader
	ah.Set("Content-Type", "message/rfc822")
	ah.SetFilename(attachmentName)
	aw, err := mw.CreateAttachment(ah)
	if err != nil {
		return nil, fmt.Errorf("create attachment: %w", err)
	}
	if _, err := aw.Write(raw); err != nil {
		return nil, fmt.Errorf("write attachment: %w", err)
	}
	aw.Close()
	mw.Close()

	return buf.Bytes(), nil
}
