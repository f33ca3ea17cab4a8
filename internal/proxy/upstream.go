package proxy

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	goimap "github.com/emersion/go-imap/v2"

	"imap-sanitizer-proxy/internal/imap"
	"imap-sanitizer-proxy/internal/sanitize"
)

// Upstream IMAP is always spoken over TLS.
const upstreamPort = 993

// hostMap maps the space-joined domain key of an account address to its
// upstream IMAP host. The key is everything between '@' and the final
// label, split on '.' and joined by spaces.
var hostMap = map[string]string{
	"hotmail": "imap-mail.outlook.com",
	"outlook": "imap-mail.outlook.com",
	"yahoo":   "imap.mail.yahoo.com",
	"gmail":   "imap.gmail.com",
}

var (
	// ErrUnknownDomain marks addresses whose domain has no upstream
	// mapping.
	ErrUnknownDomain = errors.New("unknown hostname")
	// ErrLoginFailed marks a rejected upstream LOGIN.
	ErrLoginFailed = errors.New("upstream login failed")
)

// ResolveHost maps an account address to its upstream IMAP host. The
// extra table (from configuration) is consulted before the built-ins.
func ResolveHost(username string, extra map[string]string) (string, error) {
	at := strings.LastIndexByte(username, '@')
	if at < 0 || at == len(username)-1 {
		return "", fmt.Errorf("%w: %q has no domain", ErrUnknownDomain, username)
	}

	labels := strings.Split(username[at+1:], ".")
	if len(labels) < 2 {
		return "", fmt.Errorf("%w: %s", ErrUnknownDomain, username[at+1:])
	}
	key := strings.Join(labels[:len(labels)-1], " ")

	if host, ok := extra[key]; ok {
		return host, nil
	}
	if host, ok := hostMap[key]; ok {
		return host, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownDomain, key)
}

// DialFunc opens a connection to the named upstream host. Tests inject
// fakes through it.
type DialFunc func(host string) (net.Conn, error)

func dialTLS(host string) (net.Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(upstreamPort))
	return tls.Dial("tcp", addr, &tls.Config{ServerName: host})
}

// Upstream is an authenticated IMAP session with the account's real
// server. It serves two masters over the one stream: the mediator's
// verbatim relay, and the typed operations the sanitizer and MISP
// modules issue. Both run strictly sequentially within a session, so no
// locking is needed.
type Upstream struct {
	conn   net.Conn
	r      *bufio.Reader
	logger *slog.Logger
	tagSeq int
}

// Connect resolves the account's upstream host, dials it over TLS,
// validates the greeting and logs in.
func Connect(username, password string, extra map[string]string, logger *slog.Logger) (*Upstream, error) {
	return connect(username, password, extra, logger, dialTLS)
}

func connect(username, password string, extra map[string]string, logger *slog.Logger, dial DialFunc) (*Upstream, error) {
	host, err := ResolveHost(username, extra)
	if err != nil {
		return nil, err
	}

	conn, err := dial(host)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", host, err)
	}

	u := &Upstream{
		conn:   conn,
		r:      bufio.NewReader(conn),
		logger: logger,
	}

	greeting, err := u.ReadLine()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read greeting: %w", err)
	}
	if !strings.HasPrefix(greeting, "* OK") && !strings.HasPrefix(greeting, "* PREAUTH") {
		conn.Close()
		return nil, fmt.Errorf("unexpected greeting: %s", strings.TrimRight(greeting, "\r\n"))
	}

	if err := u.login(username, password); err != nil {
		conn.Close()
		return nil, err
	}

	u.logger.Debug("upstream connected", "host", host)
	return u, nil
}

func (u *Upstream) login(username, password string) error {
	tag := u.NextTag()
	cmd := fmt.Sprintf("%s LOGIN %s %s", tag, quoteIMAPString(username), quoteIMAPString(password))
	if err := u.WriteLine(cmd); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	status, err := u.awaitCompletion(tag)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if status != "OK" {
		return ErrLoginFailed
	}
	return nil
}

// NextTag allocates a fresh tag for a proxy-issued upstream command.
func (u *Upstream) NextTag() string {
	u.tagSeq++
	return fmt.Sprintf("P%03d", u.tagSeq)
}

// ReadLine returns the next upstream line including its terminator.
func (u *Upstream) ReadLine() (string, error) {
	return u.r.ReadString('\n')
}

// WriteLine writes one command line, appending CRLF.
func (u *Upstream) WriteLine(line string) error {
	_, err := io.WriteString(u.conn, line+"\r\n")
	return err
}

// WriteRaw forwards bytes to the upstream exactly as received.
func (u *Upstream) WriteRaw(s string) error {
	_, err := io.WriteString(u.conn, s)
	return err
}

// CopyLiteral streams n literal bytes from the upstream to w.
func (u *Upstream) CopyLiteral(w io.Writer, n int64) error {
	_, err := io.CopyN(w, u.r, n)
	return err
}

// Close closes the upstream connection.
func (u *Upstream) Close() error {
	return u.conn.Close()
}

// awaitCompletion reads upstream lines, discarding untagged data and
// literal payloads, until the completion for tag arrives.
func (u *Upstream) awaitCompletion(tag string) (string, error) {
	for {
		line, err := u.ReadLine()
		if err != nil {
			return "", err
		}
		if c, ok := imap.ParseCompletion(line); ok && c.Tag == tag {
			return c.Status, nil
		}
		if n, _, ok := imap.ParseLiteral(line); ok {
			if err := u.CopyLiteral(io.Discard, n); err != nil {
				return "", err
			}
		}
	}
}

func (u *Upstream) fetchCommand(tag, id string, uid bool, items string) string {
	if uid {
		return fmt.Sprintf("%s UID FETCH %s %s", tag, id, items)
	}
	return fmt.Sprintf("%s FETCH %s %s", tag, id, items)
}

// isFetchData reports whether the line is an untagged FETCH data
// response.
func isFetchData(line string) bool {
	if !strings.HasPrefix(line, "* ") {
		return false
	}
	return strings.Contains(strings.ToUpper(line), " FETCH (")
}

// Select opens the named mailbox on the upstream session.
func (u *Upstream) Select(folder string) error {
	tag := u.NextTag()
	if err := u.WriteLine(tag + " SELECT " + quoteIMAPString(folder)); err != nil {
		return err
	}
	status, err := u.awaitCompletion(tag)
	if err != nil {
		return err
	}
	if status != "OK" {
		return fmt.Errorf("select %s: %s", folder, status)
	}
	return nil
}

// FetchSanitizerProbe fetches the flags and sanitizer header fields of
// one message and classifies the result.
func (u *Upstream) FetchSanitizerProbe(id string, uid bool) (sanitize.Probe, error) {
	tag := u.NextTag()
	items := "(FLAGS BODY.PEEK[HEADER.FIELDS (" + sanitize.SignatureHeader + ")])"
	if err := u.WriteLine(u.fetchCommand(tag, id, uid, items)); err != nil {
		return sanitize.ProbeAbsent, err
	}

	var header bytes.Buffer
	sawData := false
	malformed := false
	for {
		line, err := u.ReadLine()
		if err != nil {
			return sanitize.ProbeAbsent, err
		}

		if c, ok := imap.ParseCompletion(line); ok && c.Tag == tag {
			if c.Status != "OK" {
				// The full-body fetch decides what to do with this id.
				return sanitize.ProbeAbsent, nil
			}
			break
		}

		n, _, hasLiteral := imap.ParseLiteral(line)
		switch {
		case isFetchData(line):
			sawData = true
			if !hasLiteral {
				malformed = true
				continue
			}
			if err := u.CopyLiteral(&header, n); err != nil {
				return sanitize.ProbeAbsent, err
			}
		case hasLiteral:
			if err := u.CopyLiteral(io.Discard, n); err != nil {
				return sanitize.ProbeAbsent, err
			}
		}
	}

	if !sawData {
		return sanitize.ProbeAbsent, nil
	}
	if malformed {
		return sanitize.ProbeMalformed, nil
	}
	hdr := header.String()
	if strings.Contains(hdr, sanitize.SignatureHeader) && strings.Contains(hdr, sanitize.ValueSanitized) {
		return sanitize.ProbeSanitized, nil
	}
	return sanitize.ProbeAbsent, nil
}

// FetchBody fetches one message in full with BODY.PEEK[]. It returns
// nil bytes when the upstream reports the id as invalid or empty.
func (u *Upstream) FetchBody(id string, uid bool) ([]byte, error) {
	tag := u.NextTag()
	if err := u.WriteLine(u.fetchCommand(tag, id, uid, "BODY.PEEK[]")); err != nil {
		return nil, err
	}

	var body []byte
	for {
		line, err := u.ReadLine()
		if err != nil {
			return nil, err
		}

		if c, ok := imap.ParseCompletion(line); ok && c.Tag == tag {
			if c.Status != "OK" {
				return nil, nil
			}
			return body, nil
		}

		n, _, hasLiteral := imap.ParseLiteral(line)
		if !hasLiteral {
			continue
		}
		if isFetchData(line) && body == nil {
			buf := make([]byte, n)
			if _, err := io.ReadFull(u.r, buf); err != nil {
				return nil, err
			}
			body = buf
			continue
		}
		if err := u.CopyLiteral(io.Discard, n); err != nil {
			return nil, err
		}
	}
}

// Append stores msg in the named folder, preserving date as the
// internal date.
func (u *Upstream) Append(folder string, date time.Time, msg []byte) error {
	tag := u.NextTag()
	cmd := fmt.Sprintf("%s APPEND %s %s {%d}",
		tag,
		quoteIMAPString(folder),
		quoteIMAPString(date.Format("_2-Jan-2006 15:04:05 -0700")),
		len(msg),
	)
	if err := u.WriteLine(cmd); err != nil {
		return err
	}

	// Wait for the continuation before sending the literal.
	for {
		line, err := u.ReadLine()
		if err != nil {
			return err
		}
		if strings.HasPrefix(line, "+") {
			break
		}
		if c, ok := imap.ParseCompletion(line); ok && c.Tag == tag {
			return fmt.Errorf("append to %s refused: %s", folder, c.Status)
		}
		if n, _, ok := imap.ParseLiteral(line); ok {
			if err := u.CopyLiteral(io.Discard, n); err != nil {
				return err
			}
		}
	}

	if _, err := u.conn.Write(msg); err != nil {
		return err
	}
	if err := u.WriteRaw("\r\n"); err != nil {
		return err
	}

	status, err := u.awaitCompletion(tag)
	if err != nil {
		return err
	}
	if status != "OK" {
		return fmt.Errorf("append to %s: %s", folder, status)
	}
	return nil
}

// StoreDeleted flags one message as deleted.
func (u *Upstream) StoreDeleted(id string, uid bool) error {
	tag := u.NextTag()
	items := fmt.Sprintf("%s +FLAGS (%s)", id, goimap.FlagDeleted)
	var cmd string
	if uid {
		cmd = fmt.Sprintf("%s UID STORE %s", tag, items)
	} else {
		cmd = fmt.Sprintf("%s STORE %s", tag, items)
	}
	if err := u.WriteLine(cmd); err != nil {
		return err
	}
	status, err := u.awaitCompletion(tag)
	if err != nil {
		return err
	}
	if status != "OK" {
		return fmt.Errorf("store %s: %s", id, status)
	}
	return nil
}

// Expunge permanently removes deleted messages from the selected
// mailbox.
func (u *Upstream) Expunge() error {
	tag := u.NextTag()
	if err := u.WriteLine(tag + " EXPUNGE"); err != nil {
		return err
	}
	status, err := u.awaitCompletion(tag)
	if err != nil {
		return err
	}
	if status != "OK" {
		return fmt.Errorf("expunge: %s", status)
	}
	return nil
}

// quoteIMAPString wraps s in double quotes, escaping backslashes and
// double quotes per RFC 3501.
func quoteIMAPString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
