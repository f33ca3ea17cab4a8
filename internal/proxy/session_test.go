package proxy

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-sasl"

	"imap-sanitizer-proxy/internal/config"
	"imap-sanitizer-proxy/internal/imap"
	"imap-sanitizer-proxy/internal/metrics"
	"imap-sanitizer-proxy/internal/misp"
	"imap-sanitizer-proxy/internal/sanitize"
)

func testSanitizer() *sanitize.Sanitizer {
	return &sanitize.Sanitizer{
		Key:              []byte("secret-proxy"),
		QuarantineFolder: "Quarantine",
		Groomer:          sanitize.IdentityGroomer(),
		Logger:           testLogger(),
		Metrics:          metrics.NoopCollector{},
	}
}

func testForwarder() *misp.Forwarder {
	f := misp.NewForwarder(misp.Config{Folder: "MISP"}, testLogger(), metrics.NoopCollector{})
	f.Send = func(addr string, a sasl.Client, from string, to []string, r io.Reader) error {
		return nil
	}
	return f
}

// newTestSession wires a Session to one end of a pipe and returns the
// client end plus the session for connector injection.
func newTestSession(t *testing.T) (net.Conn, *bufio.Reader, *Session) {
	t.Helper()
	clientConn, proxyConn := net.Pipe()
	sess := NewSession(proxyConn, config.Default(), testLogger(), metrics.NoopCollector{}, testSanitizer(), testForwarder())
	t.Cleanup(func() { clientConn.Close() })
	clientConn.SetDeadline(time.Now().Add(5 * time.Second))
	return clientConn, bufio.NewReader(clientConn), sess
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func TestDispatchTableMatchesRegistry(t *testing.T) {
	for verb := range imap.Intercepted {
		if _, ok := handlers[verb]; !ok {
			t.Errorf("intercepted verb %q has no handler", verb)
		}
	}
	for verb := range handlers {
		if !imap.Intercepted[verb] {
			t.Errorf("handler for %q is not in the intercepted registry", verb)
		}
	}
}

func TestSessionGreeting(t *testing.T) {
	clientConn, r, sess := newTestSession(t)
	go sess.Run()

	if got := readLine(t, r); got != "* OK Service Ready." {
		t.Fatalf("greeting = %q", got)
	}
	clientConn.Close()
}

func TestSessionCapability(t *testing.T) {
	clientConn, r, sess := newTestSession(t)
	go sess.Run()
	readLine(t, r) // greeting

	fmt.Fprint(clientConn, "A001 CAPABILITY\r\n")

	if got := readLine(t, r); got != "* CAPABILITY IMAP4 IMAP4rev1 AUTH=PLAIN UIDPLUS MOVE ID UNSELECT CHILDREN NAMESPACE" {
		t.Fatalf("capability line = %q", got)
	}
	if got := readLine(t, r); got != "A001 OK CAPABILITY completed." {
		t.Fatalf("completion = %q", got)
	}
}

func TestSessionBadRequest(t *testing.T) {
	clientConn, r, sess := newTestSession(t)
	go sess.Run()
	readLine(t, r)

	fmt.Fprint(clientConn, "!!! ???\r\n")

	if got := readLine(t, r); got != "!!! BAD Incorrect request" {
		t.Fatalf("response = %q", got)
	}
	// A protocol error terminates the session.
	if _, err := r.ReadString('\n'); err == nil {
		t.Fatal("session still open after protocol error")
	}
}

func TestSessionRelayBeforeAuth(t *testing.T) {
	clientConn, r, sess := newTestSession(t)
	go sess.Run()
	readLine(t, r)

	fmt.Fprint(clientConn, "a1 NOOP\r\n")
	if got := readLine(t, r); got != "a1 BAD Please authenticate first" {
		t.Fatalf("response = %q", got)
	}

	// The session survives and still answers intercepted verbs.
	fmt.Fprint(clientConn, "a2 CAPABILITY\r\n")
	readLine(t, r)
	if got := readLine(t, r); got != "a2 OK CAPABILITY completed." {
		t.Fatalf("completion = %q", got)
	}
}

func TestSessionLoginUnknownDomain(t *testing.T) {
	clientConn, r, sess := newTestSession(t)
	go sess.Run()
	readLine(t, r)

	fmt.Fprint(clientConn, "a7 LOGIN bob@example.org pw\r\n")

	if got := readLine(t, r); got != "a7 BAD Unknown hostname" {
		t.Fatalf("response = %q", got)
	}
	if _, err := r.ReadString('\n'); err == nil {
		t.Fatal("session still open after unknown domain")
	}
}

func TestSessionLoginFailure(t *testing.T) {
	clientConn, r, sess := newTestSession(t)
	sess.connect = func(username, password string) (*Upstream, error) {
		return nil, ErrLoginFailed
	}
	go sess.Run()
	readLine(t, r)

	fmt.Fprint(clientConn, "a1 LOGIN alice@gmail.com wrong\r\n")

	if got := readLine(t, r); got != "a1 NO LOGIN failed." {
		t.Fatalf("response = %q", got)
	}
	if _, err := r.ReadString('\n'); err == nil {
		t.Fatal("session still open after auth failure")
	}
}

// loginTestSession authenticates a test session against a scripted
// upstream and returns everything needed to continue the conversation.
func loginTestSession(t *testing.T, handler func(line string, conn net.Conn, r *bufio.Reader)) (net.Conn, *bufio.Reader, *fakeUpstream) {
	t.Helper()

	clientConn, r, sess := newTestSession(t)
	upstream, fake := startFakeUpstream(t, handler)

	var gotUser, gotPass string
	sess.connect = func(username, password string) (*Upstream, error) {
		gotUser, gotPass = username, password
		return upstream, nil
	}
	go sess.Run()
	readLine(t, r)

	fmt.Fprint(clientConn, "a1 LOGIN \"alice@gmail.com\" \"pw\"\r\n")
	if got := readLine(t, r); got != "a1 OK LOGIN completed." {
		t.Fatalf("login completion = %q", got)
	}
	if gotUser != "alice@gmail.com" || gotPass != "pw" {
		t.Fatalf("credentials = %q / %q", gotUser, gotPass)
	}
	return clientConn, r, fake
}

func TestSessionTransparentRelay(t *testing.T) {
	clientConn, r, fake := loginTestSession(t, func(line string, conn net.Conn, _ *bufio.Reader) {
		tag, rest, _ := strings.Cut(line, " ")
		if strings.HasPrefix(strings.ToUpper(rest), "LIST") {
			fmt.Fprint(conn, "* LIST (\\HasNoChildren) \"/\" \"INBOX\"\r\n")
			fmt.Fprint(conn, "* LIST (\\HasNoChildren) \"/\" \"Quarantine\"\r\n")
			fmt.Fprintf(conn, "%s OK LIST completed\r\n", tag)
		}
	})

	fmt.Fprint(clientConn, "a2 LIST \"\" \"*\"\r\n")

	// The request reaches the upstream under a fresh proxy tag.
	if got := <-fake.received; got != "P001 LIST \"\" \"*\"" {
		t.Fatalf("upstream saw %q", got)
	}

	// Untagged data is forwarded verbatim; the completion comes back
	// under the client's tag.
	if got := readLine(t, r); got != "* LIST (\\HasNoChildren) \"/\" \"INBOX\"" {
		t.Fatalf("line 1 = %q", got)
	}
	if got := readLine(t, r); got != "* LIST (\\HasNoChildren) \"/\" \"Quarantine\"" {
		t.Fatalf("line 2 = %q", got)
	}
	if got := readLine(t, r); got != "a2 OK LIST completed" {
		t.Fatalf("completion = %q", got)
	}
}

func TestSessionRelayLiteral(t *testing.T) {
	body := "From: x@y.example\r\n\r\nhi"
	clientConn, r, _ := loginTestSession(t, func(line string, conn net.Conn, _ *bufio.Reader) {
		tag, _, _ := strings.Cut(line, " ")
		fmt.Fprintf(conn, "* 1 FETCH (BODY[] {%d}\r\n", len(body))
		fmt.Fprint(conn, body)
		fmt.Fprint(conn, ")\r\n")
		fmt.Fprintf(conn, "%s OK FETCH completed\r\n", tag)
	})

	// XFETCH is not an intercepted verb, so this exercises the plain
	// relay's literal copy-through.
	fmt.Fprint(clientConn, "a3 XFETCH 1 (BODY[])\r\n")

	if got := readLine(t, r); got != fmt.Sprintf("* 1 FETCH (BODY[] {%d}", len(body)) {
		t.Fatalf("data line = %q", got)
	}
	buf := make([]byte, len(body))
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatalf("read literal: %v", err)
	}
	if string(buf) != body {
		t.Fatalf("literal = %q", buf)
	}
	if got := readLine(t, r); got != ")" {
		t.Fatalf("closing line = %q", got)
	}
	if got := readLine(t, r); got != "a3 OK FETCH completed" {
		t.Fatalf("completion = %q", got)
	}
}

func TestSessionContinuation(t *testing.T) {
	var appendTag string
	clientConn, r, fake := loginTestSession(t, func(line string, conn net.Conn, _ *bufio.Reader) {
		switch {
		case strings.Contains(strings.ToUpper(line), "APPEND"):
			appendTag, _, _ = strings.Cut(line, " ")
			fmt.Fprint(conn, "+ go ahead\r\n")
		case line == "":
			fmt.Fprintf(conn, "%s OK APPEND completed\r\n", appendTag)
		}
	})

	fmt.Fprint(clientConn, "a4 APPEND INBOX {5}\r\n")

	if got := <-fake.received; got != "P001 APPEND INBOX {5}" {
		t.Fatalf("upstream saw %q", got)
	}
	if got := readLine(t, r); got != "+ go ahead" {
		t.Fatalf("continuation = %q", got)
	}

	// The client's literal sequence is copied through until the empty
	// line, which is forwarded too.
	fmt.Fprint(clientConn, "hello\r\n")
	fmt.Fprint(clientConn, "\r\n")
	if got := <-fake.received; got != "hello" {
		t.Fatalf("upstream saw %q", got)
	}
	if got := <-fake.received; got != "" {
		t.Fatalf("upstream saw %q, want empty line", got)
	}

	if got := readLine(t, r); got != "a4 OK APPEND completed" {
		t.Fatalf("completion = %q", got)
	}
}

func TestSessionAuthenticatePlain(t *testing.T) {
	clientConn, r, sess := newTestSession(t)
	upstream, _ := startFakeUpstream(t, func(line string, conn net.Conn, _ *bufio.Reader) {})

	var gotUser, gotPass string
	sess.connect = func(username, password string) (*Upstream, error) {
		gotUser, gotPass = username, password
		return upstream, nil
	}
	go sess.Run()
	readLine(t, r)

	fmt.Fprint(clientConn, "a1 AUTHENTICATE PLAIN\r\n")
	if got := readLine(t, r); got != "+" {
		t.Fatalf("continuation = %q", got)
	}

	payload := base64.StdEncoding.EncodeToString([]byte("\x00alice@gmail.com\x00pw"))
	fmt.Fprint(clientConn, payload+"\r\n")

	if got := readLine(t, r); got != "a1 OK AUTHENTICATE completed." {
		t.Fatalf("completion = %q", got)
	}
	if gotUser != "alice@gmail.com" || gotPass != "pw" {
		t.Errorf("credentials = %q / %q", gotUser, gotPass)
	}
}

func TestSessionAuthenticateUnknownMechanism(t *testing.T) {
	clientConn, r, sess := newTestSession(t)
	go sess.Run()
	readLine(t, r)

	fmt.Fprint(clientConn, "a1 AUTHENTICATE CRAM-MD5\r\n")
	if got := readLine(t, r); got != "a1 NO Unsupported authentication mechanism" {
		t.Fatalf("response = %q", got)
	}

	// Session stays up.
	fmt.Fprint(clientConn, "a2 CAPABILITY\r\n")
	readLine(t, r)
	if got := readLine(t, r); got != "a2 OK CAPABILITY completed." {
		t.Fatalf("completion = %q", got)
	}
}

func TestSessionAuthenticatePlainBadBase64(t *testing.T) {
	clientConn, r, sess := newTestSession(t)
	go sess.Run()
	readLine(t, r)

	fmt.Fprint(clientConn, "a1 AUTHENTICATE PLAIN\r\n")
	readLine(t, r) // "+"
	fmt.Fprint(clientConn, "not@base64!\r\n")

	if got := readLine(t, r); got != "a1 BAD Invalid base64 response" {
		t.Fatalf("response = %q", got)
	}
	if _, err := r.ReadString('\n'); err == nil {
		t.Fatal("session still open after malformed auth")
	}
}

func TestSessionLogoutWithoutUpstream(t *testing.T) {
	clientConn, r, sess := newTestSession(t)
	go sess.Run()
	readLine(t, r)

	fmt.Fprint(clientConn, "a1 LOGOUT\r\n")

	if got := readLine(t, r); got != "* BYE Service logging out" {
		t.Fatalf("bye = %q", got)
	}
	if got := readLine(t, r); got != "a1 OK LOGOUT completed." {
		t.Fatalf("completion = %q", got)
	}
	if _, err := r.ReadString('\n'); err == nil {
		t.Fatal("session still open after LOGOUT")
	}
}

func TestSessionLogoutRelays(t *testing.T) {
	clientConn, r, fake := loginTestSession(t, func(line string, conn net.Conn, _ *bufio.Reader) {
		tag, rest, _ := strings.Cut(line, " ")
		if strings.EqualFold(rest, "LOGOUT") {
			fmt.Fprint(conn, "* BYE See you\r\n")
			fmt.Fprintf(conn, "%s OK LOGOUT completed\r\n", tag)
		}
	})

	fmt.Fprint(clientConn, "a9 LOGOUT\r\n")

	if got := <-fake.received; got != "P001 LOGOUT" {
		t.Fatalf("upstream saw %q", got)
	}
	if got := readLine(t, r); got != "* BYE See you" {
		t.Fatalf("bye = %q", got)
	}
	if got := readLine(t, r); got != "a9 OK LOGOUT completed" {
		t.Fatalf("completion = %q", got)
	}
	if _, err := r.ReadString('\n'); err == nil {
		t.Fatal("session still open after LOGOUT")
	}
}
