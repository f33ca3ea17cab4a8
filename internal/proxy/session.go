package proxy

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/emersion/go-sasl"

	"imap-sanitizer-proxy/internal/config"
	"imap-sanitizer-proxy/internal/imap"
	"imap-sanitizer-proxy/internal/metrics"
	"imap-sanitizer-proxy/internal/misp"
	"imap-sanitizer-proxy/internal/sanitize"
)

// SessionState represents the current state of a client session.
type SessionState int

const (
	StateGreeting SessionState = iota
	StateNotAuth
	StateAuth
	StateSelected
	StateClosed
)

// Session mediates one client connection: it answers the intercepted
// verbs itself and relays everything else to the account's upstream
// server, rewriting tags in both directions.
type Session struct {
	clientConn net.Conn
	clientR    *bufio.Reader
	upstream   *Upstream

	state         SessionState
	currentFolder string
	stopping      bool

	config    *config.Config
	logger    *slog.Logger
	collector metrics.Collector
	sanitizer *sanitize.Sanitizer
	forwarder *misp.Forwarder

	// connect allows tests to inject a fake upstream.
	connect func(username, password string) (*Upstream, error)
}

// handlers is the dispatch table for intercepted verbs. Its keys mirror
// imap.Intercepted.
var handlers = map[string]func(*Session, imap.Command) error{
	"AUTHENTICATE": (*Session).handleAuthenticate,
	"CAPABILITY":   (*Session).handleCapability,
	"LOGIN":        (*Session).handleLogin,
	"LOGOUT":       (*Session).handleLogout,
	"SELECT":       (*Session).handleSelect,
	"MOVE":         (*Session).handleMove,
	"FETCH":        (*Session).handleFetch,
}

// authMechanisms maps AUTHENTICATE mechanism tokens to sub-handlers.
var authMechanisms = map[string]func(*Session, imap.Command) error{
	"PLAIN": (*Session).authenticatePlain,
}

// NewSession creates a Session for the given client connection.
func NewSession(conn net.Conn, cfg *config.Config, logger *slog.Logger, collector metrics.Collector, sanitizer *sanitize.Sanitizer, forwarder *misp.Forwarder) *Session {
	s := &Session{
		clientConn: conn,
		clientR:    bufio.NewReader(conn),
		state:      StateGreeting,
		config:     cfg,
		logger:     logger,
		collector:  collector,
		sanitizer:  sanitizer,
		forwarder:  forwarder,
	}
	s.connect = func(username, password string) (*Upstream, error) {
		return Connect(username, password, cfg.Hosts, s.logger)
	}
	return s
}

// Run executes the session lifecycle: greeting, request loop, teardown.
func (s *Session) Run() {
	defer s.close()

	if err := s.sendToClient("* OK Service Ready."); err != nil {
		s.logger.Debug("failed to send greeting", "err", err)
		return
	}
	s.state = StateNotAuth

	for !s.stopping {
		line, err := s.clientR.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("read from client failed", "err", err)
			}
			return
		}
		s.logger.Debug("client request", "line", strings.TrimRight(line, "\r\n"))

		cmd, parseErr := imap.ParseCommand(line)
		if parseErr != nil {
			s.sendToClient(extractTag(line) + " BAD Incorrect request")
			s.logger.Warn("protocol error", "err", parseErr)
			return
		}

		if err := s.dispatch(cmd); err != nil {
			s.logger.Info("session terminating", "err", err)
			return
		}
	}
}

// dispatch routes one request to its interception handler or to the
// transparent relay.
func (s *Session) dispatch(cmd imap.Command) error {
	if imap.Intercepted[cmd.Verb] {
		s.collector.CommandIntercepted(cmd.Verb)
		return handlers[cmd.Verb](s, cmd)
	}
	s.collector.CommandRelayed(cmd.Verb)
	return s.relay(cmd)
}

// relay is the transparent data plane: the client's tag is swapped for
// a fresh upstream tag, the request forwarded, and upstream traffic
// streamed back line by line until the matching completion, which
// travels to the client under its original tag.
func (s *Session) relay(cmd imap.Command) error {
	if s.upstream == nil {
		return s.sendToClient(cmd.Tag + " BAD Please authenticate first")
	}

	serverTag := s.upstream.NextTag()
	request := strings.Replace(cmd.Raw, cmd.Tag, serverTag, 1)
	if err := s.upstream.WriteLine(request); err != nil {
		return fmt.Errorf("write to upstream: %w", err)
	}
	s.logger.Debug("relayed to upstream", "line", request)

	for {
		line, err := s.upstream.ReadLine()
		if err != nil {
			return fmt.Errorf("read from upstream: %w", err)
		}

		if c, ok := imap.ParseCompletion(line); ok && c.Tag == serverTag {
			out := strings.Replace(line, serverTag, cmd.Tag, 1)
			s.logger.Debug("relayed to client", "line", strings.TrimRight(out, "\r\n"))
			if _, err := io.WriteString(s.clientConn, out); err != nil {
				return fmt.Errorf("write to client: %w", err)
			}
			return nil
		}

		if _, err := io.WriteString(s.clientConn, line); err != nil {
			return fmt.Errorf("write to client: %w", err)
		}
		if n, _, ok := imap.ParseLiteral(line); ok {
			if err := s.upstream.CopyLiteral(s.clientConn, n); err != nil {
				return fmt.Errorf("relay literal: %w", err)
			}
		}

		if strings.HasPrefix(line, "+") && cmd.Verb != "FETCH" {
			if err := s.relayContinuation(); err != nil {
				return err
			}
		}
	}
}

// relayContinuation copies client lines to the upstream after a
// continuation response, until the client ends the sequence with an
// empty line, which is itself forwarded.
func (s *Session) relayContinuation() error {
	for {
		line, err := s.clientR.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read continuation from client: %w", err)
		}
		if err := s.upstream.WriteRaw(line); err != nil {
			return fmt.Errorf("write continuation to upstream: %w", err)
		}
		if strings.TrimRight(line, "\r\n") == "" {
			return nil
		}
	}
}

func (s *Session) handleCapability(cmd imap.Command) error {
	if err := s.sendToClient(imap.CapabilityLine()); err != nil {
		return err
	}
	return s.sendToClient(s.completionOK(cmd))
}

func (s *Session) handleAuthenticate(cmd imap.Command) error {
	mech, _, _ := strings.Cut(cmd.Args, " ")
	sub, ok := authMechanisms[strings.ToUpper(mech)]
	if !ok {
		return s.sendToClient(cmd.Tag + " NO Unsupported authentication mechanism")
	}
	return sub(s, cmd)
}

// authenticatePlain runs the SASL PLAIN exchange: a bare continuation,
// then one Base64 response carrying identity, user and password.
func (s *Session) authenticatePlain(cmd imap.Command) error {
	if err := s.sendToClient("+"); err != nil {
		return err
	}

	line, err := s.clientR.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimRight(line, "\r\n"))
	if err != nil {
		s.sendToClient(cmd.Tag + " BAD Invalid base64 response")
		return fmt.Errorf("decode auth response: %w", err)
	}

	var username, password string
	srv := sasl.NewPlainServer(func(identity, user, pass string) error {
		username, password = user, pass
		return nil
	})
	if _, _, err := srv.Next(decoded); err != nil {
		s.sendToClient(s.completionNo(cmd))
		return fmt.Errorf("sasl plain: %w", err)
	}

	return s.connectUpstream(cmd, username, password)
}

func (s *Session) handleLogin(cmd imap.Command) error {
	userTok, passTok, found := strings.Cut(cmd.Args, " ")
	passTok = strings.TrimSpace(passTok)
	if !found || userTok == "" || passTok == "" {
		return s.sendToClient(s.completionNo(cmd))
	}
	return s.connectUpstream(cmd, trimQuotes(userTok), trimQuotes(passTok))
}

// connectUpstream resolves and authenticates the account's real server.
// Failure terminates the session after the appropriate completion.
func (s *Session) connectUpstream(cmd imap.Command, username, password string) error {
	domain := addressDomain(username)

	u, err := s.connect(username, password)
	if err != nil {
		s.collector.AuthAttempt(domain, false)
		if errors.Is(err, ErrUnknownDomain) {
			s.sendToClient(cmd.Tag + " BAD Unknown hostname")
		} else {
			s.sendToClient(s.completionNo(cmd))
		}
		return err
	}

	s.collector.AuthAttempt(domain, true)
	s.upstream = u
	s.state = StateAuth
	s.logger = s.logger.With("user", username)
	s.logger.Info("upstream session established")
	return s.sendToClient(s.completionOK(cmd))
}

func (s *Session) handleSelect(cmd imap.Command) error {
	s.currentFolder = trimQuotes(strings.TrimSpace(cmd.Args))
	if err := s.relay(cmd); err != nil {
		return err
	}
	if s.upstream != nil {
		s.state = StateSelected
	}
	return nil
}

func (s *Session) handleFetch(cmd imap.Command) error {
	if s.upstream != nil {
		s.sanitizer.Process(s.upstream, cmd, s.currentFolder)
	}
	return s.relay(cmd)
}

func (s *Session) handleMove(cmd imap.Command) error {
	if s.upstream != nil {
		s.forwarder.Process(s.upstream, cmd, s.currentFolder)
	}
	return s.relay(cmd)
}

func (s *Session) handleLogout(cmd imap.Command) error {
	s.stopping = true
	if s.upstream == nil {
		if err := s.sendToClient("* BYE Service logging out"); err != nil {
			return err
		}
		return s.sendToClient(s.completionOK(cmd))
	}
	// Relay so the upstream sees the LOGOUT too.
	return s.relay(cmd)
}

func (s *Session) completionOK(cmd imap.Command) string {
	return cmd.Tag + " OK " + cmd.Verb + " completed."
}

func (s *Session) completionNo(cmd imap.Command) string {
	return cmd.Tag + " NO " + cmd.Verb + " failed."
}

// sendToClient writes one line to the client, appending CRLF.
func (s *Session) sendToClient(line string) error {
	s.logger.Debug("reply to client", "line", line)
	if _, err := io.WriteString(s.clientConn, line+"\r\n"); err != nil {
		return fmt.Errorf("write to client: %w", err)
	}
	return nil
}

// close releases both connections; safe on every exit path.
func (s *Session) close() {
	s.clientConn.Close()
	if s.upstream != nil {
		s.upstream.Close()
	}
	s.state = StateClosed
}

// trimQuotes removes one pair of surrounding double quotes, if present.
func trimQuotes(s string) string {
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		return s[1 : len(s)-1]
	}
	return s
}

// addressDomain returns the part of an address after the last '@', for
// metrics labels.
func addressDomain(username string) string {
	if at := strings.LastIndexByte(username, '@'); at >= 0 && at < len(username)-1 {
		return username[at+1:]
	}
	return "unknown"
}

// extractTag recovers a tag from an unparseable line for BAD responses.
func extractTag(line string) string {
	line = strings.TrimSpace(line)
	if idx := strings.IndexByte(line, ' '); idx > 0 {
		return line[:idx]
	}
	if line != "" {
		return line
	}
	return "*"
}
