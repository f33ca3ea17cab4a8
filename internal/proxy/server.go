package proxy

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"imap-sanitizer-proxy/internal/config"
	"imap-sanitizer-proxy/internal/metrics"
	"imap-sanitizer-proxy/internal/misp"
	"imap-sanitizer-proxy/internal/sanitize"
)

// Server listens for incoming client connections and spawns one session
// per connection, up to the configured client cap.
type Server struct {
	config    *config.Config
	logger    *slog.Logger
	collector metrics.Collector
	sanitizer *sanitize.Sanitizer
	forwarder *misp.Forwarder
	limiter   *SessionLimiter

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a Server with the given configuration. A nil
// collector disables metrics; a nil groomer leaves messages unchanged.
func NewServer(cfg *config.Config, logger *slog.Logger, collector metrics.Collector, groomer sanitize.Groomer) *Server {
	if collector == nil {
		collector = metrics.NoopCollector{}
	}
	if groomer == nil {
		groomer = sanitize.IdentityGroomer()
	}

	return &Server{
		config:    cfg,
		logger:    logger,
		collector: collector,
		sanitizer: &sanitize.Sanitizer{
			Key:              []byte(cfg.Sanitizer.MACKey),
			QuarantineFolder: cfg.Sanitizer.QuarantineFolder,
			Groomer:          groomer,
			Logger:           logger,
			Metrics:          collector,
		},
		forwarder: misp.NewForwarder(misp.Config{
			Folder:   cfg.MISP.Folder,
			SMTPAddr: cfg.MISP.SMTPAddr,
			From:     cfg.MISP.From,
			To:       cfg.MISP.To,
			Subject:  cfg.MISP.Subject,
			Username: cfg.MISP.Username,
			Password: cfg.MISP.Password,
		}, logger, collector),
		limiter: NewSessionLimiter(cfg.Server.MaxClients),
	}
}

// ListenAndServe binds the configured port (IPv4 or IPv6), wraps the
// listener in TLS when a certificate is configured, and starts
// accepting connections.
func (s *Server) ListenAndServe() error {
	var tlsConfig *tls.Config
	if s.config.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(s.config.Server.CertFile, s.config.TLSKeyFile())
		if err != nil {
			return fmt.Errorf("load certificate: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	network := "tcp4"
	if s.config.Server.IPv6 {
		network = "tcp6"
	}

	l, err := net.Listen(network, fmt.Sprintf(":%d", s.config.ListenPort()))
	if err != nil {
		return err
	}
	if tlsConfig != nil {
		l = tls.NewListener(l, tlsConfig)
	}

	return s.Serve(l)
}

// Serve accepts connections on the provided listener, spawning a
// session goroutine per connection.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	for {
		conn, err := l.Accept()
		if err != nil {
			// A closed listener returns an error; treat that as clean shutdown.
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		if !s.limiter.TryAcquire() {
			s.logger.Warn("client cap reached, rejecting connection", "client", conn.RemoteAddr())
			fmt.Fprint(conn, "* BYE Too many connections\r\n")
			conn.Close()
			continue
		}

		s.logger.Info("new connection", "client", conn.RemoteAddr())
		sess := NewSession(conn, s.config, s.logger, s.collector, s.sanitizer, s.forwarder)
		go func() {
			defer s.limiter.Release()
			defer s.collector.SessionClosed()
			s.collector.SessionOpened()
			sess.Run()
		}()
	}
}

// Close shuts down the listener, causing Serve/ListenAndServe to
// return. Sessions in flight continue until natural termination.
func (s *Server) Close() error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		return l.Close()
	}
	return nil
}
