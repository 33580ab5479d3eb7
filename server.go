package robin

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robinmta/robin/lineio"
	"github.com/robinmta/robin/utils"
)

// shutdownDrain is how long Shutdown waits for in-flight sessions
// before force-closing their sockets.
const shutdownDrain = 5 * time.Second

// ListenerMode distinguishes the three standard bindings.
type ListenerMode int

const (
	// ModeSMTP is the plain MTA listener (port 25 style).
	ModeSMTP ListenerMode = iota
	// ModeSMTPS wraps the socket in TLS at accept (port 465 style).
	ModeSMTPS
	// ModeSubmission requires authentication before MAIL (port 587 style).
	ModeSubmission
)

// String returns the binding name.
func (m ListenerMode) String() string {
	switch m {
	case ModeSMTP:
		return "smtp"
	case ModeSMTPS:
		return "smtps"
	case ModeSubmission:
		return "submission"
	default:
		return "unknown"
	}
}

// binding is one bound listener with its behaviour flags.
type binding struct {
	mode ListenerMode
	ln   net.Listener
}

// conn is the server's thin I/O handle around one accepted socket. The
// Session owns it for the socket's whole lifetime.
type conn struct {
	netConn net.Conn
	reader  *lineio.Reader
	writer  *bufio.Writer
	session *Session
	mode    ListenerMode
	logger  *slog.Logger
}

// Server is the SMTP engine: up to three listeners sharing one bounded
// worker pool, a scenario table, a credential backend and a storage
// client.
type Server struct {
	config    ServerConfig
	logger    *slog.Logger
	tlsCtx    *TLSContext
	storage   StorageClient
	backend   CredentialBackend
	scenarios *ScenarioMatcher
	metrics   *Metrics

	// sessionHook, when set, observes every finished session. Test
	// harnesses use it to reach the transaction log and envelopes.
	sessionHook func(*Session)

	pool      *workerPool
	bindings  []*binding
	connMu    sync.Mutex
	conns     map[*conn]struct{}
	closed    atomic.Bool
	acceptWg  sync.WaitGroup
	fatalOnce sync.Once
	fatal     chan error
}

// NewServer creates a server from configuration. The keystore is
// loaded once here; a configured but unreadable keystore is a startup
// error surfaced to the caller.
func NewServer(config ServerConfig) (*Server, error) {
	config.applyDefaults()
	if config.Hostname == "" {
		return nil, errors.New("smtp: hostname is required")
	}

	var tlsCtx *TLSContext
	if config.Keystore != "" {
		ctx, err := LoadTLSContext(config.Keystore, config.KeystorePassword)
		if err != nil {
			return nil, err
		}
		tlsCtx = ctx
	}

	var storage StorageClient
	if config.Storage.Enabled {
		storage = NewLocalStorageClient(config.Storage, config.Logger)
	} else {
		storage = DiscardStorage{}
	}

	var backend CredentialBackend
	if config.DovecotAuth {
		backend = NewDovecotClient(config.DovecotAuthSocket)
	} else {
		backend = NewUserTable(config.Users)
	}

	return &Server{
		config:    config,
		logger:    config.Logger,
		tlsCtx:    tlsCtx,
		storage:   storage,
		backend:   backend,
		scenarios: NewScenarioMatcher(config.Scenarios),
		metrics:   NewMetrics(),
		pool: newWorkerPool(
			config.MinimumPoolSize,
			config.MaximumPoolSize,
			config.Backlog,
			config.KeepAliveDuration(),
		),
		conns: make(map[*conn]struct{}),
		fatal: make(chan error, 1),
	}, nil
}

// SetStorage replaces the storage client. Must be called before
// ListenAndServe.
func (s *Server) SetStorage(storage StorageClient) {
	s.storage = storage
}

// SetCredentialBackend replaces the credential backend. Must be called
// before ListenAndServe.
func (s *Server) SetCredentialBackend(backend CredentialBackend) {
	s.backend = backend
}

// SetTLSContext replaces the TLS context. Must be called before
// ListenAndServe.
func (s *Server) SetTLSContext(ctx *TLSContext) {
	s.tlsCtx = ctx
}

// OnSessionDone registers an observer called with each session after
// its connection closes. Must be called before ListenAndServe.
func (s *Server) OnSessionDone(hook func(*Session)) {
	s.sessionHook = hook
}

// Metrics returns the server's Prometheus collectors.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// ListenAndServe binds every configured port and serves until Shutdown
// or a fatal listener error.
func (s *Server) ListenAndServe() error {
	type port struct {
		mode ListenerMode
		num  int
	}
	ports := []port{
		{ModeSMTP, s.config.SMTPPort},
		{ModeSMTPS, s.config.SecurePort},
		{ModeSubmission, s.config.SubmissionPort},
	}

	for _, p := range ports {
		if p.num == 0 {
			continue
		}
		if p.mode == ModeSMTPS && s.tlsCtx == nil {
			s.logger.Warn("secure listener skipped: no keystore configured")
			continue
		}
		addr := net.JoinHostPort(s.config.Bind, strconv.Itoa(p.num))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("smtp: bind %s: %w", addr, err)
		}
		s.addListener(&binding{mode: p.mode, ln: ln})
	}

	if len(s.bindings) == 0 {
		return errors.New("smtp: no listeners configured")
	}

	for _, b := range s.bindings {
		s.acceptWg.Add(1)
		go s.acceptLoop(b)
	}

	err := <-s.fatal
	return err
}

// Serve runs a single accept loop over a caller-provided listener,
// mainly for tests and embedders.
func (s *Server) Serve(ln net.Listener, mode ListenerMode) error {
	s.addListener(&binding{mode: mode, ln: ln})
	s.acceptWg.Add(1)
	go s.acceptLoop(s.bindings[len(s.bindings)-1])
	return <-s.fatal
}

func (s *Server) addListener(b *binding) {
	s.connMu.Lock()
	s.bindings = append(s.bindings, b)
	s.connMu.Unlock()
}

// acceptLoop accepts connections and hands each to a pool worker.
// Accepts beyond the queue capacity are turned away with a 421.
func (s *Server) acceptLoop(b *binding) {
	defer s.acceptWg.Done()

	s.logger.Info("SMTP listener started",
		slog.String("mode", b.mode.String()),
		slog.String("addr", b.ln.Addr().String()),
		slog.String("hostname", s.config.Hostname),
	)

	for {
		netConn, err := b.ln.Accept()
		if err != nil {
			if s.closed.Load() {
				s.reportFatal(ErrServerClosed)
				return
			}
			if errors.Is(err, net.ErrClosed) {
				s.reportFatal(ErrListenerClosed)
				return
			}
			s.logger.Error("accept error", slog.Any("error", err))
			continue
		}

		mode := b.mode
		submitted := s.pool.Submit(func() {
			s.serveConn(netConn, mode)
		})
		if !submitted {
			s.metrics.SessionsRejected.Inc()
			s.logger.Warn("worker pool saturated, refusing connection",
				slog.String("remote", remoteIP(netConn)),
			)
			_, _ = netConn.Write([]byte(ResponseServiceUnavailable(
				s.config.Hostname, "Too many concurrent sessions").String() + "\r\n"))
			_ = netConn.Close()
		}
	}
}

func (s *Server) closeListeners() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for _, b := range s.bindings {
		_ = b.ln.Close()
	}
}

func (s *Server) reportFatal(err error) {
	s.fatalOnce.Do(func() {
		s.fatal <- err
	})
}

// remoteIP renders the peer address as a bare IP for log fields,
// falling back to the raw address when it cannot be parsed.
func remoteIP(conn net.Conn) string {
	ip, err := utils.GetIPFromAddr(conn.RemoteAddr())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return ip.String()
}

// Shutdown closes the listeners, signals live sessions with a 421,
// waits for the pool to drain and then force-closes what remains.
func (s *Server) Shutdown() error {
	s.closed.Store(true)
	s.closeListeners()

	drained := s.pool.Shutdown(shutdownDrain)
	if !drained {
		s.logger.Warn("session drain timed out, force closing")
	}

	s.connMu.Lock()
	for c := range s.conns {
		_ = c.netConn.SetWriteDeadline(time.Now().Add(time.Second))
		_, _ = c.netConn.Write([]byte(ResponseServiceUnavailable(
			s.config.Hostname, "Service shutting down").String() + "\r\n"))
		_ = c.netConn.Close()
	}
	s.connMu.Unlock()

	s.acceptWg.Wait()
	return nil
}

// serveConn owns one session from accept to close.
func (s *Server) serveConn(netConn net.Conn, mode ListenerMode) {
	if mode == ModeSMTPS {
		tlsConn := tls.Server(netConn, s.tlsCtx.Config())
		if err := tlsConn.Handshake(); err != nil {
			s.metrics.TLSHandshakeErrors.Inc()
			s.logger.Info("implicit TLS handshake failed",
				slog.String("remote", remoteIP(netConn)),
				slog.Any("error", err),
			)
			_ = netConn.Close()
			return
		}
		netConn = tlsConn
	}

	session := NewSession(netConn.RemoteAddr(), netConn.LocalAddr())
	session.ID = utils.GenerateID()
	if tlsConn, ok := netConn.(*tls.Conn); ok {
		session.RecordTLS(tlsConn.ConnectionState())
	}

	c := &conn{
		netConn: netConn,
		reader:  lineio.NewReader(netConn),
		writer:  bufio.NewWriter(netConn),
		session: session,
		mode:    mode,
		logger: s.logger.With(
			slog.String("conn_id", session.ID),
			slog.Uint64("uid", session.UID),
			slog.String("remote", session.RemoteIP().String()),
		),
	}

	s.connMu.Lock()
	s.conns[c] = struct{}{}
	s.connMu.Unlock()
	s.metrics.SessionsAccepted.Inc()
	s.metrics.ActiveSessions.Inc()

	defer func() {
		s.connMu.Lock()
		delete(s.conns, c)
		s.connMu.Unlock()
		s.metrics.ActiveSessions.Dec()
		_ = c.writer.Flush()
		_ = netConn.Close()
		c.logger.Info("client disconnected",
			slog.Int("commands", session.CommandCount()),
			slog.Int("errors", session.ErrorCount()),
			slog.Int("envelopes", len(session.Envelopes())),
		)
		if s.sessionHook != nil {
			s.sessionHook(session)
		}
	}()

	c.logger.Info("client connected",
		slog.String("mode", mode.String()),
		slog.String("local", session.LocalAddr.String()),
	)

	s.sendBanner(c)
	s.commandLoop(c)
}

// sendBanner writes the 220 greeting, which the default (keyless)
// scenario may override, and records it under the SMTP pseudo-verb.
func (s *Server) sendBanner(c *conn) {
	resp := Response{
		Code:    CodeServiceReady,
		Message: fmt.Sprintf("%s ESMTP Robin ready [%s]", s.config.Hostname, c.session.ID),
	}
	if def := s.scenarios.Default(); def != nil && def.Banner != "" {
		resp = ParseResponseLine(Render(def.Banner, c.session.Magic()))
	}
	s.writeResponse(c, resp)
	c.session.Log.Add(CmdBanner, "", resp.String(), resp.IsError())
	s.metrics.Transactions.Inc()
}

// commandLoop drives the dialog until QUIT, a limit breach, a timeout
// or a dead socket.
func (s *Server) commandLoop(c *conn) {
	for {
		_ = c.netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeoutDuration()))

		line, err := c.reader.ReadLine()
		if line == nil {
			if err == io.EOF || errors.Is(err, net.ErrClosed) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.writeResponse(c, ResponseServiceUnavailable(
					s.config.Hostname, "Timeout waiting for command"))
				return
			}
			c.logger.Info("read error", slog.Any("error", err))
			return
		}

		if c.session.CountCommand(s.config.TransactionsLimit) {
			s.writeResponse(c, ResponseServiceUnavailable(
				s.config.Hostname, "Too many transactions"))
			return
		}

		trimmed := trimLine(line)
		cmd, args, err := parseCommand(trimmed)
		if err != nil {
			s.writeResponse(c, ResponseSyntaxError("Syntax error, command unrecognized"))
			if s.countError(c) {
				return
			}
			continue
		}

		c.logger.Debug("command received",
			slog.String("cmd", string(cmd)),
			slog.String("args", args),
		)

		result := s.handleCommand(c, cmd, args)
		if result.response != nil {
			s.writeResponse(c, *result.response)
		}
		if result.after != nil {
			// Post-acknowledgment work (relay) runs only once the peer
			// has its 2xx.
			result.after()
		}
		if result.countsError {
			if s.countError(c) {
				return
			}
		}
		if result.close || c.session.State == StateQuit {
			return
		}
	}
}

// countError applies the error limit; a breach writes 421 and reports
// that the session must close.
func (s *Server) countError(c *conn) bool {
	s.metrics.ProtocolErrors.Inc()
	if c.session.CountError(s.config.ErrorLimit) {
		s.writeResponse(c, ResponseServiceUnavailable(
			s.config.Hostname, "Too many errors"))
		return true
	}
	return false
}

// trimLine strips the CRLF (or LF) terminator.
func trimLine(line []byte) string {
	n := len(line)
	if n > 0 && line[n-1] == '\n' {
		n--
	}
	if n > 0 && line[n-1] == '\r' {
		n--
	}
	return string(line[:n])
}

// writeResponse sends one reply line and flushes.
func (s *Server) writeResponse(c *conn, resp Response) {
	_ = c.netConn.SetWriteDeadline(time.Now().Add(s.config.ReadTimeoutDuration()))
	if _, err := c.writer.WriteString(resp.String() + "\r\n"); err != nil {
		c.logger.Info("write error", slog.Any("error", err))
		return
	}
	_ = c.writer.Flush()
}

// writeMultiline sends a multiline reply using "NNN-" continuations.
func (s *Server) writeMultiline(c *conn, code SMTPCode, lines []string) {
	_ = c.netConn.SetWriteDeadline(time.Now().Add(s.config.ReadTimeoutDuration()))
	for i, line := range lines {
		sep := " "
		if i < len(lines)-1 {
			sep = "-"
		}
		if _, err := fmt.Fprintf(c.writer, "%d%s%s\r\n", code, sep, line); err != nil {
			c.logger.Info("write error", slog.Any("error", err))
			return
		}
	}
	_ = c.writer.Flush()
}
