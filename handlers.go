package robin

import (
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

	"github.com/robinmta/robin/lineio"
	"github.com/robinmta/robin/mime"
	"github.com/robinmta/robin/sasl"
	"github.com/robinmta/robin/utils"
)

// handlerResult is what one verb handler hands back to the command
// loop: an optional reply to write, whether the exchange counts toward
// the error limit (scenario-injected failures do not), whether to close
// the session, and work to run only after the reply is on the wire.
type handlerResult struct {
	response    *Response
	countsError bool
	close       bool
	after       func()
}

func reply(resp Response) handlerResult {
	return handlerResult{response: &resp}
}

func replyError(resp Response) handlerResult {
	return handlerResult{response: &resp, countsError: true}
}

// handleCommand dispatches one parsed verb.
func (s *Server) handleCommand(c *conn, cmd Command, args string) handlerResult {
	switch cmd {
	case CmdHelo, CmdEhlo, CmdLhlo:
		return s.handleGreeting(c, cmd, args)
	case CmdStartTLS:
		return s.handleStartTLS(c)
	case CmdAuth:
		return s.handleAuth(c, args)
	case CmdMail:
		return s.handleMail(c, args)
	case CmdRcpt:
		return s.handleRcpt(c, args)
	case CmdData:
		return s.handleData(c)
	case CmdBdat:
		return s.handleBdat(c, args)
	case CmdRset:
		return s.handleRset(c)
	case CmdNoop:
		resp := Response{Code: CodeOK, EnhancedCode: string(ESCSuccess), Message: "OK"}
		s.record(c, CmdNoop, args, resp)
		return reply(resp)
	case CmdQuit:
		return s.handleQuit(c)
	default:
		return replyError(ResponseSyntaxError("Syntax error, command unrecognized"))
	}
}

// record appends a transaction and bumps the counter metric.
func (s *Server) record(c *conn, cmd Command, payload string, resp Response) {
	c.session.Log.Add(cmd, payload, resp.String(), resp.IsError())
	s.metrics.Transactions.Inc()
}

func (s *Server) handleGreeting(c *conn, cmd Command, args string) handlerResult {
	identity := strings.TrimSpace(args)
	if identity == "" {
		resp := Response{Code: CodeSyntaxError, EnhancedCode: string(ESCInvalidArgs), Message: "Hostname required"}
		s.record(c, cmd, "", resp)
		return replyError(resp)
	}
	if idx := strings.IndexByte(identity, ' '); idx != -1 {
		identity = identity[:idx]
	}

	session := c.session
	session.GreetingVerb = cmd
	session.Identity = identity
	session.Scenario = s.scenarios.Match(cmd, identity)
	session.Reset()
	session.State = StateGreeted
	session.PutMagic("helo", identity)

	if session.Scenario != nil {
		c.logger.Debug("scenario bound", slog.String("identity", identity))
	}

	greeting := fmt.Sprintf("%s Hello %s [%s]", s.config.Hostname, session.RemoteIP(), session.ID)

	if cmd == CmdHelo {
		resp := Response{Code: CodeOK, Message: greeting}
		s.record(c, cmd, identity, resp)
		return reply(resp)
	}

	// EHLO and LHLO advertise extensions in a multiline 250.
	lines := append([]string{greeting}, s.buildExtensions(c)...)
	s.writeMultiline(c, CodeOK, lines)
	s.record(c, cmd, identity, Response{Code: CodeOK, Message: strings.Join(lines, " ")})
	return handlerResult{}
}

// buildExtensions returns the extension lines for EHLO/LHLO and records
// them as offered on the session.
func (s *Server) buildExtensions(c *conn) []string {
	session := c.session
	exts := []string{"PIPELINING", "8BITMIME", "ENHANCEDSTATUSCODES"}
	session.Extensions["PIPELINING"] = ""
	session.Extensions["8BITMIME"] = ""
	session.Extensions["ENHANCEDSTATUSCODES"] = ""

	if s.config.MaxMessageSize > 0 {
		size := strconv.FormatInt(s.config.MaxMessageSize, 10)
		exts = append(exts, "SIZE "+size)
		session.Extensions["SIZE"] = size
	}
	if s.tlsCtx != nil && s.config.StartTLS && !session.TLS.Enabled {
		exts = append(exts, "STARTTLS")
		session.Extensions["STARTTLS"] = ""
	}
	if s.config.Auth {
		mechs := strings.Join(AuthMechanisms, " ")
		exts = append(exts, "AUTH "+mechs)
		session.Extensions["AUTH"] = mechs
	}
	if s.config.Chunking {
		exts = append(exts, "CHUNKING")
		session.Extensions["CHUNKING"] = ""
	}
	return exts
}

func (s *Server) handleStartTLS(c *conn) handlerResult {
	session := c.session
	if session.State < StateGreeted {
		resp := ResponseBadSequence("Send EHLO first")
		s.record(c, CmdStartTLS, "", resp)
		return replyError(resp)
	}
	if session.TLS.Enabled {
		resp := ResponseBadSequence("TLS already active")
		s.record(c, CmdStartTLS, "", resp)
		return replyError(resp)
	}
	if s.tlsCtx == nil || !s.config.StartTLS {
		resp := Response{Code: CodeCommandNotImplemented, Message: "STARTTLS not implemented"}
		s.record(c, CmdStartTLS, "", resp)
		return replyError(resp)
	}

	resp := Response{Code: CodeServiceReady, Message: "Ready to start TLS"}
	scenarioReply := false
	if session.Scenario != nil && session.Scenario.StartTLS != "" {
		resp = ParseResponseLine(Render(session.Scenario.StartTLS, session.Magic()))
		scenarioReply = true
	}

	s.writeResponse(c, resp)
	s.record(c, CmdStartTLS, "", resp)

	// A canned reply outside the 2xx class skips the handshake.
	if scenarioReply && !resp.IsSuccess() {
		return handlerResult{}
	}

	tlsConn := tls.Server(c.netConn, s.tlsCtx.Config())
	_ = tlsConn.SetDeadline(time.Now().Add(s.config.ReadTimeoutDuration()))
	if err := tlsConn.Handshake(); err != nil {
		s.metrics.TLSHandshakeErrors.Inc()
		c.logger.Info("STARTTLS handshake failed", slog.Any("error", err))
		return handlerResult{close: true}
	}
	_ = tlsConn.SetDeadline(time.Time{})

	c.netConn = tlsConn
	c.reader = lineio.NewReader(tlsConn)
	c.writer.Reset(tlsConn)
	session.RecordTLS(tlsConn.ConnectionState())
	session.Downgrade()

	c.logger.Info("connection upgraded to TLS")
	return handlerResult{}
}

func (s *Server) handleAuth(c *conn, args string) handlerResult {
	session := c.session
	if !s.config.Auth {
		resp := Response{Code: CodeCommandNotImplemented, Message: "AUTH not implemented"}
		s.record(c, CmdAuth, args, resp)
		return replyError(resp)
	}
	if session.State < StateGreeted {
		resp := ResponseBadSequence("Send EHLO first")
		s.record(c, CmdAuth, args, resp)
		return replyError(resp)
	}
	if session.Auth.Authenticated {
		resp := ResponseBadSequence("Already authenticated")
		s.record(c, CmdAuth, args, resp)
		return replyError(resp)
	}

	name, initial, _ := strings.Cut(args, " ")
	name = strings.ToUpper(strings.TrimSpace(name))
	initial = strings.TrimSpace(initial)

	mechanism := s.newMechanism(name)
	if mechanism == nil {
		resp := Response{Code: CodeParameterNotImpl, EnhancedCode: string(ESCInvalidArgs), Message: "Mechanism not supported"}
		s.record(c, CmdAuth, args, resp)
		return replyError(resp)
	}

	creds, err := s.runAuthExchange(c, mechanism, initial)
	if err != nil {
		s.metrics.AuthFailures.Inc()
		resp := ResponseAuthCredentialsInvalid("")
		if errors.Is(err, sasl.ErrCancelled) {
			resp = Response{Code: CodeSyntaxError, Message: "Authentication cancelled"}
		}
		s.record(c, CmdAuth, name, resp)
		return replyError(resp)
	}

	if !creds.Verified && !s.backend.Verify(creds.AuthenticationID, creds.Password) {
		s.metrics.AuthFailures.Inc()
		resp := ResponseAuthCredentialsInvalid("")
		s.record(c, CmdAuth, name, resp)
		return replyError(resp)
	}

	session.Auth = AuthInfo{
		Authenticated:   true,
		Mechanism:       name,
		Identity:        creds.Identity(),
		AuthenticatedAt: time.Now(),
	}
	session.PutMagic("user", creds.Identity())

	resp := Response{
		Code:         CodeAuthSuccess,
		EnhancedCode: string(ESCSecuritySuccess),
		Message:      "Authentication successful",
	}
	s.record(c, CmdAuth, name, resp)
	c.logger.Info("client authenticated",
		slog.String("mechanism", name),
		slog.String("identity", creds.Identity()),
	)
	return reply(resp)
}

// runAuthExchange drives the 334 challenge/response loop.
func (s *Server) runAuthExchange(c *conn, mechanism sasl.Mechanism, initial string) (*sasl.Credentials, error) {
	challenge, done, err := mechanism.Start(initial)
	if err != nil {
		return nil, err
	}
	for !done {
		s.writeResponse(c, Response{Code: CodeAuthContinue, Message: challenge})

		_ = c.netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeoutDuration()))
		line, rerr := c.reader.ReadLine()
		if line == nil {
			if rerr == nil {
				rerr = io.EOF
			}
			return nil, rerr
		}
		challenge, done, err = mechanism.Next(trimLine(line))
		if err != nil {
			return nil, err
		}
	}
	return mechanism.Credentials(), nil
}

func (s *Server) handleMail(c *conn, args string) handlerResult {
	session := c.session
	if session.State < StateGreeted {
		resp := ResponseBadSequence("Send EHLO/HELO first")
		s.record(c, CmdMail, args, resp)
		return replyError(resp)
	}
	if session.State > StateGreeted {
		resp := ResponseBadSequence("MAIL command already given")
		s.record(c, CmdMail, args, resp)
		return replyError(resp)
	}
	if c.mode == ModeSubmission && !session.Auth.Authenticated {
		resp := Response{Code: CodeAuthRequired, EnhancedCode: string(ESCSecurityError), Message: "Authentication required"}
		s.record(c, CmdMail, args, resp)
		return replyError(resp)
	}

	if !strings.HasPrefix(strings.ToUpper(args), "FROM:") {
		resp := Response{Code: CodeSyntaxError, EnhancedCode: string(ESCSyntaxError), Message: "Syntax: MAIL FROM:<address>"}
		s.record(c, CmdMail, args, resp)
		return replyError(resp)
	}

	address, params, err := parsePath(args[5:])
	if err != nil {
		resp := Response{Code: CodeSyntaxError, EnhancedCode: string(ESCSyntaxError), Message: err.Error()}
		s.record(c, CmdMail, args, resp)
		return replyError(resp)
	}

	// SMTPUTF8 is not offered, so non-ASCII mailboxes cannot be accepted.
	if utils.ContainsNonASCII(address) {
		resp := Response{Code: CodeMailboxNameInvalid, EnhancedCode: string(ESCNonASCIIAddress), Message: "Non-ASCII address and SMTPUTF8 not supported"}
		s.record(c, CmdMail, args, resp)
		return replyError(resp)
	}

	if sizeStr, ok := params["SIZE"]; ok && s.config.MaxMessageSize > 0 {
		if size, perr := strconv.ParseInt(sizeStr, 10, 64); perr == nil && size > s.config.MaxMessageSize {
			resp := Response{Code: CodeExceededStorage, EnhancedCode: string(ESCMailSystemFull), Message: "Message too large"}
			s.record(c, CmdMail, args, resp)
			return reply(resp)
		}
	}

	// Scenario override replaces the default 250. An injected failure
	// leaves the transaction unopened and does not count as an error.
	if session.Scenario != nil && session.Scenario.Mail != "" {
		resp := ParseResponseLine(Render(session.Scenario.Mail, session.Magic()))
		s.record(c, CmdMail, args, resp)
		if resp.IsError() {
			return reply(resp)
		}
		env := session.OpenEnvelope()
		env.Sender = address
		session.State = StateMail
		return reply(resp)
	}

	env := session.OpenEnvelope()
	env.Sender = address
	session.State = StateMail
	session.PutMagic("mailfrom", address)

	resp := Response{Code: CodeOK, EnhancedCode: string(ESCAddressValid), Message: "Sender OK"}
	s.record(c, CmdMail, args, resp)
	return reply(resp)
}

func (s *Server) handleRcpt(c *conn, args string) handlerResult {
	session := c.session
	if session.State != StateMail && session.State != StateRcpt {
		resp := ResponseBadSequence("Send MAIL first")
		s.record(c, CmdRcpt, args, resp)
		return replyError(resp)
	}

	if !strings.HasPrefix(strings.ToUpper(args), "TO:") {
		resp := Response{Code: CodeSyntaxError, EnhancedCode: string(ESCSyntaxError), Message: "Syntax: RCPT TO:<address>"}
		s.record(c, CmdRcpt, args, resp)
		return replyError(resp)
	}

	address, _, err := parsePath(args[3:])
	if err != nil || address == "" {
		resp := Response{Code: CodeSyntaxError, EnhancedCode: string(ESCSyntaxError), Message: "Invalid recipient address"}
		s.record(c, CmdRcpt, args, resp)
		return replyError(resp)
	}

	if utils.ContainsNonASCII(address) {
		resp := Response{Code: CodeMailboxNameInvalid, EnhancedCode: string(ESCNonASCIIAddress), Message: "Non-ASCII address and SMTPUTF8 not supported"}
		session.Log.AddRecipient(args, resp.String(), address, true)
		s.metrics.Transactions.Inc()
		return replyError(resp)
	}

	// Per-recipient scenario override, matched on the mailbox.
	if session.Scenario != nil {
		if canned := session.Scenario.RcptResponse(address); canned != "" {
			resp := ParseResponseLine(Render(canned, session.Magic()))
			session.Log.AddRecipient(args, resp.String(), address, resp.IsError())
			s.metrics.Transactions.Inc()
			if resp.IsError() {
				return reply(resp)
			}
			session.CurrentEnvelope().AddRecipient(address)
			session.State = StateRcpt
			return reply(resp)
		}
	}

	session.CurrentEnvelope().AddRecipient(address)
	session.State = StateRcpt

	resp := Response{Code: CodeOK, EnhancedCode: string(ESCRecipientValid), Message: "Recipient OK"}
	session.Log.AddRecipient(args, resp.String(), address, false)
	s.metrics.Transactions.Inc()
	return reply(resp)
}

func (s *Server) handleData(c *conn) handlerResult {
	session := c.session
	if session.State != StateRcpt || len(session.CurrentEnvelope().Recipients) == 0 {
		resp := ResponseBadSequence("Need valid recipients first")
		s.record(c, CmdData, "", resp)
		return replyError(resp)
	}

	s.writeResponse(c, Response{
		Code:    CodeStartMailInput,
		Message: "Start mail input; end with <CRLF>.<CRLF>",
	})

	data, err := s.readDataBody(c)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			resp := ResponseServiceUnavailable(s.config.Hostname, "Timeout waiting for data")
			s.writeResponse(c, resp)
			s.record(c, CmdData, "", resp)
			return handlerResult{close: true}
		}
		c.logger.Info("data read error", slog.Any("error", err))
		s.record(c, CmdData, "", Response{Code: CodeServiceUnavailable, Message: "Connection lost"})
		return handlerResult{close: true}
	}

	if s.config.MaxMessageSize > 0 && int64(len(data)) > s.config.MaxMessageSize {
		session.Reset()
		resp := Response{Code: CodeExceededStorage, EnhancedCode: string(ESCMailSystemFull), Message: "Message too large"}
		s.record(c, CmdData, "", resp)
		return reply(resp)
	}

	resp, after := s.finalizeMessage(c, data)
	s.record(c, CmdData, strconv.Itoa(len(data))+" bytes", resp)
	return handlerResult{response: &resp, after: after}
}

// readDataBody consumes the dot-terminated message, stripping
// dot-stuffing and preserving the wire's own line terminators.
func (s *Server) readDataBody(c *conn) ([]byte, error) {
	var body bytes.Buffer
	for {
		_ = c.netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeoutDuration()))
		line, err := c.reader.ReadLine()
		if line == nil {
			if err == nil {
				err = io.EOF
			}
			return nil, err
		}
		if trimLine(line) == "." {
			return body.Bytes(), nil
		}
		if len(line) > 0 && line[0] == '.' {
			line = line[1:]
		}
		body.Write(line)
	}
}

func (s *Server) handleBdat(c *conn, args string) handlerResult {
	session := c.session
	if !s.config.Chunking {
		resp := Response{Code: CodeCommandNotImplemented, Message: "BDAT not implemented"}
		s.record(c, CmdBdat, args, resp)
		return replyError(resp)
	}

	fields := strings.Fields(args)
	if len(fields) < 1 || len(fields) > 2 {
		resp := Response{Code: CodeSyntaxError, EnhancedCode: string(ESCSyntaxError), Message: "Syntax: BDAT <size> [LAST]"}
		s.record(c, CmdBdat, args, resp)
		return replyError(resp)
	}
	size, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || size < 0 {
		resp := Response{Code: CodeSyntaxError, EnhancedCode: string(ESCSyntaxError), Message: "Invalid chunk size"}
		s.record(c, CmdBdat, args, resp)
		return replyError(resp)
	}
	last := false
	if len(fields) == 2 {
		if !strings.EqualFold(fields[1], "LAST") {
			resp := Response{Code: CodeSyntaxError, EnhancedCode: string(ESCSyntaxError), Message: "Syntax: BDAT <size> [LAST]"}
			s.record(c, CmdBdat, args, resp)
			return replyError(resp)
		}
		last = true
	}

	if (session.State != StateRcpt && session.State != StateBdat) ||
		len(session.CurrentEnvelope().Recipients) == 0 {
		// Drain the announced chunk to keep the dialog in sync.
		_, _ = io.CopyN(io.Discard, c.reader, size)
		resp := ResponseBadSequence("Need valid recipients first")
		s.record(c, CmdBdat, args, resp)
		return replyError(resp)
	}

	chunk := make([]byte, size)
	_ = c.netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeoutDuration()))
	if _, err := io.ReadFull(c.reader, chunk); err != nil {
		c.logger.Info("BDAT read error", slog.Any("error", err))
		s.record(c, CmdBdat, args, Response{Code: CodeServiceUnavailable, Message: "Connection lost"})
		return handlerResult{close: true}
	}

	session.bdat = append(session.bdat, chunk...)
	session.State = StateBdat

	if s.config.MaxMessageSize > 0 && int64(len(session.bdat)) > s.config.MaxMessageSize {
		session.Reset()
		resp := Response{Code: CodeExceededStorage, EnhancedCode: string(ESCMailSystemFull), Message: "Message too large"}
		s.record(c, CmdBdat, args, resp)
		return reply(resp)
	}

	if !last {
		resp := Response{
			Code:         CodeOK,
			EnhancedCode: string(ESCSuccess),
			Message:      fmt.Sprintf("%d bytes received", size),
		}
		s.record(c, CmdBdat, args, resp)
		return reply(resp)
	}

	data := session.bdat
	session.bdat = nil
	resp, after := s.finalizeMessage(c, data)
	s.record(c, CmdBdat, args, resp)
	return handlerResult{response: &resp, after: after}
}

// finalizeMessage runs once a complete body has arrived via DATA or
// BDAT LAST: scenario override, MIME parse, storage, and the deferred
// relay step. The returned closure runs after the acknowledgment is on
// the wire.
func (s *Server) finalizeMessage(c *conn, data []byte) (Response, func()) {
	session := c.session
	env := session.CurrentEnvelope()

	resp := Response{Code: CodeOK, EnhancedCode: string(ESCSuccess)}
	if session.Scenario != nil && session.Scenario.Data != "" {
		resp = ParseResponseLine(Render(session.Scenario.Data, session.Magic()))
		if resp.IsError() {
			session.Reset()
			return resp, nil
		}
	}

	parser := mime.NewParserWithLogger(bytes.NewReader(data), c.logger)
	if err := parser.Parse(); err != nil {
		c.logger.Warn("message parse failed", slog.Any("error", err))
	}
	env.MessageID = parser.MessageID()
	env.ReceivedAt = time.Now()
	session.PutMagic("msgid", env.MessageID)

	if err := s.storage.Save(session, env, data); err != nil {
		c.logger.Error("storage save failed", slog.Any("error", err))
		session.Reset()
		return Response{Code: CodeLocalError, EnhancedCode: string(ESCTempLocalError), Message: "Unable to store message"}, nil
	}

	s.metrics.MessagesReceived.Inc()
	if resp.Message == "" {
		resp.Message = fmt.Sprintf("OK, received %d bytes [%s]", len(data), session.ID)
	}

	c.logger.Info("message received",
		slog.String("message_id", env.MessageID),
		slog.String("sender", env.Sender),
		slog.Int("recipients", len(env.Recipients)),
		slog.Int("size", len(data)),
	)

	session.Reset()

	relayTarget := s.relayTarget(parser.Headers())
	if relayTarget == "" {
		return resp, nil
	}
	// The relay dialog runs on the connection worker, strictly after
	// the peer has its 2xx.
	envCopy := *env
	return resp, func() {
		s.relayMessage(c, &envCopy, data, relayTarget)
	}
}

// relayTarget decides where, if anywhere, the message relays to: the
// X-Robin-Relay header wins, then the global relay configuration.
func (s *Server) relayTarget(headers *mime.Headers) string {
	if value := strings.TrimSpace(headers.GetValue("X-Robin-Relay")); value != "" {
		return value
	}
	if s.config.Relay.Enabled && s.config.Relay.Host != "" {
		port := s.config.Relay.Port
		if port == 0 {
			port = 25
		}
		return net.JoinHostPort(s.config.Relay.Host, strconv.Itoa(port))
	}
	return ""
}

// relayMessage forwards one acknowledged message through the outbound
// client.
func (s *Server) relayMessage(c *conn, env *Envelope, data []byte, target string) {
	if !strings.Contains(target, ":") {
		target = net.JoinHostPort(target, "25")
	}

	client := NewRelayClient(RelayClientConfig{LocalName: s.config.Hostname})
	defer client.Close()

	err := client.Dial(target)
	if err == nil {
		err = client.Hello()
	}
	if err == nil {
		err = client.Send(env.Sender, env.Recipients, data)
	}
	if err != nil {
		c.logger.Error("relay failed",
			slog.String("target", target),
			slog.Any("error", err),
		)
		return
	}
	_ = client.Quit()

	s.metrics.MessagesRelayed.Inc()
	c.logger.Info("message relayed",
		slog.String("target", target),
		slog.Int("recipients", len(env.Recipients)),
	)
}

func (s *Server) handleRset(c *conn) handlerResult {
	c.session.Reset()
	resp := Response{Code: CodeOK, EnhancedCode: string(ESCSuccess), Message: "OK"}
	s.record(c, CmdRset, "", resp)
	return reply(resp)
}

func (s *Server) handleQuit(c *conn) handlerResult {
	c.session.State = StateQuit
	resp := Response{
		Code:    CodeServiceClosing,
		Message: fmt.Sprintf("%s Service closing transmission channel", s.config.Hostname),
	}
	s.record(c, CmdQuit, "", resp)
	return reply(resp)
}
