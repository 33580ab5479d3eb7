package robin

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// RelayClientConfig configures the outbound SMTP dialog.
type RelayClientConfig struct {
	// LocalName is the hostname sent in EHLO/HELO.
	LocalName string

	// Timeout bounds dial, read and write operations.
	Timeout time.Duration

	// TLSConfig enables STARTTLS when the remote offers it.
	TLSConfig *tls.Config

	// Username/Password enable AUTH PLAIN after greeting (and after
	// STARTTLS when TLS is in play).
	Username string
	Password string

	// Resolver handles MX lookups for DialDomain. Defaults to the
	// system resolver.
	Resolver *Resolver
}

// RelayClient runs the client side of the SMTP dialog. It is used by
// the post-receipt relay step and by scripted test cases, and keeps its
// own TransactionLog so both can assert on the outbound exchange.
type RelayClient struct {
	config     RelayClientConfig
	conn       net.Conn
	reader     *bufio.Reader
	log        *TransactionLog
	extensions map[string]string
	tlsActive  bool
}

// NewRelayClient creates a client. The zero config gets a localhost
// EHLO name and a 30 second timeout.
func NewRelayClient(config RelayClientConfig) *RelayClient {
	if config.LocalName == "" {
		config.LocalName = "localhost"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	return &RelayClient{
		config:     config,
		log:        NewTransactionLog(),
		extensions: make(map[string]string),
	}
}

// Log returns the outbound transaction log.
func (c *RelayClient) Log() *TransactionLog {
	return c.log
}

// Extension reports whether the remote advertised an extension, with
// its parameters.
func (c *RelayClient) Extension(name string) (string, bool) {
	params, ok := c.extensions[strings.ToUpper(name)]
	return params, ok
}

// Dial connects to addr ("host:port") and consumes the banner.
func (c *RelayClient) Dial(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, c.config.Timeout)
	if err != nil {
		return fmt.Errorf("relay: dial %s: %w", addr, err)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)

	code, lines, err := c.readResponse()
	banner := strings.Join(lines, " ")
	c.log.Add(CmdBanner, "", banner, code >= 400)
	if err != nil {
		conn.Close()
		return err
	}
	if code != 220 {
		conn.Close()
		return fmt.Errorf("relay: unexpected banner %d %s", code, banner)
	}
	return nil
}

// DialDomain resolves the domain's MX records and connects to the
// first responsive exchanger on port 25.
func (c *RelayClient) DialDomain(domain string) error {
	resolver := c.config.Resolver
	if resolver == nil {
		resolver = NewResolver()
	}
	hosts, err := resolver.LookupMX(domain)
	if err != nil {
		return err
	}

	var lastErr error
	for _, host := range hosts {
		if err := c.Dial(net.JoinHostPort(host, "25")); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// Hello greets with EHLO, falling back to HELO when the remote rejects
// it, and records the advertised extensions.
func (c *RelayClient) Hello() error {
	code, lines, err := c.command(CmdEhlo, c.config.LocalName, "EHLO %s", c.config.LocalName)
	if err != nil {
		return err
	}
	if code >= 400 {
		code, lines, err = c.command(CmdHelo, c.config.LocalName, "HELO %s", c.config.LocalName)
		if err != nil {
			return err
		}
		if code != 250 {
			return fmt.Errorf("relay: greeting rejected: %d", code)
		}
		return nil
	}

	c.extensions = make(map[string]string)
	for _, line := range lines[1:] {
		name, params, _ := strings.Cut(line, " ")
		c.extensions[strings.ToUpper(name)] = params
	}
	return nil
}

// StartTLS upgrades the connection when configured and offered.
func (c *RelayClient) StartTLS() error {
	if c.config.TLSConfig == nil || c.tlsActive {
		return nil
	}
	if _, offered := c.Extension("STARTTLS"); !offered {
		return nil
	}

	code, _, err := c.command(CmdStartTLS, "", "STARTTLS")
	if err != nil {
		return err
	}
	if code != 220 {
		return fmt.Errorf("relay: STARTTLS rejected: %d", code)
	}

	tlsConn := tls.Client(c.conn, c.config.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		c.conn.Close()
		return fmt.Errorf("relay: TLS handshake: %w", err)
	}
	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	c.tlsActive = true

	// The session state was reset by the upgrade; greet again.
	return c.Hello()
}

// Auth authenticates with AUTH PLAIN when credentials are configured.
func (c *RelayClient) Auth() error {
	if c.config.Username == "" {
		return nil
	}
	blob := base64.StdEncoding.EncodeToString(
		[]byte("\x00" + c.config.Username + "\x00" + c.config.Password),
	)
	code, lines, err := c.command(CmdAuth, "PLAIN", "AUTH PLAIN %s", blob)
	if err != nil {
		return err
	}
	if code != 235 {
		return fmt.Errorf("%w: %d %s", ErrAuthFailed, code, strings.Join(lines, " "))
	}
	return nil
}

// Send runs one mail transaction: MAIL, RCPT per recipient, DATA with
// dot-stuffing. Rejected recipients are recorded in the log; the
// transaction proceeds while at least one recipient is accepted.
func (c *RelayClient) Send(sender string, recipients []string, data []byte) error {
	code, lines, err := c.command(CmdMail, sender, "MAIL FROM:<%s>", sender)
	if err != nil {
		return err
	}
	if code != 250 {
		return fmt.Errorf("relay: MAIL rejected: %d %s", code, strings.Join(lines, " "))
	}

	accepted := 0
	for _, rcpt := range recipients {
		code, lines, err = c.rcpt(rcpt)
		if err != nil {
			return err
		}
		if code == 250 || code == 251 {
			accepted++
		}
	}
	if accepted == 0 {
		return ErrNoRecipients
	}

	// The DATA transaction is recorded once, with the final reply; the
	// intermediate 354 is not a transaction of its own.
	if err := c.writeLine("DATA"); err != nil {
		return err
	}
	code, lines, err = c.readResponse()
	if err != nil {
		return err
	}
	if code != 354 {
		c.log.Add(CmdData, "", strings.Join(lines, " "), true)
		return fmt.Errorf("relay: DATA rejected: %d %s", code, strings.Join(lines, " "))
	}

	if err := c.writeBody(data); err != nil {
		return err
	}

	code, lines, err = c.readLogged(CmdData, "")
	if err != nil {
		return err
	}
	if code != 250 {
		return fmt.Errorf("relay: message rejected: %d %s", code, strings.Join(lines, " "))
	}
	return nil
}

// Quit ends the dialog politely.
func (c *RelayClient) Quit() error {
	code, lines, err := c.command(CmdQuit, "", "QUIT")
	if err != nil {
		return err
	}
	if code != 221 {
		return fmt.Errorf("relay: QUIT rejected: %d %s", code, strings.Join(lines, " "))
	}
	return c.conn.Close()
}

// Close drops the connection without QUIT.
func (c *RelayClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// rcpt issues one RCPT TO and records the address on the transaction.
func (c *RelayClient) rcpt(address string) (int, []string, error) {
	if err := c.writeLine(fmt.Sprintf("RCPT TO:<%s>", address)); err != nil {
		return 0, nil, err
	}
	code, lines, err := c.readResponse()
	c.log.AddRecipient(address, strings.Join(lines, " "), address, code >= 400)
	return code, lines, err
}

// command writes one line and reads the (possibly multiline) reply,
// recording the exchange.
func (c *RelayClient) command(cmd Command, payload, format string, args ...any) (int, []string, error) {
	if err := c.writeLine(fmt.Sprintf(format, args...)); err != nil {
		return 0, nil, err
	}
	return c.readLogged(cmd, payload)
}

// readLogged reads a reply and records it under the given verb.
func (c *RelayClient) readLogged(cmd Command, payload string) (int, []string, error) {
	code, lines, err := c.readResponse()
	c.log.Add(cmd, payload, strings.Join(lines, " "), code >= 400)
	return code, lines, err
}

func (c *RelayClient) writeLine(line string) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.Timeout))
	_, err := c.conn.Write([]byte(line + "\r\n"))
	if err != nil {
		return fmt.Errorf("relay: write: %w", err)
	}
	return nil
}

// writeBody sends the message with dot-stuffing and the terminating
// CRLF.CRLF sequence.
func (c *RelayClient) writeBody(data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.Timeout))

	stuffed := dotStuff(data)
	if _, err := c.conn.Write(stuffed); err != nil {
		return fmt.Errorf("relay: write body: %w", err)
	}
	terminator := "\r\n.\r\n"
	if bytes.HasSuffix(stuffed, []byte("\r\n")) {
		terminator = ".\r\n"
	}
	if _, err := c.conn.Write([]byte(terminator)); err != nil {
		return fmt.Errorf("relay: write terminator: %w", err)
	}
	return nil
}

// dotStuff doubles any dot that starts a line (RFC 5321 section 4.5.2).
func dotStuff(data []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(data) + 16)
	atLineStart := true
	for _, b := range data {
		if atLineStart && b == '.' {
			out.WriteByte('.')
		}
		out.WriteByte(b)
		atLineStart = b == '\n'
	}
	return out.Bytes()
}

// readResponse parses one SMTP reply, following "NNN-" continuation
// lines until the "NNN " terminator.
func (c *RelayClient) readResponse() (int, []string, error) {
	var lines []string
	code := 0
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.config.Timeout))
		raw, err := c.reader.ReadString('\n')
		if err != nil {
			return 0, lines, fmt.Errorf("relay: read: %w", err)
		}
		line := strings.TrimRight(raw, "\r\n")
		if len(line) < 3 {
			return 0, lines, fmt.Errorf("relay: malformed reply %q", line)
		}
		parsed, err := strconv.Atoi(line[:3])
		if err != nil {
			return 0, lines, fmt.Errorf("relay: malformed reply %q", line)
		}
		code = parsed

		more := len(line) > 3 && line[3] == '-'
		rest := ""
		if len(line) > 4 {
			rest = strings.TrimSpace(line[4:])
		}
		lines = append(lines, rest)
		if !more {
			return code, lines, nil
		}
	}
}
