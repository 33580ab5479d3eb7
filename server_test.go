package robin

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"math/big"
	"net"
	"os"
	"strings"
	"testing"
	"time"
)

// cramDigest computes the CRAM-MD5 client proof.
func cramDigest(challenge []byte, password string) string {
	mac := hmac.New(md5.New, []byte(password))
	mac.Write(challenge)
	return hex.EncodeToString(mac.Sum(nil))
}

// testClient is a bare-bones SMTP client for integration tests.
type testClient struct {
	conn   net.Conn
	reader *bufio.Reader
	t      *testing.T
}

func newTestClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	_ = conn.SetDeadline(time.Now().Add(15 * time.Second))
	return &testClient{conn: conn, reader: bufio.NewReader(conn), t: t}
}

func (c *testClient) close() {
	_ = c.conn.Close()
}

func (c *testClient) send(line string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(line + "\r\n")); err != nil {
		c.t.Fatalf("send %q: %v", line, err)
	}
}

func (c *testClient) sendRaw(data []byte) {
	c.t.Helper()
	if _, err := c.conn.Write(data); err != nil {
		c.t.Fatalf("send raw: %v", err)
	}
}

func (c *testClient) readLine() string {
	c.t.Helper()
	line, err := c.reader.ReadString('\n')
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

// readReply reads one reply including continuation lines and returns
// the joined text.
func (c *testClient) readReply() string {
	c.t.Helper()
	var lines []string
	for {
		line := c.readLine()
		lines = append(lines, line)
		if len(line) < 4 || line[3] == ' ' {
			break
		}
	}
	return strings.Join(lines, "\n")
}

func (c *testClient) expect(prefix string) string {
	c.t.Helper()
	reply := c.readReply()
	if !strings.HasPrefix(reply, prefix) {
		c.t.Fatalf("expected reply %q, got %q", prefix, reply)
	}
	return reply
}

// startTLS upgrades the test client connection.
func (c *testClient) startTLS() {
	c.t.Helper()
	tlsConn := tls.Client(c.conn, &tls.Config{InsecureSkipVerify: true})
	if err := tlsConn.Handshake(); err != nil {
		c.t.Fatalf("client TLS handshake: %v", err)
	}
	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	_ = c.conn.SetDeadline(time.Now().Add(15 * time.Second))
}

// startTestServer serves one listener on a loopback port and funnels
// finished sessions into the returned channel.
func startTestServer(t *testing.T, mode ListenerMode, mutate func(*ServerConfig)) (*Server, string, chan *Session) {
	t.Helper()

	config := DefaultServerConfig()
	config.Hostname = "mx.test"
	config.SMTPPort = 0
	config.SecurePort = 0
	config.SubmissionPort = 0
	if mutate != nil {
		mutate(&config)
	}

	server, err := NewServer(config)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	sessions := make(chan *Session, 16)
	server.OnSessionDone(func(s *Session) {
		sessions <- s
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		_ = server.Serve(ln, mode)
	}()
	t.Cleanup(func() {
		_ = server.Shutdown()
	})

	return server, ln.Addr().String(), sessions
}

func waitSession(t *testing.T, sessions chan *Session) *Session {
	t.Helper()
	select {
	case s := <-sessions:
		return s
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for session")
		return nil
	}
}

// testTLSContext builds an ephemeral self-signed server certificate.
func testTLSContext(t *testing.T) *TLSContext {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "mx.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"mx.test"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}
	return NewTLSContext(&tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
}

func TestPlainDelivery(t *testing.T) {
	store := t.TempDir()
	_, addr, sessions := startTestServer(t, ModeSMTP, func(c *ServerConfig) {
		c.Storage = StorageConfig{Enabled: true, Path: store}
	})

	c := newTestClient(t, addr)
	defer c.close()

	c.expect("220")
	c.send("HELO mx.client")
	c.expect("250")
	c.send("MAIL FROM:<a@b>")
	c.expect("250")
	c.send("RCPT TO:<c@d>")
	c.expect("250")
	c.send("DATA")
	c.expect("354")
	c.sendRaw([]byte("Subject: x\r\n\r\nhello\r\n.\r\n"))
	c.expect("250")
	c.send("QUIT")
	c.expect("221")

	session := waitSession(t, sessions)

	wantVerbs := []string{"SMTP", "HELO", "MAIL", "RCPT", "DATA", "QUIT"}
	all := session.Log.All()
	if len(all) != len(wantVerbs) {
		t.Fatalf("got %d transactions %+v, want %d", len(all), all, len(wantVerbs))
	}
	for i, tx := range all {
		if tx.Command != wantVerbs[i] {
			t.Errorf("transaction %d: got %s, want %s", i, tx.Command, wantVerbs[i])
		}
		if tx.Err {
			t.Errorf("transaction %d (%s) flagged as error: %q", i, tx.Command, tx.Response)
		}
	}

	envs := session.Envelopes()
	if len(envs) != 1 {
		t.Fatalf("got %d envelopes", len(envs))
	}
	env := envs[0]
	if env.Sender != "a@b" {
		t.Errorf("sender: got %q", env.Sender)
	}
	if len(env.Recipients) != 1 || env.Recipients[0] != "c@d" {
		t.Errorf("recipients: got %v", env.Recipients)
	}
	if env.File == "" {
		t.Fatal("envelope has no stored file")
	}
	content, err := os.ReadFile(env.File)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "Subject: x\r\n\r\nhello\r\n" {
		t.Errorf("stored content: got %q", content)
	}
}

func TestScenarioRejectRcpt(t *testing.T) {
	_, addr, sessions := startTestServer(t, ModeSMTP, func(c *ServerConfig) {
		c.Scenarios = map[string]*Scenario{
			"reject": {
				Helo: "bad.example",
				Rcpt: []ScenarioRcpt{{Value: "c@d", Response: "550 Blocked"}},
			},
		}
	})

	c := newTestClient(t, addr)
	defer c.close()

	c.expect("220")
	c.send("HELO bad.example")
	c.expect("250")
	c.send("MAIL FROM:<a@b>")
	c.expect("250")
	c.send("RCPT TO:<c@d>")
	c.expect("550")
	c.send("DATA")
	c.expect("503")
	c.send("QUIT")
	c.expect("221")

	session := waitSession(t, sessions)

	failed := session.Log.FailedRecipients()
	if len(failed) != 1 || failed[0] != "c@d" {
		t.Errorf("FailedRecipients: got %v", failed)
	}
	if !session.Log.HasDataError() {
		t.Error("DATA rejection should be in the log")
	}
	// Scenario-injected failures do not count toward the error limit;
	// only the DATA sequence violation does.
	if session.ErrorCount() != 1 {
		t.Errorf("error count: got %d, want 1", session.ErrorCount())
	}
}

func TestAuthPlain(t *testing.T) {
	_, addr, sessions := startTestServer(t, ModeSMTP, func(c *ServerConfig) {
		c.Auth = true
		c.Users = []UserConfig{{Name: "alice", Password: "s3cret"}}
	})

	c := newTestClient(t, addr)
	defer c.close()

	c.expect("220")
	c.send("EHLO mx.client")
	reply := c.expect("250")
	if !strings.Contains(reply, "AUTH ") || !strings.Contains(reply, "PLAIN") {
		t.Fatalf("EHLO should advertise AUTH PLAIN, got %q", reply)
	}

	blob := base64.StdEncoding.EncodeToString([]byte("\x00alice\x00s3cret"))
	c.send("AUTH PLAIN " + blob)
	c.expect("235")

	c.send("MAIL FROM:<alice@mx.test>")
	c.expect("250")

	// Auth is sticky across RSET.
	c.send("RSET")
	c.expect("250")
	c.send("MAIL FROM:<alice@mx.test>")
	c.expect("250")

	c.send("QUIT")
	c.expect("221")

	session := waitSession(t, sessions)
	if !session.Auth.Authenticated || session.Auth.Identity != "alice" {
		t.Errorf("auth: got %+v", session.Auth)
	}
	if session.Auth.Mechanism != "PLAIN" {
		t.Errorf("mechanism: got %q", session.Auth.Mechanism)
	}
}

func TestAuthPlainBadCredentials(t *testing.T) {
	_, addr, sessions := startTestServer(t, ModeSMTP, func(c *ServerConfig) {
		c.Auth = true
		c.Users = []UserConfig{{Name: "alice", Password: "s3cret"}}
	})

	c := newTestClient(t, addr)
	defer c.close()

	c.expect("220")
	c.send("EHLO mx.client")
	c.expect("250")

	blob := base64.StdEncoding.EncodeToString([]byte("\x00alice\x00wrong"))
	c.send("AUTH PLAIN " + blob)
	c.expect("535")
	c.send("QUIT")
	c.expect("221")

	session := waitSession(t, sessions)
	if session.Auth.Authenticated {
		t.Error("session should not be authenticated")
	}
	if session.ErrorCount() != 1 {
		t.Errorf("auth failure should count one error, got %d", session.ErrorCount())
	}
}

func TestAuthCramMD5(t *testing.T) {
	_, addr, sessions := startTestServer(t, ModeSMTP, func(c *ServerConfig) {
		c.Auth = true
		c.Users = []UserConfig{{Name: "alice", Password: "s3cret"}}
	})

	c := newTestClient(t, addr)
	defer c.close()

	c.expect("220")
	c.send("EHLO mx.client")
	c.expect("250")

	c.send("AUTH CRAM-MD5")
	challengeReply := c.expect("334")
	challenge, err := base64.StdEncoding.DecodeString(strings.TrimSpace(challengeReply[4:]))
	if err != nil {
		t.Fatalf("challenge decode: %v", err)
	}

	digest := cramDigest(challenge, "s3cret")
	c.send(base64.StdEncoding.EncodeToString([]byte("alice " + digest)))
	c.expect("235")
	c.send("QUIT")
	c.expect("221")

	session := waitSession(t, sessions)
	if session.Auth.Identity != "alice" || session.Auth.Mechanism != "CRAM-MD5" {
		t.Errorf("auth: got %+v", session.Auth)
	}
}

func TestStartTLSThenRegreet(t *testing.T) {
	server, addr, sessions := startTestServer(t, ModeSMTP, nil)
	server.SetTLSContext(testTLSContext(t))

	c := newTestClient(t, addr)
	defer c.close()

	c.expect("220")
	c.send("EHLO mx.client")
	reply := c.expect("250")
	if !strings.Contains(reply, "STARTTLS") {
		t.Fatalf("EHLO should advertise STARTTLS, got %q", reply)
	}

	c.send("STARTTLS")
	c.expect("220")
	c.startTLS()

	// The session was rewound: MAIL before a fresh greeting is a
	// sequence violation.
	c.send("MAIL FROM:<a@b>")
	c.expect("503")

	c.send("EHLO mx.client")
	reply = c.expect("250")
	if strings.Contains(reply, "STARTTLS") {
		t.Errorf("post-upgrade EHLO must not advertise STARTTLS: %q", reply)
	}

	c.send("QUIT")
	c.expect("221")

	session := waitSession(t, sessions)
	if !session.TLS.Enabled {
		t.Error("session should record TLS")
	}
}

func TestScenarioStartTLSRefusalSkipsHandshake(t *testing.T) {
	server, addr, sessions := startTestServer(t, ModeSMTP, func(c *ServerConfig) {
		c.Scenarios = map[string]*Scenario{
			"notls": {
				Ehlo:     "plain.example",
				StartTLS: "454 TLS not available",
			},
		}
	})
	server.SetTLSContext(testTLSContext(t))

	c := newTestClient(t, addr)
	defer c.close()

	c.expect("220")
	c.send("EHLO plain.example")
	c.expect("250")
	c.send("STARTTLS")
	c.expect("454")

	// No handshake happened: the dialog continues in clear text.
	c.send("NOOP")
	c.expect("250")
	c.send("QUIT")
	c.expect("221")

	session := waitSession(t, sessions)
	if session.TLS.Enabled {
		t.Error("TLS must not be active after a refused STARTTLS")
	}
	// Scenario-injected refusal does not count as an error.
	if session.ErrorCount() != 0 {
		t.Errorf("error count: got %d, want 0", session.ErrorCount())
	}
}

func TestImplicitTLS(t *testing.T) {
	server, addr, sessions := startTestServer(t, ModeSMTPS, nil)
	server.SetTLSContext(testTLSContext(t))

	conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("tls dial: %v", err)
	}
	c := &testClient{conn: conn, reader: bufio.NewReader(conn), t: t}
	_ = conn.SetDeadline(time.Now().Add(15 * time.Second))
	defer c.close()

	c.expect("220")
	c.send("EHLO mx.client")
	reply := c.expect("250")
	if strings.Contains(reply, "STARTTLS") {
		t.Errorf("implicit TLS must not advertise STARTTLS: %q", reply)
	}
	c.send("QUIT")
	c.expect("221")

	session := waitSession(t, sessions)
	if !session.TLS.Enabled {
		t.Error("session should record TLS")
	}
}

func TestBdatChunkedDelivery(t *testing.T) {
	store := t.TempDir()
	_, addr, sessions := startTestServer(t, ModeSMTP, func(c *ServerConfig) {
		c.Storage = StorageConfig{Enabled: true, Path: store}
	})

	c := newTestClient(t, addr)
	defer c.close()

	c.expect("220")
	c.send("EHLO mx.client")
	reply := c.expect("250")
	if !strings.Contains(reply, "CHUNKING") {
		t.Fatalf("EHLO should advertise CHUNKING, got %q", reply)
	}
	c.send("MAIL FROM:<a@b>")
	c.expect("250")
	c.send("RCPT TO:<c@d>")
	c.expect("250")

	c.sendRaw([]byte("BDAT 10\r\n0123456789"))
	c.expect("250")
	c.sendRaw([]byte("BDAT 5 LAST\r\nabcde"))
	c.expect("250")
	c.send("QUIT")
	c.expect("221")

	session := waitSession(t, sessions)

	if got := len(session.Log.ByCommand(CmdBdat)); got != 2 {
		t.Errorf("BDAT transactions: got %d, want 2", got)
	}

	envs := session.Envelopes()
	if len(envs) != 1 || envs[0].File == "" {
		t.Fatalf("envelope: got %+v", envs)
	}
	content, err := os.ReadFile(envs[0].File)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "0123456789abcde" {
		t.Errorf("body: got %q, want %q", content, "0123456789abcde")
	}
}

func TestNonASCIIAddressRejected(t *testing.T) {
	_, addr, sessions := startTestServer(t, ModeSMTP, nil)

	c := newTestClient(t, addr)
	defer c.close()

	c.expect("220")
	c.send("HELO mx.client")
	c.expect("250")
	c.send("MAIL FROM:<bücher@example.test>")
	c.expect("553")
	c.send("MAIL FROM:<a@b>")
	c.expect("250")
	c.send("RCPT TO:<café@example.test>")
	c.expect("553")
	c.send("RCPT TO:<c@d>")
	c.expect("250")
	c.send("QUIT")
	c.expect("221")

	session := waitSession(t, sessions)
	failed := session.Log.FailedRecipients()
	if len(failed) != 1 || failed[0] != "café@example.test" {
		t.Errorf("FailedRecipients: got %v", failed)
	}
	env := session.Envelopes()[0]
	if len(env.Recipients) != 1 || env.Recipients[0] != "c@d" {
		t.Errorf("recipients: got %v", env.Recipients)
	}
}

func TestScenarioDataOverride(t *testing.T) {
	store := t.TempDir()
	_, addr, sessions := startTestServer(t, ModeSMTP, func(c *ServerConfig) {
		c.Storage = StorageConfig{Enabled: true, Path: store}
		c.Scenarios = map[string]*Scenario{
			"refuse-data": {
				Helo: "refuse.example",
				Data: "554 Message refused",
			},
		}
	})

	c := newTestClient(t, addr)
	defer c.close()

	c.expect("220")
	c.send("HELO refuse.example")
	c.expect("250")
	c.send("MAIL FROM:<a@b>")
	c.expect("250")
	c.send("RCPT TO:<c@d>")
	c.expect("250")
	c.send("DATA")
	c.expect("354")
	c.sendRaw([]byte("Subject: x\r\n\r\nrefused body\r\n.\r\n"))
	c.expect("554")
	c.send("QUIT")
	c.expect("221")

	session := waitSession(t, sessions)
	if !session.Log.HasDataError() {
		t.Error("DATA override should be logged as an error")
	}
	// Scenario-injected failures are test fixtures, not client faults.
	if session.ErrorCount() != 0 {
		t.Errorf("error count: got %d, want 0", session.ErrorCount())
	}
	if env := session.Envelopes()[0]; env.File != "" {
		t.Errorf("refused message must not be stored, got %q", env.File)
	}
}

func TestScenarioMailOverrideWithMagic(t *testing.T) {
	_, addr, sessions := startTestServer(t, ModeSMTP, func(c *ServerConfig) {
		c.Scenarios = map[string]*Scenario{
			"greet-back": {
				Helo: "magic.example",
				Mail: "451 not today, {$helo}",
			},
		}
	})

	c := newTestClient(t, addr)
	defer c.close()

	c.expect("220")
	c.send("HELO magic.example")
	c.expect("250")
	c.send("MAIL FROM:<a@b>")
	reply := c.expect("451")
	if !strings.Contains(reply, "not today, magic.example") {
		t.Errorf("magic substitution missing: %q", reply)
	}
	c.send("QUIT")
	c.expect("221")

	session := waitSession(t, sessions)
	if session.ErrorCount() != 0 {
		t.Errorf("scenario rejection should not count errors, got %d", session.ErrorCount())
	}
	if len(session.Envelopes()) != 0 {
		t.Error("rejected MAIL must not open an envelope")
	}
}

func TestErrorLimitClosesSession(t *testing.T) {
	_, addr, sessions := startTestServer(t, ModeSMTP, nil)

	c := newTestClient(t, addr)
	defer c.close()

	c.expect("220")
	// errorLimit defaults to 3: the fourth garbage command trips it.
	for i := 0; i < 3; i++ {
		c.send("GARBAGE nonsense")
		c.expect("500")
	}
	c.send("GARBAGE nonsense")
	c.expect("500")
	c.expect("421")

	session := waitSession(t, sessions)
	if session.ErrorCount() != 4 {
		t.Errorf("error count: got %d, want 4", session.ErrorCount())
	}
}

func TestTransactionLimitClosesSession(t *testing.T) {
	_, addr, _ := startTestServer(t, ModeSMTP, func(c *ServerConfig) {
		c.TransactionsLimit = 3
	})

	c := newTestClient(t, addr)
	defer c.close()

	c.expect("220")
	for i := 0; i < 3; i++ {
		c.send("NOOP")
		c.expect("250")
	}
	c.send("NOOP")
	c.expect("421")
}

func TestSubmissionRequiresAuth(t *testing.T) {
	_, addr, _ := startTestServer(t, ModeSubmission, func(c *ServerConfig) {
		c.Auth = true
		c.Users = []UserConfig{{Name: "alice", Password: "s3cret"}}
	})

	c := newTestClient(t, addr)
	defer c.close()

	c.expect("220")
	c.send("EHLO mx.client")
	c.expect("250")
	c.send("MAIL FROM:<a@b>")
	c.expect("530")

	blob := base64.StdEncoding.EncodeToString([]byte("\x00alice\x00s3cret"))
	c.send("AUTH PLAIN " + blob)
	c.expect("235")
	c.send("MAIL FROM:<a@b>")
	c.expect("250")
	c.send("QUIT")
	c.expect("221")
}

func TestRsetOpensNewEnvelope(t *testing.T) {
	_, addr, sessions := startTestServer(t, ModeSMTP, nil)

	c := newTestClient(t, addr)
	defer c.close()

	c.expect("220")
	c.send("HELO mx.client")
	c.expect("250")
	c.send("MAIL FROM:<first@x>")
	c.expect("250")
	c.send("RSET")
	c.expect("250")
	c.send("MAIL FROM:<second@x>")
	c.expect("250")
	c.send("QUIT")
	c.expect("221")

	session := waitSession(t, sessions)
	envs := session.Envelopes()
	if len(envs) != 2 {
		t.Fatalf("got %d envelopes, want 2", len(envs))
	}
	if envs[0].Sender != "first@x" || envs[1].Sender != "second@x" {
		t.Errorf("senders: %q, %q", envs[0].Sender, envs[1].Sender)
	}
}

func TestXRobinFilenameRename(t *testing.T) {
	store := t.TempDir()
	_, addr, sessions := startTestServer(t, ModeSMTP, func(c *ServerConfig) {
		c.Storage = StorageConfig{Enabled: true, Path: store}
	})

	c := newTestClient(t, addr)
	defer c.close()

	c.expect("220")
	c.send("HELO mx.client")
	c.expect("250")
	c.send("MAIL FROM:<a@b>")
	c.expect("250")
	c.send("RCPT TO:<c@d>")
	c.expect("250")
	c.send("DATA")
	c.expect("354")
	c.sendRaw([]byte("X-Robin-Filename: renamed.eml\r\nSubject: x\r\n\r\nbody\r\n.\r\n"))
	c.expect("250")
	c.send("QUIT")
	c.expect("221")

	session := waitSession(t, sessions)
	env := session.Envelopes()[0]
	if !strings.HasSuffix(env.File, "renamed.eml") {
		t.Errorf("file: got %q, want renamed.eml suffix", env.File)
	}
	if _, err := os.Stat(env.File); err != nil {
		t.Errorf("renamed file missing: %v", err)
	}
}
