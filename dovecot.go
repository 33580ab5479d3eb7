package robin

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// DovecotClient verifies credentials against a Dovecot auth socket
// speaking the Dovecot authentication protocol v1.1. Only clear-text
// verification is possible over the socket, so Lookup always reports
// not-ok and digest mechanisms fall back to 535.
type DovecotClient struct {
	socketPath string
	timeout    time.Duration
}

// NewDovecotClient creates a client for the given auth-userdb socket.
func NewDovecotClient(socketPath string) *DovecotClient {
	return &DovecotClient{
		socketPath: socketPath,
		timeout:    10 * time.Second,
	}
}

// Verify runs one PLAIN authentication request over the socket.
func (d *DovecotClient) Verify(username, password string) bool {
	ok, err := d.verify(username, password)
	return err == nil && ok
}

// Lookup cannot reveal passwords over the Dovecot socket.
func (d *DovecotClient) Lookup(string) (string, bool) {
	return "", false
}

func (d *DovecotClient) verify(username, password string) (bool, error) {
	conn, err := net.DialTimeout("unix", d.socketPath, d.timeout)
	if err != nil {
		return false, fmt.Errorf("dovecot: dial: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(d.timeout))

	reader := bufio.NewReader(conn)

	// Handshake: announce protocol version and our pid, then read the
	// server's mechanism advertisement up to DONE.
	if _, err := fmt.Fprintf(conn, "VERSION\t1\t1\nCPID\t%d\n", os.Getpid()); err != nil {
		return false, fmt.Errorf("dovecot: handshake: %w", err)
	}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return false, fmt.Errorf("dovecot: handshake read: %w", err)
		}
		if strings.HasPrefix(line, "DONE") {
			break
		}
	}

	resp := base64.StdEncoding.EncodeToString([]byte("\x00" + username + "\x00" + password))
	if _, err := fmt.Fprintf(conn, "AUTH\t1\tPLAIN\tservice=smtp\tresp=%s\n", resp); err != nil {
		return false, fmt.Errorf("dovecot: auth request: %w", err)
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return false, fmt.Errorf("dovecot: auth read: %w", err)
		}
		switch {
		case strings.HasPrefix(line, "OK\t"):
			return true, nil
		case strings.HasPrefix(line, "FAIL\t"):
			return false, nil
		case strings.HasPrefix(line, "CONT\t"):
			// PLAIN carried the full response already; a continuation
			// means the server disagrees about the mechanism.
			return false, fmt.Errorf("dovecot: unexpected continuation")
		}
	}
}
