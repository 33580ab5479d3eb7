package robin

import (
	"testing"
)

func TestParseServerConfig(t *testing.T) {
	yaml := `
hostname: mx.test
smtpPort: 2525
auth: true
errorLimit: 5
users:
  - name: alice
    pass: s3cret
scenarios:
  reject:
    helo: bad.example
    rcpt:
      - value: c@d
        response: "550 Blocked"
    data: "554 no thanks"
storage:
  enabled: true
  path: /tmp/robin-store
relay:
  enabled: true
  host: relay.test
  port: 2526
`
	config, err := ParseServerConfig([]byte(yaml))
	if err != nil {
		t.Fatal(err)
	}

	if config.Hostname != "mx.test" {
		t.Errorf("hostname: got %q", config.Hostname)
	}
	if config.SMTPPort != 2525 {
		t.Errorf("smtpPort: got %d", config.SMTPPort)
	}
	if !config.Auth {
		t.Error("auth should be enabled")
	}
	if config.ErrorLimit != 5 {
		t.Errorf("errorLimit: got %d", config.ErrorLimit)
	}

	// Defaults fill in what the file leaves out.
	if config.TransactionsLimit != 200 {
		t.Errorf("transactionsLimit default: got %d", config.TransactionsLimit)
	}
	if config.Backlog != 25 {
		t.Errorf("backlog default: got %d", config.Backlog)
	}
	if config.MaximumPoolSize != 10 {
		t.Errorf("maximumPoolSize default: got %d", config.MaximumPoolSize)
	}

	user, ok := config.User("alice")
	if !ok || user.Password != "s3cret" {
		t.Errorf("user: got %+v ok=%v", user, ok)
	}

	sc, ok := config.Scenarios["reject"]
	if !ok {
		t.Fatal("scenario missing")
	}
	if sc.Helo != "bad.example" || sc.Data != "554 no thanks" {
		t.Errorf("scenario: got %+v", sc)
	}
	if len(sc.Rcpt) != 1 || sc.Rcpt[0].Response != "550 Blocked" {
		t.Errorf("scenario rcpt: got %+v", sc.Rcpt)
	}

	if !config.Storage.Enabled || config.Storage.Path != "/tmp/robin-store" {
		t.Errorf("storage: got %+v", config.Storage)
	}
	if !config.Relay.Enabled || config.Relay.Host != "relay.test" || config.Relay.Port != 2526 {
		t.Errorf("relay: got %+v", config.Relay)
	}
}

func TestParseServerConfigUnknownKeys(t *testing.T) {
	// Unknown keys warn at startup but do not fail.
	config, err := ParseServerConfig([]byte("hostname: mx.test\nnoSuchKey: true\n"))
	if err != nil {
		t.Fatalf("unknown key should not fail: %v", err)
	}
	if config.Hostname != "mx.test" {
		t.Errorf("got %q", config.Hostname)
	}
}

func TestDefaultServerConfig(t *testing.T) {
	config := DefaultServerConfig()
	if config.SMTPPort != 25 || config.SecurePort != 465 || config.SubmissionPort != 587 {
		t.Errorf("ports: %d/%d/%d", config.SMTPPort, config.SecurePort, config.SubmissionPort)
	}
	if config.TransactionsLimit != 200 || config.ErrorLimit != 3 {
		t.Errorf("limits: %d/%d", config.TransactionsLimit, config.ErrorLimit)
	}
	if !config.StartTLS || !config.Chunking {
		t.Error("starttls and chunking default on")
	}
}
