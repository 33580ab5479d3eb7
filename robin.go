// Package robin is a programmable SMTP server and client toolkit for
// MTA testing, staging traffic generation and message relaying.
//
// The server side is a listener/session/state-machine engine: each
// accepted connection gets a worker from a bounded pool, a Session
// holding its envelopes and a TransactionLog recording every wire
// exchange for assertion-based tests. Received bodies run through a
// streaming MIME parser that decodes Base64 and quoted-printable
// content and digests every leaf part.
//
// # Quick start
//
// Serve the three standard listeners from a configuration file:
//
//	config, err := robin.LoadServerConfig("server.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	server, err := robin.NewServer(config)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	log.Fatal(server.ListenAndServe())
//
// # Scenarios
//
// Behaviour scenarios substitute canned replies for MAIL, RCPT, DATA
// and STARTTLS, selected by the client's HELO/EHLO/LHLO identity:
//
//	scenarios:
//	  reject:
//	    helo: bad.example
//	    rcpt:
//	      - value: c@d
//	        response: "550 Blocked"
//
// Canned responses may reference magic variables with {$name} tokens,
// resolved against the session's magic map.
//
// # Transaction log
//
// Every session records (command, payload, response, error) entries in
// wire order. Non-repeatable verbs are recorded once; SMTP banners,
// RCPT and BDAT repeat. Harnesses query the log with ByCommand,
// Errors, Recipients and FailedRecipients, and may snapshot it as
// MessagePack.
//
// # Relaying
//
// After a message is acknowledged, storage may relay it through the
// outbound RelayClient when the X-Robin-Relay header is present or
// relaying is enabled globally. The relay client mirrors the server
// dialog from the client side and keeps its own TransactionLog.
package robin

// Command is an SMTP verb as recorded in the transaction log.
type Command string

const (
	// CmdBanner records the initial 220 greeting under the pseudo-verb
	// SMTP, the way assertion harnesses expect to find it.
	CmdBanner   Command = "SMTP"
	CmdHelo     Command = "HELO"
	CmdEhlo     Command = "EHLO"
	CmdLhlo     Command = "LHLO"
	CmdStartTLS Command = "STARTTLS"
	CmdAuth     Command = "AUTH"
	CmdMail     Command = "MAIL"
	CmdRcpt     Command = "RCPT"
	CmdData     Command = "DATA"
	CmdBdat     Command = "BDAT"
	CmdRset     Command = "RSET"
	CmdNoop     Command = "NOOP"
	CmdQuit     Command = "QUIT"
)
