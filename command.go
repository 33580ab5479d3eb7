package robin

import (
	"fmt"
	"strings"
)

// parseCommand splits a command line into verb and arguments.
func parseCommand(line string) (Command, string, error) {
	verb, args, found := strings.Cut(line, " ")
	if !found {
		cmd, err := canonicalizeVerb(verb)
		return cmd, "", err
	}
	cmd, err := canonicalizeVerb(verb)
	return cmd, strings.TrimSpace(args), err
}

// canonicalizeVerb matches the verb case-insensitively without
// allocating an upper-cased copy.
func canonicalizeVerb(verb string) (Command, error) {
	switch len(verb) {
	case 4:
		if strings.EqualFold(verb, "HELO") {
			return CmdHelo, nil
		}
		if strings.EqualFold(verb, "EHLO") {
			return CmdEhlo, nil
		}
		if strings.EqualFold(verb, "LHLO") {
			return CmdLhlo, nil
		}
		if strings.EqualFold(verb, "MAIL") {
			return CmdMail, nil
		}
		if strings.EqualFold(verb, "RCPT") {
			return CmdRcpt, nil
		}
		if strings.EqualFold(verb, "DATA") {
			return CmdData, nil
		}
		if strings.EqualFold(verb, "BDAT") {
			return CmdBdat, nil
		}
		if strings.EqualFold(verb, "RSET") {
			return CmdRset, nil
		}
		if strings.EqualFold(verb, "NOOP") {
			return CmdNoop, nil
		}
		if strings.EqualFold(verb, "QUIT") {
			return CmdQuit, nil
		}
		if strings.EqualFold(verb, "AUTH") {
			return CmdAuth, nil
		}
	case 8:
		if strings.EqualFold(verb, "STARTTLS") {
			return CmdStartTLS, nil
		}
	}
	return "", fmt.Errorf("unknown command: %s", verb)
}

// isGreeting reports whether the verb opens a session dialog.
func isGreeting(cmd Command) bool {
	return cmd == CmdHelo || cmd == CmdEhlo || cmd == CmdLhlo
}
