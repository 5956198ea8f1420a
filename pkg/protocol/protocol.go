// Package protocol implements the line-oriented chat wire protocol.
//
// Every command and event is a single UTF-8 line. Client commands start
// with an uppercase keyword followed by whitespace-separated arguments;
// the final argument (message text, base64 chunk) runs to end of line.
// Server events are formatted by the helpers in events.go.
package protocol

import (
	"regexp"
	"strings"
	"unicode"
)

// BroadcastTarget is the single shared channel every session receives.
const BroadcastTarget = "#general"

// Typing indicator states relayed between sessions.
const (
	TypingStart = "START"
	TypingStop  = "STOP"
)

var usernameRegex = regexp.MustCompile(`^[A-Za-z0-9_]{1,20}$`)

// ValidUsername reports whether name is acceptable as a username.
func ValidUsername(name string) bool {
	return usernameRegex.MatchString(name)
}

// SplitCommand splits an input line into the command keyword, its first
// argument, and the remainder. The keyword is uppercased so dispatch is
// case-insensitive. The remainder keeps its internal whitespace intact:
// it is the message text for MSG/DM and must be forwarded verbatim.
// Missing parts come back as empty strings.
func SplitCommand(line string) (cmd, arg, rest string) {
	parts := splitWhitespace(line, 3)
	if len(parts) > 0 {
		cmd = strings.ToUpper(parts[0])
	}
	if len(parts) > 1 {
		arg = parts[1]
	}
	if len(parts) > 2 {
		rest = parts[2]
	}
	return cmd, arg, rest
}

// splitWhitespace splits s on runs of whitespace into at most n parts,
// leaving the final part unsplit.
func splitWhitespace(s string, n int) []string {
	s = strings.TrimSpace(s)
	var parts []string
	for s != "" && len(parts) < n-1 {
		i := strings.IndexFunc(s, unicode.IsSpace)
		if i < 0 {
			break
		}
		parts = append(parts, s[:i])
		s = strings.TrimLeftFunc(s[i:], unicode.IsSpace)
	}
	if s != "" {
		parts = append(parts, s)
	}
	return parts
}
