package talk

import (
	"fmt"
	"strings"
)

// Message represents a parsed protocol line.
type Message struct {
	Prefix      string
	Command     string
	Params      []string
	HasTrailing bool
}

// ParseMessage parses a protocol line of the form
// "[:prefix ] COMMAND param* [ :trailing]". It returns nil for lines it
// cannot make sense of.
func ParseMessage(line string) *Message {
	if line == "" {
		return nil
	}

	msg := &Message{
		Params: make([]string, 0),
	}

	// Check if the message has a prefix
	if line[0] == ':' {
		parts := strings.SplitN(line[1:], " ", 2)
		if len(parts) < 2 {
			return nil
		}
		msg.Prefix = parts[0]
		line = parts[1]
	}

	parts := strings.SplitN(line, " ", 2)
	if parts[0] == "" {
		return nil
	}

	msg.Command = strings.ToUpper(parts[0])
	if len(parts) > 1 {
		paramPart := parts[1]

		for paramPart != "" {
			// A parameter starting with a colon extends to end of line
			// and may contain spaces.
			if paramPart[0] == ':' {
				msg.Params = append(msg.Params, paramPart[1:])
				msg.HasTrailing = true
				break
			}

			parts := strings.SplitN(paramPart, " ", 2)
			if parts[0] != "" {
				msg.Params = append(msg.Params, parts[0])
			}
			if len(parts) > 1 {
				paramPart = parts[1]
			} else {
				break
			}
		}
	}

	return msg
}

// IsNumeric reports whether the command token is a 3-digit reply code
// received from a peer. Such lines are accepted but not interpreted.
func (m *Message) IsNumeric() bool {
	if len(m.Command) != 3 {
		return false
	}
	for _, ch := range m.Command {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return true
}

// String returns the wire representation of the message, without the
// line terminator.
func (m *Message) String() string {
	var builder strings.Builder

	if m.Prefix != "" {
		builder.WriteString(":")
		builder.WriteString(m.Prefix)
		builder.WriteString(" ")
	}

	builder.WriteString(m.Command)

	for i, param := range m.Params {
		builder.WriteString(" ")

		if i == len(m.Params)-1 && (strings.Contains(param, " ") || strings.HasPrefix(param, ":") || param == "") {
			builder.WriteString(":")
		}
		builder.WriteString(param)
	}

	return builder.String()
}

// ParseHostmask parses a hostmask (nick!user@host).
func ParseHostmask(hostmask string) (nick, user, host string) {
	nickParts := strings.SplitN(hostmask, "!", 2)
	if len(nickParts) < 2 {
		nick = hostmask
		return
	}
	nick = nickParts[0]

	userHostParts := strings.SplitN(nickParts[1], "@", 2)
	if len(userHostParts) < 2 {
		user = nickParts[1]
		return
	}
	user = userHostParts[0]
	host = userHostParts[1]

	return
}

// FormatHostmask formats a hostmask.
func FormatHostmask(nick, user, host string) string {
	return fmt.Sprintf("%s!%s@%s", nick, user, host)
}

// wildcardMatch performs simple wildcard matching with '*'.
func wildcardMatch(s, pattern string) bool {
	if pattern == "*" {
		return true
	}

	if !strings.Contains(pattern, "*") {
		return s == pattern
	}

	parts := strings.Split(pattern, "*")

	if parts[0] != "" && !strings.HasPrefix(s, parts[0]) {
		return false
	}
	if parts[len(parts)-1] != "" && !strings.HasSuffix(s, parts[len(parts)-1]) {
		return false
	}

	pos := 0
	for _, part := range parts {
		if part == "" {
			continue
		}
		newPos := strings.Index(s[pos:], part)
		if newPos == -1 {
			return false
		}
		pos += newPos + len(part)
	}

	return true
}

// isValidNickname checks if a nickname is valid.
func isValidNickname(nick string, maxLen int) bool {
	if len(nick) < 1 || len(nick) > maxLen {
		return false
	}

	for i, ch := range nick {
		// First character can't be a number
		if i == 0 && ch >= '0' && ch <= '9' {
			return false
		}

		if !((ch >= 'A' && ch <= 'Z') ||
			(ch >= 'a' && ch <= 'z') ||
			(ch >= '0' && ch <= '9') ||
			strings.ContainsRune("-_[]{}|\\", ch)) {
			return false
		}
	}

	return true
}

// isValidChannelName checks if a channel name is valid.
func isValidChannelName(name string) bool {
	if len(name) < 2 {
		return false
	}

	// Must start with # or &
	if name[0] != '#' && name[0] != '&' {
		return false
	}

	// Can't contain spaces, ASCII 7 (bell), commas, colons, or NULL bytes
	if strings.ContainsAny(name, " ,:\x00\x07") {
		return false
	}

	return true
}
