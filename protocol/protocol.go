// Package protocol implements the line protocol spoken on the TCP listener.
//
// A packet is one line: a type followed by fields, separated by '|'. Inside a
// field the characters | , \ and line breaks are escaped with a backslash.
package protocol

import (
	"errors"
	"strings"
)

var ErrInvalidPacket = errors.New("invalid packet format")

// MaxLineLength bounds a single packet, terminator included.
const MaxLineLength = 64 * 1024

type Packet struct {
	Type   string
	Fields []string // unescaped
}

// Field returns the i-th field, or "" when the packet is shorter.
func (p *Packet) Field(i int) string {
	if i < 0 || i >= len(p.Fields) {
		return ""
	}
	return p.Fields[i]
}

func ParsePacket(line string) (*Packet, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	if line == "" || len(line) > MaxLineLength {
		return nil, ErrInvalidPacket
	}

	parts := split(line, '|')
	pkt := &Packet{Type: unescape(parts[0])}
	if pkt.Type == "" {
		return nil, ErrInvalidPacket
	}
	for _, part := range parts[1:] {
		pkt.Fields = append(pkt.Fields, unescape(part))
	}
	return pkt, nil
}

// Format builds a packet line; every field is escaped on its own.
func Format(pktType string, fields ...string) string {
	parts := make([]string, 0, len(fields)+1)
	parts = append(parts, Escape(pktType))
	for _, field := range fields {
		parts = append(parts, Escape(field))
	}
	return strings.Join(parts, "|") + "\n"
}

// FormatRaw builds a packet whose content is already encoded, such as a list
// of sender|count pairs.
func FormatRaw(pktType, raw string) string {
	if raw == "" {
		return Escape(pktType) + "\n"
	}
	return Escape(pktType) + "|" + raw + "\n"
}

// FormatList escapes each item and joins them with ','.
func FormatList(pktType string, items []string) string {
	escaped := make([]string, len(items))
	for i, item := range items {
		escaped[i] = Escape(item)
	}
	return FormatRaw(pktType, strings.Join(escaped, ","))
}

var escaper = strings.NewReplacer(
	`\`, `\\`,
	"|", `\|`,
	",", `\,`,
	"\n", `\n`,
	"\r", `\r`,
)

// Escape makes s safe to use as a single field or list item.
func Escape(s string) string {
	return escaper.Replace(s)
}

// split cuts s at every unescaped sep. Escapes stay in the parts so each can
// be unescaped on its own.
func split(s string, sep byte) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case sep:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

func unescape(s string) string {
	if strings.IndexByte(s, '\\') < 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i == len(s)-1 {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case '|', ',', '\\':
			b.WriteByte(s[i])
		default:
			// unknown escape, keep verbatim
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
