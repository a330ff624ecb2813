package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePacket(t *testing.T) {
	tests := []struct {
		line   string
		typ    string
		fields []string
	}{
		{"ping\n", "ping", nil},
		{"auth|alice|secret\r\n", "auth", []string{"alice", "secret"}},
		{"msg|bob|a\\|b\\,c\n", "msg", []string{"bob", "a|b,c"}},
		{"msg|bob|line1\\nline2", "msg", []string{"bob", "line1\nline2"}},
		{"focus|\n", "focus", []string{""}},
		{"msg|bob|back\\\\slash", "msg", []string{"bob", "back\\slash"}},
		{"msg|bob|trailing\\", "msg", []string{"bob", "trailing\\"}},
		{"msg|bob|\\x", "msg", []string{"bob", "\\x"}},
	}
	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.line), func(t *testing.T) {
			pkt, err := ParsePacket(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.typ, pkt.Type)
			assert.Equal(t, tt.fields, pkt.Fields)
		})
	}
}

func TestParsePacketInvalid(t *testing.T) {
	for _, line := range []string{"", "\n", "|alice", strings.Repeat("x", MaxLineLength+1)} {
		_, err := ParsePacket(line)
		assert.ErrorIs(t, err, ErrInvalidPacket)
	}
}

func TestField(t *testing.T) {
	pkt := &Packet{Type: "auth", Fields: []string{"alice"}}
	assert.Equal(t, "alice", pkt.Field(0))
	assert.Empty(t, pkt.Field(1))
	assert.Empty(t, pkt.Field(-1))
}

func TestFormatParsesBack(t *testing.T) {
	fields := []string{"alice", "pipes | commas , slashes \\ and\nnewlines\r"}
	line := Format("msg", fields...)

	assert.True(t, strings.HasSuffix(line, "\n"))
	assert.Equal(t, 1, strings.Count(line, "\n"), "newlines inside fields are escaped")

	pkt, err := ParsePacket(line)
	require.NoError(t, err)
	assert.Equal(t, "msg", pkt.Type)
	assert.Equal(t, fields, pkt.Fields)
}

func TestFormatRawAndList(t *testing.T) {
	assert.Equal(t, "offmsg\n", FormatRaw("offmsg", ""))
	assert.Equal(t, "offmsg|alice|2,bob|1\n", FormatRaw("offmsg", "alice|2,bob|1"))
	assert.Equal(t, "help|ping,a\\,b\n", FormatList("help", []string{"ping", "a,b"}))
}
