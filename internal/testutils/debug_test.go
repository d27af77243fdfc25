package testutils

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDumpBinary_RendersOffsetHexAndASCII(t *testing.T) {
	var buf bytes.Buffer
	DumpBinary(&buf, []byte("hello world"))
	out := buf.String()

	assert.True(t, strings.HasPrefix(out, "0000  "))
	assert.Contains(t, out, "68 65 6c 6c 6f")
	assert.Contains(t, out, "|hello world|")
}

func TestDumpBinary_MultipleLines(t *testing.T) {
	var buf bytes.Buffer
	DumpBinary(&buf, bytes.Repeat([]byte{0xab}, 20))
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	assert.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[1], "0010  "))
}
