package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLines(t *testing.T) {
	t.Parallel()

	body := strings.Join([]string{
		`{"a":1}`,
		``,
		`   `,
		`{"b":2`,
		`not json at all`,
		`42`,
		`  {"c":3}  `,
		``,
	}, "\n")

	objs, parseErrors := ParseLines([]byte(body))
	assert.Equal(t, 3, parseErrors)
	if assert.Len(t, objs, 2) {
		assert.JSONEq(t, `{"a":1}`, string(objs[0]))
		assert.JSONEq(t, `{"c":3}`, string(objs[1]))
	}
}

func TestParseLines_CRLF(t *testing.T) {
	t.Parallel()

	objs, parseErrors := ParseLines([]byte("{\"a\":1}\r\n{\"b\":2}\r\n"))
	assert.Zero(t, parseErrors)
	assert.Len(t, objs, 2)
}

func TestParseLines_Empty(t *testing.T) {
	t.Parallel()

	objs, parseErrors := ParseLines(nil)
	assert.Empty(t, objs)
	assert.Zero(t, parseErrors)
}

func TestPrefix(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "short", prefix([]byte("short"), 50))
	assert.Equal(t, "ab...", prefix([]byte("abcdef"), 2))
	assert.Equal(t, "Mü...", prefix([]byte("Münster"), 2))
}
