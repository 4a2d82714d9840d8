package ingest

import (
	"bytes"
	"encoding/json"
	"unicode/utf8"

	"go.uber.org/zap"
)

// logPrefixLen bounds how much of a malformed line is logged.
const logPrefixLen = 50

// ParseLines splits a newline-delimited JSON body into one raw object per
// non-blank line. Malformed lines are logged and counted, never fatal.
func ParseLines(body []byte) (objects []json.RawMessage, parseErrors int) {
	lineNo := 0
	for line := range bytes.SplitSeq(body, []byte("\n")) {
		lineNo++
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) || line[0] != '{' {
			parseErrors++
			zap.L().Warn("ingest: skipping malformed line",
				zap.Int("line", lineNo),
				zap.String("prefix", prefix(line, logPrefixLen)),
			)
			continue
		}
		objects = append(objects, json.RawMessage(bytes.Clone(line)))
	}
	return objects, parseErrors
}

// prefix returns at most n runes of b.
func prefix(b []byte, n int) string {
	if utf8.RuneCount(b) <= n {
		return string(b)
	}
	out := make([]rune, 0, n)
	for _, r := range string(b) {
		if len(out) == n {
			break
		}
		out = append(out, r)
	}
	return string(out) + "..."
}
