// Copyright 2024-2026 Aiku AI

package bridge

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

// codecDelimiter prefixes each hex-escaped byte in an encoded value.
const codecDelimiter = '='

// decodePattern matches a run of one or more =XX escapes.
var decodePattern = regexp.MustCompile(`(=[0-9a-f]{2})+`)

// Codec is a reversible transform between arbitrary e-mail addresses and
// the character set allowed in a Matrix user id local part. Characters in
// [0-9a-z-._] pass through unchanged (after lower-casing); every other
// character is escaped byte-by-byte as =XX with lowercase hex digits.
type Codec struct {
	log zerolog.Logger
}

func NewCodec(log zerolog.Logger) *Codec {
	return &Codec{log: log.With().Str("component", "codec").Logger()}
}

func safeChar(r rune) bool {
	switch {
	case r >= '0' && r <= '9':
		return true
	case r >= 'a' && r <= 'z':
		return true
	case r == '-' || r == '.' || r == '_':
		return true
	}
	return false
}

// Encode lower-cases value and escapes every character outside the safe
// class as one =XX group per UTF-8 byte.
func (c *Codec) Encode(value string) string {
	value = strings.ToLower(value)

	var b strings.Builder
	for _, r := range value {
		if safeChar(r) {
			b.WriteRune(r)
			continue
		}
		for _, raw := range []byte(string(r)) {
			b.WriteByte(codecDelimiter)
			fmt.Fprintf(&b, "%02x", raw)
		}
	}

	return b.String()
}

// Decode reverses Encode: each run of =XX groups is hex-decoded as a byte
// sequence and interpreted as UTF-8. Regions outside runs are copied
// through unchanged. A run with malformed hex is logged and left encoded
// literally rather than failing the whole value.
func (c *Codec) Decode(encoded string) string {
	matches := decodePattern.FindAllStringIndex(encoded, -1)
	if len(matches) == 0 {
		return encoded
	}

	var b strings.Builder
	prevEnd := 0
	for _, match := range matches {
		start, end := match[0], match[1]
		run := strings.ReplaceAll(encoded[start:end], string(codecDelimiter), "")
		decoded, err := hex.DecodeString(run)
		if err != nil {
			c.log.Warn().Err(err).Str("run", encoded[start:end]).Msg("Malformed hex run, keeping it encoded")
			b.WriteString(encoded[prevEnd:end])
			prevEnd = end
			continue
		}
		b.WriteString(encoded[prevEnd:start])
		b.Write(decoded)
		prevEnd = end
	}
	b.WriteString(encoded[prevEnd:])

	return b.String()
}
