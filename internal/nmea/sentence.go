// Package nmea renders instrument records as NMEA 0183 sentences and
// NMEA 2000 PGN frames, and speaks the bridge's proprietary command dialect.
package nmea

import (
	"fmt"
	"strings"
)

// checksum XORs the sentence bytes after the leading '$'.
func checksum(sentence string) string {
	var sum byte
	for i := 1; i < len(sentence); i++ {
		sum ^= sentence[i]
	}
	return fmt.Sprintf("%02X", sum)
}

// Format completes a sentence body (including the leading '$') with its
// checksum and CRLF terminator.
func Format(sentence string) string {
	return fmt.Sprintf("%s*%s\r\n", sentence, checksum(sentence))
}

// Verify strips the framing from a received line and checks its checksum,
// returning the body including the leading '$'.
func Verify(line string) (string, error) {
	line = strings.TrimRight(line, "\r\n")
	if len(line) < 4 || line[0] != '$' {
		return "", fmt.Errorf("not a framed sentence: %q", line)
	}
	star := strings.LastIndexByte(line, '*')
	if star < 0 || star != len(line)-3 {
		return "", fmt.Errorf("missing checksum: %q", line)
	}
	body := line[:star]
	if got, want := line[star+1:], checksum(body); !strings.EqualFold(got, want) {
		return "", fmt.Errorf("checksum mismatch: got %s, want %s", got, want)
	}
	return body, nil
}
