package pty

import (
	"regexp"
	"strings"
)

var ansiPatterns = []*regexp.Regexp{
	// OSC: window titles, hyperlinks. Terminated by BEL or ST.
	regexp.MustCompile("\x1b\\][^\x07\x1b]*(?:\x07|\x1b\\\\)"),
	// CSI: SGR colors, cursor movement, erase, private modes.
	regexp.MustCompile("\x1b\\[[0-?]*[ -/]*[@-~]"),
	// Character set selection.
	regexp.MustCompile("\x1b[()*+][0-9A-Za-z]"),
	// Two-byte escapes: keypad modes, save/restore cursor, index, reset.
	regexp.MustCompile("\x1b[=>78DEHMc]"),
}

// StripANSI removes terminal escape sequences and normalizes CR and CRLF
// line endings to LF. Applying it twice gives the same result as once.
func StripANSI(s string) string {
	for {
		out := s
		for _, re := range ansiPatterns {
			out = re.ReplaceAllString(out, "")
		}
		out = strings.ReplaceAll(out, "\r\n", "\n")
		out = strings.ReplaceAll(out, "\r", "\n")
		if out == s {
			return out
		}
		s = out
	}
}

// StreamStripper applies StripANSI to a byte stream whose escape sequences
// and CRLF pairs may be split across reads.
type StreamStripper struct {
	pending string
}

// maxHeldEscape bounds how much of an unterminated sequence is held back.
const maxHeldEscape = 256

// Write returns the cleaned text that is safe to emit so far.
func (s *StreamStripper) Write(data []byte) string {
	text := s.pending + string(data)
	s.pending = ""
	text, s.pending = splitIncomplete(text)
	return StripANSI(text)
}

// Flush returns anything still held back.
func (s *StreamStripper) Flush() string {
	text := s.pending
	s.pending = ""
	return StripANSI(text)
}

// splitIncomplete holds back a trailing CR (which may start a CRLF) or a
// trailing escape sequence that has not been terminated yet.
func splitIncomplete(text string) (string, string) {
	if strings.HasSuffix(text, "\r") {
		head, tail := splitIncomplete(text[:len(text)-1])
		return head, tail + "\r"
	}
	idx := strings.LastIndexByte(text, 0x1b)
	if idx < 0 || len(text)-idx > maxHeldEscape {
		return text, ""
	}
	tail := text[idx:]
	if escapeComplete(tail) {
		return text, ""
	}
	return text[:idx], tail
}

func escapeComplete(tail string) bool {
	if len(tail) < 2 {
		return false
	}
	switch tail[1] {
	case '[':
		for i := 2; i < len(tail); i++ {
			if tail[i] >= '@' && tail[i] <= '~' {
				return true
			}
		}
		return false
	case ']':
		return strings.ContainsRune(tail, 0x07) || strings.Contains(tail[1:], "\x1b\\")
	case '(', ')', '*', '+':
		return len(tail) >= 3
	}
	return true
}
