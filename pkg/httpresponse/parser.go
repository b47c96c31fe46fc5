// Package httpresponse parses the minimal HTTP/1.0 response headers
// (component C7) that a fetch slot reads off the wire in RX_HEADERS
// state. See spec §4.6.
//
// This is deliberately narrower than net/http: Rhizome peers are
// required to answer with an exact "HTTP/1.0 " status line, and this
// parser holds peers to that instead of the more permissive matching
// net/http does for 1.1 servers.
package httpresponse

import (
	"bytes"
	"strconv"

	"github.com/rhizomehop/fetchd/pkg/rhizome"
)

const preamble = "HTTP/1.0 "

// Status is a parsed response: the status code and any headers needed
// to size and validate the body transfer.
type Status struct {
	Code          int
	ContentLength int64
	HasLength     bool
}

// ParseStatusLine parses the very first line (without its trailing
// CRLF) of an HTTP/1.0 response. The preamble must match exactly;
// "HTTP/1.1 " or any other version is rejected rather than widened to
// accept it, since Rhizome peers are specified to speak 1.0 only.
func ParseStatusLine(line []byte) (int, error) {
	if !bytes.HasPrefix(line, []byte(preamble)) {
		return 0, rhizome.NewProtocolError("response did not start with \"HTTP/1.0 \"", "", nil)
	}
	rest := line[len(preamble):]
	if len(rest) < 4 {
		return 0, rhizome.NewProtocolError("status line too short for a status code", "", nil)
	}
	digits := rest[:3]
	for _, b := range digits {
		if b < '0' || b > '9' {
			return 0, rhizome.NewProtocolError("status code must be exactly three digits", "", nil)
		}
	}
	if rest[3] != ' ' {
		return 0, rhizome.NewProtocolError("status code must be followed by a space", "", nil)
	}
	code, err := strconv.Atoi(string(digits))
	if err != nil {
		return 0, rhizome.NewProtocolError("status code did not parse as an integer", "", err)
	}
	return code, nil
}

// ParseHeaders parses the header block (lines after the status line,
// up to but not including the blank line that terminates it). Header
// names are matched case-insensitively, as HTTP requires; every other
// header is ignored, since the scheduler only ever needs Content-Length.
func ParseHeaders(lines [][]byte) (int64, bool, error) {
	for _, line := range lines {
		idx := bytes.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		name := bytes.TrimSpace(line[:idx])
		if !bytes.EqualFold(name, []byte("Content-Length")) {
			continue
		}
		value := bytes.TrimSpace(line[idx+1:])
		n, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil || n < 0 {
			return 0, false, rhizome.NewProtocolError("malformed Content-Length header", "", err)
		}
		return n, true, nil
	}
	return 0, false, nil
}

// Parse splits a full header block (status line plus headers,
// CRLF-or-LF delimited, no leading/trailing blank lines) and returns
// the combined Status. It is the inverse of Format, satisfying the
// round-trip property that Parse(Format(s)) reproduces s for any
// Status Format can emit (P7).
func Parse(block []byte) (Status, error) {
	lines := splitLines(block)
	if len(lines) == 0 {
		return Status{}, rhizome.NewProtocolError("empty response header block", "", nil)
	}
	code, err := ParseStatusLine(lines[0])
	if err != nil {
		return Status{}, err
	}
	length, has, err := ParseHeaders(lines[1:])
	if err != nil {
		return Status{}, err
	}
	return Status{Code: code, ContentLength: length, HasLength: has}, nil
}

// Format renders a Status back into a wire-shaped header block, using
// canonical "Content-Length" casing. It is only used by tests and by
// loopback fixtures; Rhizome never serves HTTP responses itself.
func Format(s Status) []byte {
	var buf bytes.Buffer
	buf.WriteString(preamble)
	buf.WriteString(strconv.Itoa(s.Code))
	buf.WriteString(" OK\r\n")
	if s.HasLength {
		buf.WriteString("Content-Length: ")
		buf.WriteString(strconv.FormatInt(s.ContentLength, 10))
		buf.WriteString("\r\n")
	}
	return buf.Bytes()
}

// splitLines breaks a header block into lines, tolerating both CRLF
// and bare LF terminators and dropping every empty line.
func splitLines(block []byte) [][]byte {
	normalized := bytes.ReplaceAll(block, []byte("\r\n"), []byte("\n"))
	raw := bytes.Split(normalized, []byte("\n"))
	lines := make([][]byte, 0, len(raw))
	for _, l := range raw {
		if len(l) == 0 {
			continue
		}
		lines = append(lines, l)
	}
	return lines
}
