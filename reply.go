package ftps

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// maxReplySize bounds the bytes accepted for one reply.
const maxReplySize = 64 << 10

// Reply is one complete FTP server reply.
type Reply struct {
	// Code is the three-digit reply code (e.g., 220, 550)
	Code int

	// Message is the reply text without the code prefix. Multi-line replies
	// have their lines joined with "\n". It never ends in CR or LF.
	Message string

	// Lines contains every raw line of the reply with CR/LF removed.
	Lines []string
}

// Is1xx returns true if the reply code is in the 1xx range (preliminary).
func (r *Reply) Is1xx() bool {
	return r.Code >= 100 && r.Code < 200
}

// Is2xx returns true if the reply code is in the 2xx range (success).
func (r *Reply) Is2xx() bool {
	return r.Code >= 200 && r.Code < 300
}

// Is3xx returns true if the reply code is in the 3xx range (intermediate).
func (r *Reply) Is3xx() bool {
	return r.Code >= 300 && r.Code < 400
}

// Is4xx returns true if the reply code is in the 4xx range (temporary failure).
func (r *Reply) Is4xx() bool {
	return r.Code >= 400 && r.Code < 500
}

// Is5xx returns true if the reply code is in the 5xx range (permanent failure).
func (r *Reply) Is5xx() bool {
	return r.Code >= 500 && r.Code < 600
}

// String returns the full reply as received.
func (r *Reply) String() string {
	return strings.Join(r.Lines, "\n")
}

// readReply reads one complete reply from r.
//
// Single-line format: "220 Welcome\r\n"
// Multi-line format:
//
//	"220-Welcome to FTP\r\n"
//	" any text\r\n"
//	"220 Ready\r\n"
//
// The reply ends with the first line made of three digits and a space. Every
// line before it is a continuation, whatever its shape. The code is taken
// from that terminal line.
//
// A stream that ends before the terminal line is a KindProtocol error; any
// other read failure is a KindIO error.
func readReply(r *bufio.Reader) (*Reply, error) {
	var (
		lines  []string
		budget = maxReplySize
	)
	for {
		line, err := readLine(r, &budget)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
		if isTerminal(line) {
			break
		}
	}

	last := lines[len(lines)-1]
	code, _ := strconv.Atoi(last[:3])
	if code < 100 || code > 599 {
		return nil, newError(KindProtocol, "read reply", errors.Errorf("invalid reply code %q", last[:3]))
	}

	if len(lines) == 1 {
		return &Reply{Code: code, Message: last[4:], Lines: lines}, nil
	}

	texts := make([]string, 0, len(lines))
	for _, l := range lines {
		if hasCodePrefix(l) {
			l = l[4:]
		}
		texts = append(texts, l)
	}
	return &Reply{Code: code, Message: strings.TrimRight(strings.Join(texts, "\n"), "\r\n"), Lines: lines}, nil
}

// readLine reads one LF-terminated line and strips the line ending. budget
// is the number of bytes still allowed for the current reply.
func readLine(r *bufio.Reader, budget *int) (string, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		*budget -= len(chunk)
		if *budget < 0 {
			return "", newError(KindProtocol, "read reply", errors.Errorf("reply exceeds %d bytes", maxReplySize))
		}
		buf = append(buf, chunk...)
		switch {
		case err == nil:
			return strings.TrimRight(string(buf), "\r\n"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			return "", newError(KindProtocol, "read reply", io.ErrUnexpectedEOF)
		default:
			return "", newError(KindIO, "read reply", err)
		}
	}
}

func isTerminal(line string) bool {
	return len(line) >= 4 && isDigits(line[:3]) && line[3] == ' '
}

func hasCodePrefix(line string) bool {
	return len(line) >= 4 && isDigits(line[:3]) && (line[3] == ' ' || line[3] == '-')
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
