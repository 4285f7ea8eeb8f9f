package protocol

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Peer transfer lines. A request is "GET <name>"; the reply is either
// "LENGTH <n>" followed by exactly n raw bytes, or "ERROR <reason>".
const (
	verbGet    = "GET"
	verbLength = "LENGTH"
	verbError  = "ERROR"

	// MaxPeerLineSize bounds the GET and reply lines.
	MaxPeerLineSize = 4096
)

var ErrBadPeerLine = errors.New("bad peer line")

// PeerError is an ERROR line sent by the serving peer.
type PeerError struct {
	Reason string
}

func (e *PeerError) Error() string {
	return "peer error: " + e.Reason
}

func WriteGet(w io.Writer, name string) error {
	if name == "" || strings.ContainsAny(name, "\r\n") {
		return fmt.Errorf("%w: invalid file name %q", ErrBadPeerLine, name)
	}
	_, err := io.WriteString(w, verbGet+" "+name+"\n")
	return err
}

// ParseGet returns the name after the single separator space. The name is
// taken verbatim apart from the line terminator.
func ParseGet(line []byte) (string, error) {
	text := strings.TrimSuffix(strings.TrimSuffix(string(line), "\n"), "\r")
	verb, name, ok := strings.Cut(text, " ")
	if !ok || verb != verbGet || name == "" {
		return "", fmt.Errorf("%w: %q", ErrBadPeerLine, line)
	}
	return name, nil
}

func WriteLength(w io.Writer, n int64) error {
	_, err := io.WriteString(w, verbLength+" "+strconv.FormatInt(n, 10)+"\n")
	return err
}

func WriteError(w io.Writer, reason string) error {
	reason = strings.NewReplacer("\r", " ", "\n", " ").Replace(reason)
	_, err := io.WriteString(w, verbError+" "+reason+"\n")
	return err
}

// ParseReply returns the declared body length, or a *PeerError for an
// ERROR line.
func ParseReply(line []byte) (int64, error) {
	verb, arg, _ := strings.Cut(string(line), " ")
	switch verb {
	case verbLength:
		n, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: %q", ErrBadPeerLine, line)
		}
		return n, nil
	case verbError:
		return 0, &PeerError{Reason: strings.TrimSpace(arg)}
	default:
		return 0, fmt.Errorf("%w: %q", ErrBadPeerLine, line)
	}
}
