package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
)

// MaxLineSize bounds a single control message. LIST snapshots of a large
// registry are the biggest messages exchanged.
const MaxLineSize = 16 << 20

var (
	ErrLineTooLong   = errors.New("line exceeds maximum size")
	ErrUnknownAction = errors.New("unknown action")
	ErrMalformed     = errors.New("malformed message")
)

// LineReader reads newline-terminated lines with a size cap. Bytes past the
// last line stay buffered, so a caller can keep reading raw data from it.
type LineReader struct {
	r   *bufio.Reader
	max int
}

func NewLineReader(r io.Reader, max int) *LineReader {
	if max <= 0 {
		max = MaxLineSize
	}
	if br, ok := r.(*bufio.Reader); ok {
		return &LineReader{r: br, max: max}
	}
	return &LineReader{r: bufio.NewReaderSize(r, 64*1024), max: max}
}

// ReadLine returns the next line without its terminator. A final line with no
// newline before EOF is returned with io.ErrUnexpectedEOF. An oversized line
// is skipped and reported as ErrLineTooLong.
func (l *LineReader) ReadLine() ([]byte, error) {
	var line []byte
	for {
		frag, err := l.r.ReadSlice('\n')
		if len(line)+len(frag) > l.max+1 {
			// leave the reader at the start of the next line
			for errors.Is(err, bufio.ErrBufferFull) {
				_, err = l.r.ReadSlice('\n')
			}
			return nil, ErrLineTooLong
		}
		line = append(line, frag...)
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	line = bytes.TrimRight(line, "\r\n")
	return line, nil
}

// Read exposes the buffered stream past the last line.
func (l *LineReader) Read(p []byte) (int, error) {
	return l.r.Read(p)
}

// WriteLine marshals v as JSON and writes it followed by a newline.
func WriteLine(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}

// EncodeCommand wraps cmd in its {action, data} envelope.
func EncodeCommand(cmd Command) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	env := Envelope{Action: cmd.Action(), Data: data}
	if _, ok := cmd.(List); ok {
		env.Data = nil
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// DecodeCommand parses one control line into its typed command.
func DecodeCommand(line []byte) (Command, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var cmd Command
	switch env.Action {
	case ActionRegister:
		cmd = &Register{}
	case ActionPublish:
		cmd = &Publish{}
	case ActionUnpublish:
		cmd = &Unpublish{}
	case ActionRequest:
		cmd = &Request{}
	case ActionDiscover:
		cmd = &Discover{}
	case ActionPing:
		cmd = &Ping{}
	case ActionUnregister:
		cmd = &Unregister{}
	case ActionList:
		return List{}, nil
	default:
		return nil, fmt.Errorf("%w %s", ErrUnknownAction, env.Action)
	}

	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, cmd); err != nil {
			return nil, fmt.Errorf("%w: %s data: %v", ErrMalformed, env.Action, err)
		}
	}
	return deref(cmd), nil
}

func deref(cmd Command) Command {
	switch v := cmd.(type) {
	case *Register:
		return *v
	case *Publish:
		return *v
	case *Unpublish:
		return *v
	case *Request:
		return *v
	case *Discover:
		return *v
	case *Ping:
		return *v
	case *Unregister:
		return *v
	}
	return cmd
}

// DecodeResponse parses one response line.
func DecodeResponse(line []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if resp.Status == "" {
		return Response{}, fmt.Errorf("%w: missing status", ErrMalformed)
	}
	return resp, nil
}

func joinHostPort(ip string, port int) string {
	return net.JoinHostPort(ip, strconv.Itoa(port))
}
