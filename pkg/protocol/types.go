package protocol

import (
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// Action names a control message sent to the registry.
type Action string

const (
	ActionRegister   Action = "REGISTER"
	ActionPublish    Action = "PUBLISH"
	ActionUnpublish  Action = "UNPUBLISH"
	ActionRequest    Action = "REQUEST"
	ActionDiscover   Action = "DISCOVER"
	ActionPing       Action = "PING"
	ActionUnregister Action = "UNREGISTER"
	ActionList       Action = "LIST"
)

// Status is the outcome carried by every registry response.
type Status string

const (
	StatusOK       Status = "OK"
	StatusAck      Status = "ACK"
	StatusError    Status = "ERROR"
	StatusFound    Status = "FOUND"
	StatusNotFound Status = "NOTFOUND"
	StatusAlive    Status = "ALIVE"
	StatusDead     Status = "DEAD"
)

// Timestamp travels as fractional unix seconds.
type Timestamp struct {
	time.Time
}

func At(t time.Time) Timestamp { return Timestamp{t} }

// TimestampPtr is a nullable timestamp; a zero time maps to nil.
func TimestampPtr(t time.Time) *Timestamp {
	if t.IsZero() {
		return nil
	}
	return &Timestamp{t}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("0"), nil
	}
	secs := float64(t.UnixNano()) / float64(time.Second)
	return strconv.AppendFloat(nil, secs, 'f', -1, 64), nil
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		t.Time = time.Time{}
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return err
	}
	if secs == 0 {
		t.Time = time.Time{}
		return nil
	}
	whole, frac := math.Modf(secs)
	t.Time = time.Unix(int64(whole), int64(frac*float64(time.Second)))
	return nil
}

// Envelope is the on-wire shape of a control message.
type Envelope struct {
	Action Action          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Command is one of the typed control messages. The set is closed: only the
// types in this file implement it.
type Command interface {
	Action() Action
}

// FileSnapshot is a file as reported by its owner, used to seed REGISTER.
type FileSnapshot struct {
	Size        int64      `json:"size"`
	Modified    Timestamp  `json:"modified"`
	PublishedAt *Timestamp `json:"published_at"`
	IsPublished bool       `json:"is_published"`
}

type Register struct {
	Hostname    string                  `json:"hostname"`
	Port        int                     `json:"port"`
	DisplayName string                  `json:"display_name,omitempty"`
	Files       map[string]FileSnapshot `json:"files_metadata,omitempty"`
}

type Publish struct {
	Hostname string    `json:"hostname"`
	Fname    string    `json:"fname"`
	Size     int64     `json:"size"`
	Modified Timestamp `json:"modified"`
}

type Unpublish struct {
	Hostname string `json:"hostname"`
	Fname    string `json:"fname"`
}

type Request struct {
	Fname string `json:"fname"`
}

type Discover struct {
	Hostname string `json:"hostname"`
}

// Ping asks about Target. From identifies the sender when the connection has
// not registered yet; otherwise the connection's own identity is used.
type Ping struct {
	Target string `json:"hostname"`
	From   string `json:"from,omitempty"`
}

type Unregister struct {
	Hostname string `json:"hostname"`
}

type List struct{}

func (Register) Action() Action   { return ActionRegister }
func (Publish) Action() Action    { return ActionPublish }
func (Unpublish) Action() Action  { return ActionUnpublish }
func (Request) Action() Action    { return ActionRequest }
func (Discover) Action() Action   { return ActionDiscover }
func (Ping) Action() Action       { return ActionPing }
func (Unregister) Action() Action { return ActionUnregister }
func (List) Action() Action       { return ActionList }

// Addr is a host's peer-listen endpoint.
type Addr struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

func (a Addr) String() string {
	return joinHostPort(a.IP, a.Port)
}

// FileInfo is a published file as the registry reports it.
type FileInfo struct {
	Size        int64      `json:"size"`
	Modified    Timestamp  `json:"modified"`
	PublishedAt *Timestamp `json:"published_at"`
	IsPublished bool       `json:"is_published"`
}

// HostEntry is one match in a FOUND response.
type HostEntry struct {
	Hostname    string    `json:"hostname"`
	DisplayName string    `json:"display_name"`
	IP          string    `json:"ip"`
	Port        int       `json:"port"`
	Size        int64     `json:"size"`
	Modified    Timestamp `json:"modified"`
	IsPublished bool      `json:"is_published"`
}

func (h HostEntry) Addr() string {
	return joinHostPort(h.IP, h.Port)
}

// HostSnapshot is one host in a LIST response.
type HostSnapshot struct {
	Addr        Addr                `json:"addr"`
	DisplayName string              `json:"display_name"`
	Files       map[string]FileInfo `json:"files"`
	LastSeen    Timestamp           `json:"last_seen"`
	ConnectedAt Timestamp           `json:"connected_at"`
}

// Response is the reply to every control message.
type Response struct {
	Status   Status                  `json:"status"`
	Reason   string                  `json:"reason,omitempty"`
	Hosts    []HostEntry             `json:"hosts,omitempty"`
	Files    map[string]FileInfo     `json:"files,omitempty"`
	Addr     *Addr                   `json:"addr,omitempty"`
	Registry map[string]HostSnapshot `json:"registry,omitempty"`
	// Order lists registry hostnames in iteration order, since JSON objects
	// carry none.
	Order []string `json:"order,omitempty"`
}

func ErrorResponse(reason string) Response {
	return Response{Status: StatusError, Reason: reason}
}
