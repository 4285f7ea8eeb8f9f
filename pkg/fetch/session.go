package fetch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Status represents the current state of a fetch
type Status int

const (
	Pending Status = iota
	Connecting
	Downloading
	Completed
	Failed
)

// String returns a string representation of the fetch status
func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Connecting:
		return "connecting"
	case Downloading:
		return "downloading"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed
}

var (
	ErrNotStarted   = errors.New("fetch session not started")
	ErrTerminal     = errors.New("fetch session already finished")
	ErrSizeMismatch = errors.New("size mismatch")
)

// SpeedWindow is the interval over which throughput is sampled.
const SpeedWindow = 500 * time.Millisecond

// PeerInfo names the host a fetch reads from.
type PeerInfo struct {
	Hostname string
	Address  string
}

// Progress is a point-in-time copy of a session.
type Progress struct {
	ID             string        `json:"id"`
	FileName       string        `json:"file_name"`
	SavePath       string        `json:"save_path"`
	TotalSize      int64         `json:"total_size"`
	DownloadedSize int64         `json:"downloaded_size"`
	Percent        float64       `json:"progress_percent"`
	Status         string        `json:"status"`
	SpeedBps       float64       `json:"speed_bps"`
	ETASeconds     float64       `json:"eta_seconds"`
	Elapsed        time.Duration `json:"elapsed"`
	PeerHost       string        `json:"peer_hostname"`
	PeerAddress    string        `json:"peer_address"`
	ErrorMessage   string        `json:"error_message,omitempty"`

	state Status
}

// State returns the typed status.
func (p Progress) State() Status { return p.state }

// Session tracks one download on the receiving side. All fields are guarded
// by mu; sessions share nothing with each other.
type Session struct {
	mu        sync.Mutex
	id        string
	fileName  string
	savePath  string
	totalSize int64
	peer      PeerInfo
	now       func() time.Time

	status     Status
	downloaded int64
	speed      float64 // bytes/sec
	eta        float64 // seconds
	errMsg     string
	file       *os.File
	createdAt  time.Time
	startTime  time.Time
	endTime    time.Time

	lastBytes int64
	lastTime  time.Time

	verify func(path string) error
}

func NewSession(id, fileName string, totalSize int64, savePath string, peer PeerInfo) *Session {
	return newSession(id, fileName, totalSize, savePath, peer, time.Now)
}

func newSession(id, fileName string, totalSize int64, savePath string, peer PeerInfo, now func() time.Time) *Session {
	return &Session{
		id:        id,
		fileName:  fileName,
		savePath:  savePath,
		totalSize: totalSize,
		peer:      peer,
		now:       now,
		status:    Pending,
		createdAt: now(),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) SavePath() string { return s.savePath }

// PartPath is where bytes land until the session completes. It sits next to
// the destination and is hidden from directory scans.
func (s *Session) PartPath() string {
	dir, base := filepath.Split(s.savePath)
	return filepath.Join(dir, "."+base+".part")
}

func (s *Session) TotalSize() int64 { return s.totalSize }

// SetVerifier installs a check run against the finished file before the
// session is marked Completed. A failing check fails the session.
func (s *Session) SetVerifier(fn func(path string) error) {
	s.mu.Lock()
	s.verify = fn
	s.mu.Unlock()
}

// Connecting marks that the peer connection is being opened.
func (s *Session) Connecting() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != Pending {
		return fmt.Errorf("cannot connect from %s", s.status)
	}
	s.status = Connecting
	return nil
}

// Start opens the temporary file and begins timing. The destination itself
// is untouched until Complete.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return ErrTerminal
	}
	if s.file != nil {
		return fmt.Errorf("fetch session %s already started", s.id)
	}

	if dir := filepath.Dir(s.savePath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	part := s.PartPath()
	f, err := os.OpenFile(part, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", part, err)
	}

	now := s.now()
	s.file = f
	s.status = Downloading
	s.startTime = now
	s.lastTime = now
	s.lastBytes = 0
	return nil
}

// WriteChunk appends data to the destination and refreshes speed and ETA.
func (s *Session) WriteChunk(data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return 0, ErrTerminal
	}
	if s.file == nil {
		return 0, ErrNotStarted
	}

	n, err := s.file.Write(data)
	s.downloaded += int64(n)
	s.updateSpeedLocked()
	if err != nil {
		return n, fmt.Errorf("failed to write %s: %w", s.savePath, err)
	}
	return n, nil
}

// Write lets a session be the destination of io.Copy.
func (s *Session) Write(p []byte) (int, error) {
	return s.WriteChunk(p)
}

func (s *Session) updateSpeedLocked() {
	now := s.now()
	elapsed := now.Sub(s.lastTime)
	if elapsed < SpeedWindow {
		return
	}
	s.speed = float64(s.downloaded-s.lastBytes) / elapsed.Seconds()
	remaining := s.totalSize - s.downloaded
	if s.speed > 0 && remaining > 0 {
		s.eta = float64(remaining) / s.speed
	} else {
		s.eta = 0
	}
	s.lastBytes = s.downloaded
	s.lastTime = now
}

// Complete closes the temporary file and moves it over the destination. It
// succeeds only when every declared byte arrived; otherwise the session fails
// with ErrSizeMismatch and the temporary file is removed.
func (s *Session) Complete() error {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return ErrTerminal
	}

	var closeErr error
	if s.file != nil {
		closeErr = s.file.Close()
		s.file = nil
	}

	var err error
	switch {
	case s.downloaded != s.totalSize:
		err = fmt.Errorf("%w: expected %d bytes, got %d bytes", ErrSizeMismatch, s.totalSize, s.downloaded)
	case closeErr != nil:
		err = closeErr
	}
	verify := s.verify
	s.mu.Unlock()

	part := s.PartPath()
	// hashing a large file must not block Progress callers
	if err == nil && verify != nil {
		err = verify(part)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.endTime = s.now()
	if s.status.Terminal() {
		return ErrTerminal
	}
	if err == nil {
		if rerr := os.Rename(part, s.savePath); rerr != nil {
			err = fmt.Errorf("failed to move download into place: %w", rerr)
		}
	}
	if err != nil {
		os.Remove(part)
		s.status = Failed
		s.errMsg = err.Error()
		return err
	}
	s.status = Completed
	s.eta = 0
	return nil
}

// Fail marks the session failed and discards the temporary file. An existing
// file at the destination is left alone.
func (s *Session) Fail(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return
	}
	s.closeLocked()
	if s.status == Downloading {
		os.Remove(s.PartPath())
	}
	s.endTime = s.now()
	s.status = Failed
	s.errMsg = reason
}

func (s *Session) closeLocked() {
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
}

// Close releases the destination without changing the status.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Progress returns a snapshot safe to hand to other goroutines.
func (s *Session) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := Progress{
		ID:             s.id,
		FileName:       s.fileName,
		SavePath:       s.savePath,
		TotalSize:      s.totalSize,
		DownloadedSize: s.downloaded,
		Status:         s.status.String(),
		SpeedBps:       s.speed,
		ETASeconds:     s.eta,
		PeerHost:       s.peer.Hostname,
		PeerAddress:    s.peer.Address,
		ErrorMessage:   s.errMsg,
		state:          s.status,
	}
	if s.totalSize > 0 {
		p.Percent = float64(s.downloaded) / float64(s.totalSize) * 100
	} else if s.status == Completed {
		p.Percent = 100
	}
	switch {
	case s.startTime.IsZero():
	case !s.endTime.IsZero():
		p.Elapsed = s.endTime.Sub(s.startTime)
	default:
		p.Elapsed = s.now().Sub(s.startTime)
	}
	return p
}
