package sim

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// sessionVersion is bumped whenever the on-disk session layout changes.
const sessionVersion = 1

// recorderFlushEvery bounds how long a captured frame sits in memory before
// it reaches disk.
const recorderFlushEvery = 2 * time.Second

// Header opens every session file, one JSON object per line ahead of the
// entries.
type Header struct {
	Version  int       `json:"version"`
	Mode     string    `json:"mode"`
	Scenario string    `json:"scenario,omitempty"`
	Proto    string    `json:"proto"`
	Started  time.Time `json:"started"`
}

// Entry is one captured frame. Data marshals as base64, so binary PGN frames
// survive the trip through JSON unchanged.
type Entry struct {
	OffsetMS int64  `json:"offset_ms"`
	Data     []byte `json:"data"`
}

// Offset returns the entry's position relative to session start.
func (e Entry) Offset() time.Duration {
	return time.Duration(e.OffsetMS) * time.Millisecond
}

// Recorder captures broadcast frames to a JSONL session file. It buffers in
// memory and flushes periodically; the engine goroutine owns it.
type Recorder struct {
	path  string
	f     *os.File
	enc   *json.Encoder
	start time.Time

	buf       []Entry
	lastFlush time.Time
}

// NewRecorder creates the session file and writes its header.
func NewRecorder(path string, hdr Header) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	hdr.Version = sessionVersion
	if hdr.Started.IsZero() {
		hdr.Started = time.Now().UTC()
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(hdr); err != nil {
		f.Close()
		return nil, fmt.Errorf("session header: %w", err)
	}
	return &Recorder{
		path:      path,
		f:         f,
		enc:       enc,
		start:     hdr.Started,
		lastFlush: hdr.Started,
	}, nil
}

// Path returns the session file location.
func (r *Recorder) Path() string { return r.path }

// Record buffers one frame stamped with its offset from session start.
func (r *Recorder) Record(now time.Time, frame []byte) error {
	off := now.Sub(r.start)
	if off < 0 {
		off = 0
	}
	r.buf = append(r.buf, Entry{OffsetMS: off.Milliseconds(), Data: frame})
	if now.Sub(r.lastFlush) >= recorderFlushEvery {
		r.lastFlush = now
		return r.Flush()
	}
	return nil
}

// Flush writes buffered entries to disk.
func (r *Recorder) Flush() error {
	for i, e := range r.buf {
		if err := r.enc.Encode(e); err != nil {
			r.buf = r.buf[:copy(r.buf, r.buf[i:])]
			return fmt.Errorf("session write: %w", err)
		}
	}
	r.buf = r.buf[:0]
	return nil
}

// Close flushes and finalizes the session file.
func (r *Recorder) Close() error {
	ferr := r.Flush()
	cerr := r.f.Close()
	if ferr != nil {
		return ferr
	}
	return cerr
}
