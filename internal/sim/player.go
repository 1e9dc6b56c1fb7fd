package sim

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// Session is a finalized recording loaded for playback.
type Session struct {
	Header  Header
	Entries []Entry
}

// Duration is the offset of the final entry, the length of one playback pass.
func (s *Session) Duration() time.Duration {
	if len(s.Entries) == 0 {
		return 0
	}
	return s.Entries[len(s.Entries)-1].Offset()
}

// LoadSession reads a session file written by the Recorder.
func LoadSession(path string) (*Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer f.Close()
	return ReadSession(f)
}

// ReadSession decodes a session stream: a header line followed by entries.
func ReadSession(r io.Reader) (*Session, error) {
	dec := json.NewDecoder(r)
	var s Session
	if err := dec.Decode(&s.Header); err != nil {
		return nil, fmt.Errorf("session header: %w", err)
	}
	if s.Header.Version != sessionVersion {
		return nil, fmt.Errorf("unsupported session version %d", s.Header.Version)
	}
	for {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("session entry %d: %w", len(s.Entries), err)
		}
		if n := len(s.Entries); n > 0 && e.OffsetMS < s.Entries[n-1].OffsetMS {
			return nil, fmt.Errorf("session entry %d out of order", n)
		}
		s.Entries = append(s.Entries, e)
	}
	if len(s.Entries) == 0 {
		return nil, errors.New("session has no entries")
	}
	return &s, nil
}

// playbackDriver replays a recorded session through the broadcast path at
// its original relative offsets. The virtual clock supplies speed scaling.
type playbackDriver struct {
	sess *Session
	pos  int
}

func newPlaybackDriver(sess *Session) *playbackDriver {
	return &playbackDriver{sess: sess}
}

func (p *playbackDriver) step(vt, dt time.Duration, now time.Time) ([][]byte, bool) {
	var out [][]byte
	for p.pos < len(p.sess.Entries) && p.sess.Entries[p.pos].Offset() <= vt {
		out = append(out, p.sess.Entries[p.pos].Data)
		p.pos++
	}
	return out, p.pos >= len(p.sess.Entries)
}

func (p *playbackDriver) length() time.Duration { return p.sess.Duration() }

func (p *playbackDriver) rewind() { p.pos = 0 }

func (p *playbackDriver) close() error { return nil }
