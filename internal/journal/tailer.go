package journal

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	xlog "github.com/edcompanion/engine/internal/log"
)

// TailPosition is the read cursor for one journal file. Lines and Offset
// only count newline-terminated lines; a trailing partial line is never
// consumed.
type TailPosition struct {
	Filename string
	Lines    int
	Offset   int64
}

// PollStats summarises one PollNewEvents call.
type PollStats struct {
	Files        int       // session files seen
	Lines        int       // complete lines consumed
	Malformed    int       // complete lines that failed to decode
	Resets       int       // cursors reset after a replace or truncation
	LastModified time.Time // newest journal modification time seen
	Active       string    // most recently read file
	Err          error     // transient listing/stat/read failure, if any
}

type Option func(*Tailer)

// WithSkipExisting makes the first poll fast-forward past everything already
// written, so only events appended after startup are delivered.
func WithSkipExisting() Option {
	return func(t *Tailer) { t.skipExisting = true }
}

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Tailer) { t.logger = l }
}

// Tailer incrementally reads the current session's journal files. It is
// not safe for concurrent use; the poll loop owns it.
type Tailer struct {
	dir          string
	positions    map[string]*TailPosition
	identities   map[string]os.FileInfo
	tails        map[string][]byte // last consumed line per file
	active       string
	skipExisting bool
	stat         func(string) (os.FileInfo, error)
	logger       zerolog.Logger
}

func NewTailer(dir string, opts ...Option) *Tailer {
	t := &Tailer{
		dir:        dir,
		positions:  make(map[string]*TailPosition),
		identities: make(map[string]os.FileInfo),
		tails:      make(map[string][]byte),
		stat:       os.Stat,
		logger:     xlog.WithComponent("journal"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Dir returns the journal directory being tailed.
func (t *Tailer) Dir() string { return t.dir }

// Active returns the name of the most recently read file.
func (t *Tailer) Active() string { return t.active }

// Position returns a copy of the cursor for the named file.
func (t *Tailer) Position(name string) (TailPosition, bool) {
	pos, ok := t.positions[name]
	if !ok {
		return TailPosition{}, false
	}
	return *pos, true
}

// PollNewEvents returns every event appended since the previous call, in
// file and line order. Failures are reported in PollStats.Err and never
// lose or duplicate events: the next call resumes from the stored cursors.
func (t *Tailer) PollNewEvents() ([]Event, PollStats) {
	var stats PollStats

	files, err := FindSessionFiles(t.dir)
	if err != nil {
		stats.Err = err
		return nil, stats
	}
	stats.Files = len(files)

	// Skipping stays armed until one pass covers every file. Files that
	// already have a cursor are read normally on a retry.
	fastForward := t.skipExisting
	skipped := 0

	var events []Event
	for _, f := range files {
		info, err := t.stat(f.Path)
		if err != nil {
			// Later parts must not be read ahead of this one.
			stats.Err = fmt.Errorf("stat %s: %w", f.Name, err)
			break
		}
		if info.ModTime().After(stats.LastModified) {
			stats.LastModified = info.ModTime()
		}

		_, known := t.positions[f.Name]
		pos, reset := t.cursor(f, info)
		if reset {
			stats.Resets++
		}
		if info.Size() == pos.Offset {
			continue
		}

		skip := fastForward && !known
		before := stats.Lines
		read, err := t.readFrom(f.Path, pos, !skip, &stats)
		if skip {
			skipped += stats.Lines - before
		}
		events = append(events, read...)
		if t.active != f.Name {
			if t.active != "" {
				t.logger.Info().
					Str("event", "journal.rotated").
					Str("from", t.active).
					Str("to", f.Name).
					Msg("active journal file changed")
			}
			t.active = f.Name
		}
		if err != nil {
			stats.Err = err
			break
		}
	}

	stats.Active = t.active
	if fastForward && stats.Err == nil {
		t.skipExisting = false
		t.logger.Info().
			Str("event", "journal.skipped_existing").
			Int("lines", skipped).
			Msg("skipped existing journal lines")
	}
	return events, stats
}

// cursor returns the stored position for the file, resetting it when the
// file is new, was replaced by a different file, shrank, or was rewritten
// in place to the same size.
func (t *Tailer) cursor(f SessionFile, info os.FileInfo) (pos *TailPosition, reset bool) {
	name := f.Name
	pos, ok := t.positions[name]
	prev, seen := t.identities[name]
	t.identities[name] = info

	switch {
	case !ok:
		pos = &TailPosition{Filename: name}
		t.positions[name] = pos
	case seen && !os.SameFile(prev, info):
		t.logger.Info().
			Str("event", "journal.replaced").
			Str("file", name).
			Msg("journal file replaced, reading from start")
		*pos = TailPosition{Filename: name}
		reset = true
	case info.Size() < pos.Offset:
		t.logger.Warn().
			Str("event", "journal.truncated").
			Str("file", name).
			Int64("size", info.Size()).
			Int64("offset", pos.Offset).
			Msg("journal file shrank, reading from start")
		*pos = TailPosition{Filename: name}
		reset = true
	case seen && info.Size() == pos.Offset && !info.ModTime().Equal(prev.ModTime()) && !t.tailIntact(f.Path, name, pos):
		t.logger.Warn().
			Str("event", "journal.rewritten").
			Str("file", name).
			Msg("journal file rewritten in place, reading from start")
		*pos = TailPosition{Filename: name}
		reset = true
	}
	if reset {
		delete(t.tails, name)
	}
	return pos, reset
}

// tailIntact reports whether the bytes just before pos.Offset still match
// the last line consumed from the file.
func (t *Tailer) tailIntact(path, name string, pos *TailPosition) bool {
	want := t.tails[name]
	if len(want) == 0 {
		return true
	}
	f, err := os.Open(path)
	if err != nil {
		// Let readFrom report it.
		return true
	}
	defer f.Close()
	got := make([]byte, len(want))
	if _, err := f.ReadAt(got, pos.Offset-int64(len(want))); err != nil {
		return true
	}
	return bytes.Equal(got, want)
}

// readFrom reads complete lines after pos and advances it. When emit is
// false lines are consumed without decoding.
func (t *Tailer) readFrom(path string, pos *TailPosition, emit bool, stats *PollStats) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", pos.Filename, err)
	}
	defer f.Close()

	if pos.Offset > 0 {
		if _, err := f.Seek(pos.Offset, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seek %s: %w", pos.Filename, err)
		}
	}

	var events []Event
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return events, fmt.Errorf("read %s: %w", pos.Filename, err)
		}

		// An unterminated tail is still being written; leave it for the
		// next poll.
		if len(line) == 0 || line[len(line)-1] != '\n' {
			break
		}

		pos.Offset += int64(len(line))
		pos.Lines++
		stats.Lines++
		t.tails[pos.Filename] = append(t.tails[pos.Filename][:0], line...)

		data := bytes.TrimRight(line, "\r\n")
		if !emit || len(bytes.TrimSpace(data)) == 0 {
			continue
		}

		ev, decodeErr := Decode(data)
		if decodeErr != nil {
			stats.Malformed++
			t.logger.Debug().
				Err(decodeErr).
				Str("event", "journal.malformed_line").
				Str("file", pos.Filename).
				Int("line", pos.Lines).
				Msg("skipping undecodable journal line")
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}
