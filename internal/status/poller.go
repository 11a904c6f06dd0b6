// Package status polls the game's Status.json snapshot, which the game
// rewrites in place several times a second.
package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/rs/zerolog"

	xlog "github.com/edcompanion/engine/internal/log"
)

const (
	DefaultMaxAttempts = 10
	DefaultRetryDelay  = 10 * time.Millisecond
)

// Snapshot is the subset of Status.json the engine interprets. Position
// fields are nil when the ship is not near a planetary surface.
type Snapshot struct {
	Timestamp    string   `json:"timestamp"`
	Flags        uint64   `json:"Flags"`
	Latitude     *float64 `json:"Latitude,omitempty"`
	Longitude    *float64 `json:"Longitude,omitempty"`
	Altitude     *float64 `json:"Altitude,omitempty"`
	Heading      *float64 `json:"Heading,omitempty"`
	PlanetRadius *float64 `json:"PlanetRadius,omitempty"` // meters
	BodyName     string   `json:"BodyName,omitempty"`
}

// Position returns latitude and longitude in degrees when both are known.
func (s *Snapshot) Position() (lat, lng float64, ok bool) {
	if s == nil || s.Latitude == nil || s.Longitude == nil {
		return 0, 0, false
	}
	return *s.Latitude, *s.Longitude, true
}

// RadiusKm returns the current body's radius in kilometers.
func (s *Snapshot) RadiusKm() (float64, bool) {
	if s == nil || s.PlanetRadius == nil || *s.PlanetRadius <= 0 {
		return 0, false
	}
	return *s.PlanetRadius / 1000, true
}

// Result is the outcome of one Poll.
type Result struct {
	Snapshot *Snapshot // latest known snapshot, nil if none
	Changed  bool      // a new snapshot was decoded this poll
	Attempts int       // decode attempts made this poll
	Err      error     // last decode failure when all attempts failed
}

type Option func(*Poller)

// WithRetry sets the decode attempt ceiling and the delay between attempts.
func WithRetry(maxAttempts int, delay time.Duration) Option {
	return func(p *Poller) {
		if maxAttempts > 0 {
			p.maxAttempts = maxAttempts
		}
		if delay >= 0 {
			p.retryDelay = delay
		}
	}
}

// WithSleep replaces time.Sleep between retries.
func WithSleep(sleep func(time.Duration)) Option {
	return func(p *Poller) { p.sleep = sleep }
}

// WithReadFile replaces os.ReadFile.
func WithReadFile(read func(string) ([]byte, error)) Option {
	return func(p *Poller) { p.readFile = read }
}

// Poller caches the last decoded snapshot and re-reads the file only when
// its modification time moves. Not safe for concurrent use.
type Poller struct {
	path        string
	maxAttempts int
	retryDelay  time.Duration
	sleep       func(time.Duration)
	readFile    func(string) ([]byte, error)
	logger      zerolog.Logger

	lastModTime time.Time
	last        *Snapshot
}

func NewPoller(path string, opts ...Option) *Poller {
	p := &Poller{
		path:        path,
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  DefaultRetryDelay,
		sleep:       time.Sleep,
		readFile:    os.ReadFile,
		logger:      xlog.WithComponent("status"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Poller) Path() string { return p.path }

// SetRetry changes the retry policy for later polls.
func (p *Poller) SetRetry(maxAttempts int, delay time.Duration) {
	WithRetry(maxAttempts, delay)(p)
}

// Last returns the cached snapshot without touching the file.
func (p *Poller) Last() *Snapshot { return p.last }

// Poll checks the status file once. A missing file is not an error and
// yields no snapshot. Decode failures are retried up to the attempt
// ceiling; when they persist the previous snapshot is returned unchanged
// and the next Poll starts over.
func (p *Poller) Poll() Result {
	info, err := os.Stat(p.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			p.logger.Debug().Err(err).Str("event", "status.stat_failed").Msg("cannot stat status file")
			return Result{Snapshot: p.last}
		}
		p.last = nil
		p.lastModTime = time.Time{}
		return Result{}
	}

	if p.last != nil && info.ModTime().Equal(p.lastModTime) {
		return Result{Snapshot: p.last}
	}

	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if attempt > 1 {
			p.sleep(p.retryDelay)
		}
		snap, err := p.read()
		if err == nil {
			p.last = snap
			p.lastModTime = info.ModTime()
			return Result{Snapshot: snap, Changed: true, Attempts: attempt}
		}
		lastErr = err
	}

	p.logger.Debug().
		Err(lastErr).
		Str("event", "status.decode_gave_up").
		Int("attempts", p.maxAttempts).
		Msg("status file still undecodable, keeping previous snapshot")
	return Result{Snapshot: p.last, Attempts: p.maxAttempts, Err: lastErr}
}

func (p *Poller) read() (*Snapshot, error) {
	data, err := p.readFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", p.path, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", p.path, err)
	}
	return &snap, nil
}
