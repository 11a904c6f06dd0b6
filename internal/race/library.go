package race

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	xlog "github.com/edcompanion/engine/internal/log"
)

// ErrNotFound is returned by Library.Load for unknown races.
var ErrNotFound = errors.New("race not found")

// Entry summarises a stored race.
type Entry struct {
	Slug      string `json:"slug"`
	Name      string `json:"name"`
	Waypoints int    `json:"waypoints"`
}

// Library stores race definitions as <slug>.json files in one directory.
type Library struct {
	dir    string
	logger zerolog.Logger
}

func NewLibrary(dir string) *Library {
	return &Library{dir: dir, logger: xlog.WithComponent("race-library")}
}

func (l *Library) Dir() string { return l.dir }

// Slug turns a race name into a file-safe identifier.
func Slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// Save validates def and atomically writes it, replacing any race with the
// same slug. It returns the slug.
func (l *Library) Save(def Definition) (string, error) {
	if err := def.Validate(); err != nil {
		return "", err
	}
	slug := Slug(def.Name)
	if slug == "" {
		return "", fmt.Errorf("%w: name %q has no usable characters", ErrInvalidDefinition, def.Name)
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating race library: %w", err)
	}

	data, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding race %s: %w", def.Name, err)
	}
	path := filepath.Join(l.dir, slug+".json")
	if err := renameio.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("writing race %s: %w", path, err)
	}
	l.logger.Info().Str("event", "race.saved").Str("slug", slug).Str("path", path).Msg("race saved")
	return slug, nil
}

// Load reads the race stored under slug.
func (l *Library) Load(slug string) (Definition, error) {
	path := filepath.Join(l.dir, slug+".json")
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return Definition{}, fmt.Errorf("%w: %s", ErrNotFound, slug)
	}
	return LoadDefinition(path)
}

// List returns all valid stored races sorted by slug. Unparsable files are
// logged and skipped. A missing directory is an empty library.
func (l *Library) List() ([]Entry, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing race library: %w", err)
	}

	var out []Entry
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		slug := strings.TrimSuffix(entry.Name(), ".json")
		def, err := LoadDefinition(filepath.Join(l.dir, entry.Name()))
		if err != nil {
			l.logger.Warn().Err(err).Str("event", "race.invalid_file").Str("file", entry.Name()).Msg("skipping race file")
			continue
		}
		out = append(out, Entry{Slug: slug, Name: def.Name, Waypoints: len(def.Waypoints)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}
