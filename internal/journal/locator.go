package journal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// ErrListDir wraps failures to list the journal directory.
var ErrListDir = errors.New("listing journal directory")

var journalName = regexp.MustCompile(`^Journal\.(\d+)\.(\d+)\.log$`)

// SessionFile is one part of a play session's journal.
type SessionFile struct {
	Name    string // base name, e.g. Journal.230101120000.01.log
	Path    string
	Session uint64
	Part    uint64
}

// ParseName extracts the session id and part from a journal file name.
func ParseName(name string) (session, part uint64, ok bool) {
	m := journalName.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, false
	}
	session, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	part, err = strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return session, part, true
}

// FindSessionFiles returns the parts of the newest session in dir, oldest
// part first. A directory without journal files yields an empty slice.
func FindSessionFiles(dir string) ([]SessionFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrListDir, dir, err)
	}

	var files []SessionFile
	var latest uint64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		session, part, ok := ParseName(entry.Name())
		if !ok {
			continue
		}
		if session > latest {
			latest = session
		}
		files = append(files, SessionFile{
			Name:    entry.Name(),
			Path:    filepath.Join(dir, entry.Name()),
			Session: session,
			Part:    part,
		})
	}

	current := files[:0]
	for _, f := range files {
		if f.Session == latest {
			current = append(current, f)
		}
	}

	sort.Slice(current, func(i, j int) bool {
		return current[i].Part < current[j].Part
	})
	return current, nil
}
