package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// DefaultGameCheckInterval bounds how often the process table is scanned.
const DefaultGameCheckInterval = 10 * time.Second

// GameProcessRunning reports whether a process with the given executable
// name is running. Under Proton the kernel name is truncated, so the first
// command-line argument is checked as well.
func GameProcessRunning(name string) (bool, error) {
	procs, err := process.Processes()
	if err != nil {
		return false, fmt.Errorf("listing processes: %w", err)
	}
	for _, p := range procs {
		pname, err := p.Name()
		if err != nil {
			continue
		}
		if matchesProcess(pname, nil, name) {
			return true, nil
		}
		args, err := p.CmdlineSlice()
		if err != nil {
			continue
		}
		if matchesProcess(pname, args, name) {
			return true, nil
		}
	}
	return false, nil
}

func matchesProcess(pname string, args []string, target string) bool {
	if target == "" {
		return false
	}
	if strings.EqualFold(pname, target) {
		return true
	}
	if len(args) == 0 {
		return false
	}
	exe := args[0]
	if i := strings.LastIndexAny(exe, `/\`); i >= 0 {
		exe = exe[i+1:]
	}
	return strings.EqualFold(exe, target)
}

// gameDetector caches GameProcessRunning between scans.
type gameDetector struct {
	name     string
	interval time.Duration
	lookup   func(string) (bool, error)

	checked time.Time
	running bool
	err     error
}

func newGameDetector(name string, lookup func(string) (bool, error)) *gameDetector {
	return &gameDetector{name: name, interval: DefaultGameCheckInterval, lookup: lookup}
}

func (d *gameDetector) setName(name string) {
	if name != d.name {
		d.name = name
		d.checked = time.Time{}
	}
}

// Running returns the cached result unless the interval has elapsed.
// Detection is disabled when no process name is configured.
func (d *gameDetector) Running(now time.Time) (bool, error) {
	if d.name == "" {
		return false, nil
	}
	if !d.checked.IsZero() && now.Sub(d.checked) < d.interval {
		return d.running, d.err
	}
	d.checked = now
	d.running, d.err = d.lookup(d.name)
	return d.running, d.err
}
