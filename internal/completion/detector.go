// Package completion watches the status drop-directory where agents write
// their completion markers and surfaces them to the orchestrator.
//
// A marker is a file named <session>.status whose first line is either
// COMPLETED or FAILED:<reason>. Detection uses fsnotify with a polling
// fallback so markers are never missed on filesystems without change
// notification.
package completion

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/splitmind/splitmind/internal/logging"
)

// DefaultPollInterval is the polling fallback cadence. The contract is
// detection within 2 seconds even without fsnotify events.
const DefaultPollInterval = 2 * time.Second

// DefaultOrphanTTL is how long an unclaimed marker survives before the
// sweep removes it.
const DefaultOrphanTTL = time.Hour

const markerSuffix = ".status"

// Marker is one parsed completion signal.
type Marker struct {
	Session string
	Success bool
	Reason  string
	ModTime time.Time
}

// Detector watches one drop-directory and delivers each marker exactly
// once per appearance. Markers stay on disk until Remove is called, so a
// crashed orchestrator re-observes them on restart.
type Detector struct {
	dir          string
	pollInterval time.Duration
	logger       *logging.Logger

	markers chan Marker

	mu       sync.Mutex
	reported map[string]bool
	stopCh   chan struct{}
	stopped  bool
}

// New creates a Detector for dir, creating the directory if needed.
func New(dir string, pollInterval time.Duration, logger *logging.Logger) (*Detector, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &Detector{
		dir:          dir,
		pollInterval: pollInterval,
		logger:       logger.WithComponent("completion"),
		markers:      make(chan Marker, 64),
		reported:     make(map[string]bool),
		stopCh:       make(chan struct{}),
	}, nil
}

// Markers returns the channel completion markers are delivered on.
func (d *Detector) Markers() <-chan Marker { return d.markers }

// Start begins watching. The returned error only reflects watcher setup;
// the polling fallback runs regardless.
func (d *Detector) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Degrade to polling only.
		d.logger.Warn("fsnotify unavailable, falling back to polling", "error", err)
		go d.pollLoop()
		return nil
	}
	if err := watcher.Add(d.dir); err != nil {
		_ = watcher.Close()
		d.logger.Warn("cannot watch status dir, falling back to polling", "dir", d.dir, "error", err)
		go d.pollLoop()
		return nil
	}
	go d.watchLoop(watcher)
	go d.pollLoop()
	return nil
}

// Stop halts watching. Pending markers already queued remain readable.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	close(d.stopCh)
}

func (d *Detector) watchLoop(watcher *fsnotify.Watcher) {
	defer watcher.Close()
	for {
		select {
		case <-d.stopCh:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			d.tryReport(event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("watcher error", "error", err)
		}
	}
}

func (d *Detector) pollLoop() {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.Scan()
		}
	}
}

// Scan reads the drop-directory once and reports any unreported markers.
// Called on startup for crash recovery and by the polling fallback.
func (d *Detector) Scan() {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		d.tryReport(filepath.Join(d.dir, entry.Name()))
	}
}

// tryReport parses and delivers one marker file, once per appearance.
func (d *Detector) tryReport(path string) {
	name := filepath.Base(path)
	session, ok := strings.CutSuffix(name, markerSuffix)
	if !ok || session == "" {
		return
	}

	d.mu.Lock()
	if d.reported[session] || d.stopped {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	marker, err := d.parse(path, session)
	if err != nil {
		// Partial write; the next event or poll retries.
		return
	}

	d.mu.Lock()
	if d.reported[session] || d.stopped {
		d.mu.Unlock()
		return
	}
	d.reported[session] = true
	d.mu.Unlock()

	select {
	case d.markers <- marker:
		d.logger.WithSession(session).Info("completion marker observed",
			"success", marker.Success, "reason", marker.Reason)
	case <-d.stopCh:
	}
}

func (d *Detector) parse(path, session string) (Marker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Marker{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return Marker{}, err
	}

	line, _, _ := strings.Cut(strings.TrimSpace(string(data)), "\n")
	line = strings.TrimSpace(line)

	marker := Marker{Session: session, ModTime: info.ModTime()}
	switch {
	case line == "COMPLETED":
		marker.Success = true
	case strings.HasPrefix(line, "FAILED:"):
		marker.Reason = strings.TrimSpace(strings.TrimPrefix(line, "FAILED:"))
	case strings.HasPrefix(line, "FAILED"):
		marker.Reason = "unspecified"
	default:
		// Not a sentinel yet; treat as a partial write.
		return Marker{}, os.ErrInvalid
	}
	return marker, nil
}

// Remove deletes a handled marker and clears its reported state so a
// future marker for the same session is delivered again.
func (d *Detector) Remove(session string) error {
	err := os.Remove(filepath.Join(d.dir, session+markerSuffix))
	d.mu.Lock()
	delete(d.reported, session)
	d.mu.Unlock()
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SweepOrphans removes markers older than ttl whose session is not in
// known. Returns the sessions swept.
func (d *Detector) SweepOrphans(known map[string]bool, ttl time.Duration) []string {
	if ttl <= 0 {
		ttl = DefaultOrphanTTL
	}
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil
	}
	cutoff := time.Now().Add(-ttl)

	var swept []string
	for _, entry := range entries {
		session, ok := strings.CutSuffix(entry.Name(), markerSuffix)
		if !ok || session == "" || known[session] {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := d.Remove(session); err == nil {
			swept = append(swept, session)
			d.logger.WithSession(session).Info("swept orphan completion marker")
		}
	}
	return swept
}
