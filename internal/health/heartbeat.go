package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/miradorstack/mirador-recovery/internal/models"
	"github.com/miradorstack/mirador-recovery/internal/utils"
)

// Heartbeat is the document a target pushes into its heartbeat file.
type Heartbeat struct {
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
}

// HeartbeatProber reads heartbeats pushed by the target. A heartbeat older than maxAge
// (twice the poll interval) is UNREACHABLE.
type HeartbeatProber struct {
	path   string
	maxAge time.Duration
	now    utils.Clock
	logger *slog.Logger

	mu       sync.Mutex
	last     *Heartbeat
	lastErr  error
	watching bool
}

// NewHeartbeatProber constructs a HeartbeatProber for path.
func NewHeartbeatProber(path string, pollInterval time.Duration, now utils.Clock, logger *slog.Logger) *HeartbeatProber {
	if now == nil {
		now = utils.SystemClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HeartbeatProber{path: path, maxAge: 2 * pollInterval, now: now, logger: logger}
}

func readHeartbeat(path string) (*Heartbeat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return nil, fmt.Errorf("decode heartbeat %s: %w", path, err)
	}
	return &hb, nil
}

func (p *HeartbeatProber) reload() {
	hb, err := readHeartbeat(p.path)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.lastErr = err
		return
	}
	p.last, p.lastErr = hb, nil
}

// Run watches the heartbeat file until ctx is cancelled. Without a running watcher Probe
// reads the file directly.
func (p *HeartbeatProber) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("heartbeat watcher: %w", err)
	}
	defer watcher.Close()

	// watch the directory so atomic replace-by-rename is observed
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(p.path), err)
	}
	p.reload()
	p.mu.Lock()
	p.watching = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.watching = false
		p.mu.Unlock()
	}()

	target := filepath.Clean(p.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				p.reload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("heartbeat watcher error", slog.String("path", p.path), slog.Any("error", err))
		}
	}
}

// Probe implements Prober.
func (p *HeartbeatProber) Probe(context.Context) (models.HealthOutcome, string, error) {
	p.mu.Lock()
	watching := p.watching
	p.mu.Unlock()
	if !watching {
		p.reload()
	}

	p.mu.Lock()
	hb, lastErr := p.last, p.lastErr
	p.mu.Unlock()
	if hb == nil {
		if lastErr != nil {
			return models.HealthUnreachable, "", lastErr
		}
		return models.HealthUnreachable, "no heartbeat received", nil
	}
	if age := p.now().Sub(hb.Timestamp); utils.Stale(hb.Timestamp, p.now(), p.maxAge) {
		return models.HealthUnreachable, fmt.Sprintf("heartbeat stale for %s", age.Round(time.Second)), nil
	}
	return outcomeFromStatus(hb.Status), hb.Detail, nil
}
