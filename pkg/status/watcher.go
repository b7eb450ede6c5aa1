package status

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher rebuilds the rule set when rule files change on disk. A rebuilt set
// is parked as pending; consumers adopt it with TakePending at a point of
// their choosing, so no evaluation ever observes a rule set change mid-batch.
type Watcher struct {
	paths    []string
	logger   zerolog.Logger
	debounce time.Duration

	pending atomic.Pointer[RuleSet]

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	timer   *time.Timer
}

// NewWatcher creates a watcher for the given rule paths. The paths are the
// same ones passed to LoadRuleSet.
func NewWatcher(logger zerolog.Logger, paths ...string) *Watcher {
	return &Watcher{
		paths:    append([]string(nil), paths...),
		logger:   logger.With().Str("component", "rule-watcher").Logger(),
		debounce: 500 * time.Millisecond,
	}
}

// Start begins watching. Directories holding the rule files are watched
// rather than the files themselves so that editors replacing a file by rename
// are noticed. Start returns once the watch is registered; events are handled
// in the background until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	dirs := make(map[string]struct{})
	for _, p := range w.paths {
		info, err := os.Stat(p)
		if err != nil {
			w.logger.Warn().Err(err).Str("path", p).Msg("Failed to stat rule path for watching")
			continue
		}
		dir := p
		if !info.IsDir() {
			dir = filepath.Dir(p)
		}
		dirs[dir] = struct{}{}
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			w.logger.Warn().Err(err).Str("path", dir).Msg("Failed to watch rule directory")
		}
	}

	w.mu.Lock()
	w.watcher = fw
	w.mu.Unlock()

	go w.processEvents(ctx, fw)

	w.logger.Info().Int("paths", len(w.paths)).Msg("Watching rule files")
	return nil
}

func (w *Watcher) processEvents(ctx context.Context, fw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return

		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".json") || !w.relevant(event.Name) {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Rule file changed")

			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(w.debounce, func() {
				if err := w.Reload(); err != nil {
					w.logger.Error().Err(err).Msg("Failed to reload rules; keeping current rule set")
				}
			})
			w.mu.Unlock()

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) relevant(name string) bool {
	clean := filepath.Clean(name)
	for _, p := range w.paths {
		p = filepath.Clean(p)
		if clean == p || filepath.Dir(clean) == p {
			return true
		}
	}
	return false
}

// Reload rebuilds the rule set from disk and parks it as pending. A broken
// rule file leaves the previous pending value untouched.
func (w *Watcher) Reload() error {
	rs, err := LoadRuleSet(w.paths...)
	if err != nil {
		return err
	}
	w.pending.Store(rs)
	w.logger.Info().
		Int("keywords", len(rs.keywords)).
		Msg("Rule set reloaded; pending adoption")
	return nil
}

// TakePending returns the most recent rebuilt rule set, or nil when nothing
// changed since the last call.
func (w *Watcher) TakePending() *RuleSet {
	return w.pending.Swap(nil)
}

// Stop stops watching. It is safe to call more than once.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	w.watcher = nil
	return err
}
