package registry

import (
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Iron-Ham/troupe/internal/logging"
)

// debounceDelay collapses the burst of events editors emit for one save.
const debounceDelay = 100 * time.Millisecond

// EdgeHandler receives dependency edges added to roles.yaml during a run.
type EdgeHandler func(added []Edge)

// Watcher reloads roles.yaml on change and reports newly added dependency
// edges between already-registered roles. Role definitions, removed edges and
// new roles are ignored: the registry is immutable for the run.
type Watcher struct {
	path    string
	base    *Registry
	known   map[[2]string]struct{}
	handler EdgeHandler
	logger  *logging.Logger

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// NewWatcher creates a Watcher for path seeded with the edges of base.
func NewWatcher(path string, base *Registry, handler EdgeHandler, logger *logging.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory so atomic rename-on-save is observed.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, err
	}
	if logger == nil {
		logger = logging.NopLogger()
	}

	w := &Watcher{
		path:    filepath.Clean(path),
		base:    base,
		known:   make(map[[2]string]struct{}),
		handler: handler,
		logger:  logger.WithComponent("registry"),
		watcher: fw,
		stopCh:  make(chan struct{}),
	}
	for _, e := range base.Edges() {
		w.known[[2]string{e.From, e.To}] = struct{}{}
	}
	return w, nil
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start() {
	w.wg.Go(w.watchLoop)
}

// Stop ends the watch loop and releases the fsnotify watcher.
func (w *Watcher) Stop() {
	close(w.stopCh)
	_ = w.watcher.Close()
	w.wg.Wait()
}

func (w *Watcher) watchLoop() {
	debounce := time.NewTimer(debounceDelay)
	if !debounce.Stop() {
		<-debounce.C
	}
	pending := false

	for {
		select {
		case <-w.stopCh:
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = true
			debounce.Reset(debounceDelay)

		case <-debounce.C:
			if pending {
				pending = false
				w.Reload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("registry watch error", "error", err)
		}
	}
}

// Reload re-reads the file and delivers any new edges to the handler.
// Parse failures are logged and the previous edge set is kept.
func (w *Watcher) Reload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	next, err := Load(w.path)
	if err != nil {
		w.logger.Warn("ignoring invalid registry update", "error", err)
		return
	}

	var added []Edge
	for _, e := range next.Edges() {
		key := [2]string{e.From, e.To}
		if _, seen := w.known[key]; seen {
			continue
		}
		if !w.base.Has(e.From) || !w.base.Has(e.To) {
			w.logger.Warn("ignoring edge to role not registered at startup", "from", e.From, "to", e.To)
			continue
		}
		w.known[key] = struct{}{}
		added = append(added, e)
	}

	for _, id := range next.IDs() {
		if !w.base.Has(id) {
			w.logger.Info("new role definitions take effect on restart", "role_id", id)
		}
	}

	if len(added) == 0 {
		return
	}
	slices.SortFunc(added, func(a, b Edge) int {
		if d := w.base.Index(a.From) - w.base.Index(b.From); d != 0 {
			return d
		}
		return w.base.Index(a.To) - w.base.Index(b.To)
	})
	w.logger.Info("dependency edges added", "count", len(added))
	if w.handler != nil {
		w.handler(added)
	}
}
