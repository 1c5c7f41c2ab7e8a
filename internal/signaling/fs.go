package signaling

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// maxSignalAge is how long a signal file stays in the shared directory
// before cleanup removes it.
const maxSignalAge = 300 * time.Second

// FS is a Signaler backed by a shared filesystem directory agreed
// out-of-band. Each message is one JSON file whose name starts with a
// unix timestamp in seconds, so a lexicographic sort yields FIFO order
// per sender for messages sent in distinct seconds; messages sent
// within the same second are not ordered.
type FS struct {
	log      *zap.Logger
	dir      string
	peerID   string
	active   bool
	lastIdx  int
	handlers []Handler

	watcher *fsnotify.Watcher
	// number of Process calls since the last directory scan; a full
	// scan runs at least every scanInterval calls even when the
	// watcher reports no activity.
	sinceScan int
}

// scanInterval is the number of Process calls between forced directory
// scans when the watcher reports no activity.
const scanInterval = 10

// NewFS returns a filesystem signaler over dir with a freshly
// generated peer id.
func NewFS(log *zap.Logger, dir string) *FS {
	return &FS{
		log:    log,
		dir:    dir,
		peerID: uuid.New().String(),
	}
}

// Init creates the shared directory and starts the change watcher.
// Watcher failure is tolerated: the signaler falls back to scanning on
// every Process call.
func (f *FS) Init() error {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create signaling directory")
	}
	w, err := fsnotify.NewWatcher()
	if err == nil {
		if watchErr := w.Add(f.dir); watchErr != nil {
			f.log.Warn("failed to watch signaling directory", zap.Error(watchErr))
			if closeErr := w.Close(); closeErr != nil {
				f.log.Warn("failed to close watcher", zap.Error(closeErr))
			}
		} else {
			f.watcher = w
		}
	} else {
		f.log.Warn("failed to create watcher, polling only", zap.Error(err))
	}
	f.active = true
	// First Process call scans regardless of watcher activity.
	f.sinceScan = scanInterval
	f.log.Info("signaling initialized",
		zap.String("peer", f.peerID),
		zap.String("dir", f.dir),
	)
	return nil
}

// Shutdown deactivates the signaler.
func (f *FS) Shutdown() {
	if !f.active {
		return
	}
	f.active = false
	if f.watcher != nil {
		if err := f.watcher.Close(); err != nil {
			f.log.Warn("failed to close watcher", zap.Error(err))
		}
		f.watcher = nil
	}
	f.log.Info("signaling shut down")
}

// Active implements Signaler.
func (f *FS) Active() bool { return f.active }

// LocalPeerID implements Signaler.
func (f *FS) LocalPeerID() string { return f.peerID }

// OnMessage implements Signaler.
func (f *FS) OnMessage(h Handler) {
	f.handlers = append(f.handlers, h)
}

// Send writes one signal file: signal_<unix_ts>_<peerId>_<uuid>.json.
func (f *FS) Send(m Message) error {
	if !f.active {
		return errors.New("signaling not active")
	}
	b, err := m.ToJSON()
	if err != nil {
		return err
	}
	name := fmt.Sprintf("signal_%d_%s_%s.json",
		time.Now().UTC().Unix(), f.peerID, uuid.New().String(),
	)
	path := filepath.Join(f.dir, name)
	if err = os.WriteFile(path, b, 0o644); err != nil {
		return errors.Wrap(err, "failed to write signal file")
	}
	f.log.Debug("signal sent",
		zap.String("file", name),
		zap.Stringer("type", m.Type),
	)
	return nil
}

// dirty drains pending watcher events without blocking and reports
// whether any arrived.
func (f *FS) dirty() bool {
	if f.watcher == nil {
		return true
	}
	saw := false
	for {
		select {
		case _, ok := <-f.watcher.Events:
			if !ok {
				return true
			}
			saw = true
		case err, ok := <-f.watcher.Errors:
			if ok {
				f.log.Warn("watcher error", zap.Error(err))
			} else {
				return true
			}
		default:
			return saw
		}
	}
}

// Process scans the directory for new signal files, dispatches those
// past the last processed index and removes files older than five
// minutes.
func (f *FS) Process() {
	if !f.active {
		return
	}
	f.sinceScan++
	if !f.dirty() && f.sinceScan < scanInterval {
		return
	}
	f.sinceScan = 0

	names, err := f.listSignals()
	if err != nil {
		f.log.Warn("failed to list signaling directory", zap.Error(err))
		return
	}
	for i := f.lastIdx; i < len(names); i++ {
		f.dispatchFile(names[i])
	}
	f.lastIdx = len(names)
	f.cleanup(names)
}

func (f *FS) listSignals() ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	// Names begin with a monotonically increasing timestamp.
	sort.Strings(names)
	return names, nil
}

func (f *FS) dispatchFile(name string) {
	b, err := os.ReadFile(filepath.Join(f.dir, name))
	if err != nil {
		f.log.Warn("failed to read signal file",
			zap.String("file", name), zap.Error(err),
		)
		return
	}
	m, warning, err := FromJSON(b)
	if err != nil {
		f.log.Warn("failed to decode signal file",
			zap.String("file", name), zap.Error(err),
		)
		return
	}
	if warning != "" {
		f.log.Warn("signal decoded with defaults",
			zap.String("file", name), zap.String("warning", warning),
		)
	}
	if !accepts(f.peerID, m) {
		return
	}
	f.log.Debug("signal received",
		zap.String("sender", m.SenderID),
		zap.Stringer("type", m.Type),
		zap.Int("candidates", len(m.Candidates)),
	)
	for _, h := range f.handlers {
		h(m)
	}
}

func (f *FS) cleanup(names []string) {
	now := time.Now()
	removed := 0
	for _, name := range names {
		path := filepath.Join(f.dir, name)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= maxSignalAge {
			continue
		}
		if err := os.Remove(path); err != nil {
			f.log.Warn("failed to remove old signal file",
				zap.String("file", name), zap.Error(err),
			)
			continue
		}
		removed++
		if f.lastIdx > 0 {
			// Removed files precede unprocessed ones in sort order.
			f.lastIdx--
		}
	}
	if removed > 0 {
		f.log.Debug("cleaned up old signal files", zap.Int("removed", removed))
	}
}
