package loader

import (
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/gantryio/gantry/pkg/manifest"
)

// DiscoverFunc receives a plugin bundle found in the watched directory.
type DiscoverFunc func(m *manifest.Manifest, artifact []byte, dir string)

// Watcher observes a directory of local plugin bundles and reports each
// complete bundle (a subdirectory with a valid plugin.yaml) through the
// discover callback. It feeds Discovered records into the manager.
type Watcher struct {
	dir      string
	watcher  *fsnotify.Watcher
	discover DiscoverFunc
	log      *logrus.Logger
	done     chan struct{}
}

// NewWatcher creates a watcher over dir. Call Start to begin watching.
func NewWatcher(dir string, discover DiscoverFunc, log *logrus.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.New()
	}
	return &Watcher{
		dir:      dir,
		watcher:  fsw,
		discover: discover,
		log:      log,
		done:     make(chan struct{}),
	}, nil
}

// Start scans the directory once, then watches for new or modified
// bundles until Close is called.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}

	w.scan()

	go w.loop()
	return nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			// Events arrive for the bundle directory or files inside it;
			// either way the bundle root is the first path element under
			// the watch directory.
			rel, err := filepath.Rel(w.dir, event.Name)
			if err != nil {
				continue
			}
			w.tryBundle(filepath.Join(w.dir, firstElement(rel)))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("Plugin directory watch error")
		}
	}
}

// scan reports every existing bundle in the directory.
func (w *Watcher) scan() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.log.WithError(err).Warn("Failed to scan plugin directory")
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			w.tryBundle(filepath.Join(w.dir, entry.Name()))
		}
	}
}

// tryBundle loads a candidate bundle directory and reports it when the
// manifest parses. Partially written bundles are skipped quietly; the
// next write event retries them.
func (w *Watcher) tryBundle(dir string) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return
	}
	m, artifact, err := loadBundleDir(dir)
	if err != nil {
		w.log.WithField("dir", dir).WithError(err).Debug("Skipping incomplete plugin bundle")
		return
	}
	w.log.WithFields(logrus.Fields{
		"plugin_id": m.Identifier,
		"version":   m.Version,
		"dir":       dir,
	}).Info("Discovered plugin bundle")
	w.discover(m, artifact, dir)
}

func firstElement(rel string) string {
	for i := 0; i < len(rel); i++ {
		if os.IsPathSeparator(rel[i]) {
			return rel[:i]
		}
	}
	return rel
}
