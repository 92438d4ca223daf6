package sanitize

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("sanitize")

// Sanitizer applies the current Rules. When built from a word list file the
// rules are swapped in place whenever the file changes.
type Sanitizer struct {
	rules atomic.Pointer[Rules]

	path         string
	mask         string
	maskContacts bool
	watcher      *fsnotify.Watcher
	closed       chan struct{}
	onReload     func(words int)
}

// NewStatic returns a sanitizer with fixed rules.
func NewStatic(r Rules) *Sanitizer {
	s := &Sanitizer{closed: make(chan struct{})}
	s.rules.Store(&r)
	return s
}

// NewFromFile loads the word list at path and reloads it on change. An empty
// path gives a sanitizer without blocked words. A missing file is not an
// error; it is picked up once it is created.
func NewFromFile(path, mask string, maskContacts bool) (*Sanitizer, error) {
	s := &Sanitizer{
		path:         path,
		mask:         mask,
		maskContacts: maskContacts,
		closed:       make(chan struct{}),
	}
	if path == "" {
		r := NewRules(mask, maskContacts, nil)
		s.rules.Store(&r)
		return s, nil
	}
	if err := s.reload(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Watch the directory: editors often replace the file instead of writing it.
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("create dir %s: %w", dir, err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	s.watcher = watcher
	go s.watchLoop()

	log.Infof("word list %s: %d word(s)", path, len(s.Current().words))
	return s, nil
}

// OnReload registers a callback run after each successful reload.
// Set it before the file can change.
func (s *Sanitizer) OnReload(fn func(words int)) {
	s.onReload = fn
}

func (s *Sanitizer) reload() error {
	f, err := os.Open(s.path)
	if err != nil {
		empty := NewRules(s.mask, s.maskContacts, nil)
		s.rules.Store(&empty)
		return err
	}
	defer f.Close()

	words, err := ParseWordList(f)
	if err != nil {
		return fmt.Errorf("read word list: %w", err)
	}
	r := NewRules(s.mask, s.maskContacts, words)
	s.rules.Store(&r)
	return nil
}

func (s *Sanitizer) watchLoop() {
	target := filepath.Clean(s.path)
	for {
		select {
		case <-s.closed:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			err := s.reload()
			switch {
			case os.IsNotExist(err):
				log.Warnf("word list %s removed, no words blocked", s.path)
			case err != nil:
				log.Errorf("hot reload of %s failed: %v", s.path, err)
			default:
				n := len(s.Current().words)
				log.Infof("word list reloaded: %d word(s)", n)
				if s.onReload != nil {
					s.onReload(n)
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("watcher error: %v", err)
		}
	}
}

// Current returns the active rules.
func (s *Sanitizer) Current() Rules {
	return *s.rules.Load()
}

// Sanitize cleans text with the active rules.
func (s *Sanitizer) Sanitize(text string) string {
	return s.rules.Load().Apply(text)
}

func (s *Sanitizer) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
		close(s.closed)
	}
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
