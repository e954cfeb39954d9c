package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/mcpgate/mcpgate/internal/types"
)

// Persister mirrors the store's template map to a directory on disk, one
// file per template (basename = template name). Writes are always JSON;
// loading also accepts hand-written YAML files. It watches the directory
// so out-of-band edits are upserted back into the store. Runtime state
// (instances, health, metrics) is never persisted.
type Persister struct {
	store *Store
	dir   string

	mu      sync.Mutex
	written map[string][32]byte // template name -> hash of last write, suppresses watch echo
	unsub   func()
}

// NewPersister creates a persister rooted at dir. The directory is created
// if missing.
func NewPersister(s *Store, dir string) (*Persister, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create templates dir: %w", err)
	}
	return &Persister{
		store:   s,
		dir:     dir,
		written: make(map[string][32]byte),
	}, nil
}

// Load reads every template file in the directory and upserts it into the
// store. Unparseable or invalid files are skipped with a log line rather
// than failing startup.
func (p *Persister) Load() error {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return fmt.Errorf("read templates dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !isTemplateFile(e.Name()) {
			continue
		}
		if err := p.loadFile(filepath.Join(p.dir, e.Name())); err != nil {
			log.Printf("store: skip template file %s: %v", e.Name(), err)
		}
	}
	return nil
}

func (p *Persister) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var t types.Template
	if strings.HasSuffix(path, ".json") {
		err = json.Unmarshal(data, &t)
	} else {
		err = yaml.Unmarshal(data, &t)
	}
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	want := templateName(path)
	if t.Name != want {
		return fmt.Errorf("template name %q does not match file basename %q", t.Name, want)
	}
	p.mu.Lock()
	p.written[t.Name] = sha256.Sum256(data)
	p.mu.Unlock()
	return p.store.SetTemplate(t)
}

// Start subscribes to store template events and begins watching the
// directory. Call Stop to tear down.
func (p *Persister) Start() error {
	p.unsub = p.store.Subscribe(p.onEvent)
	return nil
}

// Stop detaches from the store.
func (p *Persister) Stop() {
	if p.unsub != nil {
		p.unsub()
		p.unsub = nil
	}
}

func (p *Persister) onEvent(ev Event) {
	switch ev.Type {
	case EventTemplateSet:
		t, ok := p.store.GetTemplate(ev.Key)
		if !ok {
			return
		}
		if err := p.writeTemplate(t); err != nil {
			log.Printf("store: persist template %s: %v", ev.Key, err)
		}
	case EventTemplateRemove:
		path := p.pathFor(ev.Key)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("store: remove template file %s: %v", ev.Key, err)
		}
		p.mu.Lock()
		delete(p.written, ev.Key)
		p.mu.Unlock()
	}
}

func (p *Persister) writeTemplate(t types.Template) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	sum := sha256.Sum256(data)
	p.mu.Lock()
	if p.written[t.Name] == sum {
		p.mu.Unlock()
		return nil
	}
	p.written[t.Name] = sum
	p.mu.Unlock()

	// Write to a temp file then rename so watchers never observe a
	// half-written template.
	tmp := p.pathFor(t.Name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p.pathFor(t.Name))
}

func (p *Persister) pathFor(name string) string {
	return filepath.Join(p.dir, name+".json")
}

// Watch blocks watching the templates directory with fsnotify, upserting
// changed files into the store, until the done channel closes. Writes made
// by the persister itself are recognized by content hash and skipped.
func (p *Persister) Watch(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(p.dir); err != nil {
		return fmt.Errorf("watch %s: %w", p.dir, err)
	}

	for {
		select {
		case <-done:
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isTemplateFile(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if p.isOwnWrite(ev.Name) {
				continue
			}
			if err := p.loadFile(ev.Name); err != nil {
				log.Printf("store: reload template file %s: %v", filepath.Base(ev.Name), err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("store: template watcher: %v", err)
		}
	}
}

func (p *Persister) isOwnWrite(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	sum := sha256.Sum256(data)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written[templateName(path)] == sum
}

func isTemplateFile(name string) bool {
	return strings.HasSuffix(name, ".json") ||
		strings.HasSuffix(name, ".yaml") ||
		strings.HasSuffix(name, ".yml")
}

// templateName extracts the template name from a file path.
func templateName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
