// Package clearance supplies the cf_clearance cookie sent alongside upstream credentials.
package clearance

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

const (
	cookieName       = "cf_clearance"
	cookiePrefix     = cookieName + "="
	debounceInterval = 100 * time.Millisecond
)

type cookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type dataEntry struct {
	Cookies []cookie `json:"cookies"`
}

// Provider resolves the clearance cookie. A static value (environment or admin route)
// wins over values harvested into the config file.
type Provider struct {
	mu     sync.RWMutex
	static string
	values []string
	path   string

	watcher  *fsnotify.Watcher
	debounce *time.Timer
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates a provider. A missing config file is not an error.
func New(static, path string) (*Provider, error) {
	p := &Provider{static: Normalize(static), path: path, done: make(chan struct{})}
	if path == "" {
		return p, nil
	}
	if err := p.reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Normalize prepends the cookie name when the value is bare
func Normalize(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || strings.HasPrefix(v, cookiePrefix) {
		return v
	}
	return cookiePrefix + v
}

// Current returns the cookie to send, or "" when none is known
func (p *Provider) Current() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.static != "" {
		return p.static
	}
	if len(p.values) > 0 {
		return cookiePrefix + p.values[0]
	}
	return ""
}

// Set replaces the static value
func (p *Provider) Set(v string) {
	p.mu.Lock()
	p.static = Normalize(v)
	p.mu.Unlock()
	log.Info("Clearance value updated")
}

// Values returns the values currently loaded from the config file
func (p *Provider) Values() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.values...)
}

// Invalidate drops a value the upstream refused: the static value when it matches and
// every config file entry carrying it.
func (p *Provider) Invalidate(v string) {
	v = Normalize(v)
	if v == "" {
		return
	}
	raw := strings.TrimPrefix(v, cookiePrefix)

	p.mu.Lock()
	if p.static == v {
		p.static = ""
	}
	kept := p.values[:0:0]
	for _, existing := range p.values {
		if existing != raw {
			kept = append(kept, existing)
		}
	}
	p.values = kept
	p.mu.Unlock()

	if p.path == "" {
		return
	}
	removed, err := p.removeFromFile(raw)
	if err != nil {
		log.WithError(err).WithField("path", p.path).Warn("Failed to drop clearance value from config file")
		return
	}
	if removed > 0 {
		log.WithField("removed", removed).Info("Dropped rejected clearance value from config file")
	}
}

// Watch reloads the config file whenever it changes, until Close
func (p *Provider) Watch() error {
	if p.path == "" {
		return nil
	}
	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create clearance config directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// The directory is watched so that atomic replacements are seen
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	p.watcher = watcher

	p.wg.Add(1)
	go p.watchLoop()
	return nil
}

func (p *Provider) watchLoop() {
	defer p.wg.Done()
	for {
		select {
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(p.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			p.mu.Lock()
			if p.debounce != nil {
				p.debounce.Stop()
			}
			p.debounce = time.AfterFunc(debounceInterval, func() {
				if err := p.reload(); err != nil {
					log.WithError(err).Warn("Failed to reload clearance config")
				}
			})
			p.mu.Unlock()

		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("Clearance config watcher error")

		case <-p.done:
			return
		}
	}
}

// Close stops watching
func (p *Provider) Close() error {
	select {
	case <-p.done:
		return nil
	default:
		close(p.done)
	}
	p.mu.Lock()
	if p.debounce != nil {
		p.debounce.Stop()
	}
	p.mu.Unlock()
	var err error
	if p.watcher != nil {
		err = p.watcher.Close()
	}
	p.wg.Wait()
	return err
}

func (p *Provider) reload() error {
	values, err := readValues(p.path)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.values = values
	p.mu.Unlock()
	log.WithField("count", len(values)).Debug("Loaded clearance values")
	return nil
}

// readValues returns the first cf_clearance cookie of every entry in exist_data_list
func readValues(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read clearance config: %w", err)
	}
	var cfg struct {
		Entries []dataEntry `json:"exist_data_list"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse clearance config: %w", err)
	}
	var values []string
	for _, entry := range cfg.Entries {
		for _, c := range entry.Cookies {
			if c.Name == cookieName {
				if c.Value != "" {
					values = append(values, c.Value)
				}
				break
			}
		}
	}
	return values, nil
}

// removeFromFile rewrites the config file without the entries carrying value.
// Unknown fields of the file and of each entry are preserved.
func (p *Provider) removeFromFile(value string) (int, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("failed to parse clearance config: %w", err)
	}
	var entries []json.RawMessage
	if raw, ok := doc["exist_data_list"]; ok {
		if err := json.Unmarshal(raw, &entries); err != nil {
			return 0, fmt.Errorf("failed to parse exist_data_list: %w", err)
		}
	}

	kept := make([]json.RawMessage, 0, len(entries))
	for _, raw := range entries {
		var entry dataEntry
		if err := json.Unmarshal(raw, &entry); err == nil && carries(entry, value) {
			continue
		}
		kept = append(kept, raw)
	}
	removed := len(entries) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	list, err := json.Marshal(kept)
	if err != nil {
		return 0, err
	}
	doc["exist_data_list"] = list
	out, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return 0, err
	}

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return 0, fmt.Errorf("failed to write clearance config: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return 0, fmt.Errorf("failed to replace clearance config: %w", err)
	}
	return removed, nil
}

func carries(entry dataEntry, value string) bool {
	for _, c := range entry.Cookies {
		if c.Name == cookieName {
			return c.Value == value
		}
	}
	return false
}
