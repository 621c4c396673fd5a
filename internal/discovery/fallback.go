package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// Fallback persists the last known-good set of region base URLs, one
// per line. It is read only when live discovery fails everywhere, and
// rewritten wholesale after every fully successful cycle. Writes go
// through a temp file and rename so a concurrent restart never reads a
// truncated list.
type Fallback struct {
	mu   sync.Mutex
	path string
}

func NewFallback(path string) *Fallback {
	return &Fallback{path: path}
}

func (f *Fallback) Load() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load()
}

func (f *Fallback) Save(urls []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.save(urls)
}

// Add merges one proven-reachable URL into the persisted set. Used
// when a connection completes its handshake against an address the
// configured URLs did not list.
func (f *Fallback) Add(url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	urls := f.load()
	if slices.Contains(urls, url) {
		return nil
	}
	return f.save(append(urls, url))
}

func (f *Fallback) load() []string {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return nil
	}
	var urls []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			urls = append(urls, line)
		}
	}
	return urls
}

func (f *Fallback) save(urls []string) error {
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".rpcinfo-*")
	if err != nil {
		return fmt.Errorf("failed to create rpc-info temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	for _, u := range urls {
		if _, err := fmt.Fprintln(tmp, u); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to write rpc-info state: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to flush rpc-info state: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to replace rpc-info state: %w", err)
	}
	return nil
}
