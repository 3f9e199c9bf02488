// Package registry maps plugin identifiers to the MCP endpoints the host
// knows about. The set is loaded from a YAML file and can be reloaded
// while the service runs.
package registry

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Plugin is one configured MCP endpoint.
type Plugin struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
	URL  string `yaml:"url" json:"url"`
}

type file struct {
	Plugins []Plugin `yaml:"plugins"`
}

// Registry holds the current plugin set. A Registry with no path is empty
// and never reloads.
type Registry struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	plugins map[string]Plugin
}

// Empty returns a registry with no plugins.
func Empty() *Registry {
	return &Registry{plugins: map[string]Plugin{}, logger: slog.Default()}
}

// Load reads path and returns a registry over it. An empty path returns
// Empty().
func Load(path string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if path == "" {
		r := Empty()
		r.logger = logger

		return r, nil
	}

	plugins, err := parseFile(path)
	if err != nil {
		return nil, err
	}

	return &Registry{path: path, logger: logger, plugins: plugins}, nil
}

func parseFile(path string) (map[string]Plugin, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plugins file: %w", err)
	}

	return parse(data)
}

func parse(data []byte) (map[string]Plugin, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing plugins file: %w", err)
	}

	plugins := make(map[string]Plugin, len(f.Plugins))

	for i, p := range f.Plugins {
		if p.ID == "" {
			return nil, fmt.Errorf("plugin %d: id is required", i)
		}

		if _, dup := plugins[p.ID]; dup {
			return nil, fmt.Errorf("plugin %q: duplicate id", p.ID)
		}

		u, err := url.Parse(p.URL)
		if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
			return nil, fmt.Errorf("plugin %q: url must be an absolute http(s) URL", p.ID)
		}

		if p.Name == "" {
			p.Name = p.ID
		}

		plugins[p.ID] = p
	}

	return plugins, nil
}

// Lookup returns the plugin with the given id.
func (r *Registry) Lookup(id string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.plugins[id]

	return p, ok
}

// List returns all plugins sorted by id.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// Reload re-reads the file. On error the previous set is kept.
func (r *Registry) Reload() error {
	if r.path == "" {
		return nil
	}

	plugins, err := parseFile(r.path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.plugins = plugins
	r.mu.Unlock()

	r.logger.Info("plugin registry reloaded", slog.Int("plugins", len(plugins)))

	return nil
}
