// Package template loads pipeline templates and resolves them into
// execution plans.
package template

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Registry holds the named templates loaded from a directory of YAML
// files, with optional hot-reload on file changes.
type Registry struct {
	dir       string
	mu        sync.RWMutex
	templates map[string]*Template
	watcher   *fsnotify.Watcher
	done      chan struct{}
}

// NewRegistry creates a registry and loads all templates under dir.
func NewRegistry(dir string) (*Registry, error) {
	r := &Registry{
		dir:       dir,
		templates: make(map[string]*Template),
	}

	if err := r.Reload(); err != nil {
		return nil, err
	}

	return r, nil
}

// Reload re-reads every template file under the registry directory.
// A file that fails to parse or validate is skipped with a warning so
// one bad template cannot take down the rest.
func (r *Registry) Reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("reading template directory: %w", err)
	}

	loaded := make(map[string]*Template)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(r.dir, entry.Name())
		tmpl, err := loadFile(path)
		if err != nil {
			log.Warn().Err(err).Str("file", entry.Name()).Msg("Skipping invalid template file")
			continue
		}

		if _, dup := loaded[tmpl.Name]; dup {
			log.Warn().Str("template", tmpl.Name).Str("file", entry.Name()).Msg("Duplicate template name, keeping first")
			continue
		}

		loaded[tmpl.Name] = tmpl
	}

	r.mu.Lock()
	r.templates = loaded
	r.mu.Unlock()

	log.Info().Int("count", len(loaded)).Str("dir", r.dir).Msg("Templates loaded")
	return nil
}

func loadFile(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading template file: %w", err)
	}

	tmpl := &Template{}
	if err := yaml.Unmarshal(data, tmpl); err != nil {
		return nil, fmt.Errorf("parsing template file: %w", err)
	}

	if tmpl.Name == "" {
		tmpl.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	// Validate eagerly so broken templates surface at load time.
	if _, err := BuildPlan(tmpl); err != nil {
		return nil, err
	}

	return tmpl, nil
}

// Get returns the named template.
func (r *Registry) Get(name string) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tmpl, ok := r.templates[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}
	return tmpl, nil
}

// List returns all loaded templates.
func (r *Registry) List() []*Template {
	r.mu.RLock()
	defer r.mu.RUnlock()

	templates := make([]*Template, 0, len(r.templates))
	for _, tmpl := range r.templates {
		templates = append(templates, tmpl)
	}
	return templates
}

// Watch starts hot-reloading templates when files under the registry
// directory change.
func (r *Registry) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching template directory: %w", err)
	}

	r.watcher = watcher
	r.done = make(chan struct{})

	go r.eventLoop()

	log.Info().Str("dir", r.dir).Msg("Template hot-reload enabled")
	return nil
}

// Close stops the watcher if one is running.
func (r *Registry) Close() {
	if r.watcher != nil {
		r.watcher.Close()
		<-r.done
	}
}

func (r *Registry) eventLoop() {
	defer close(r.done)

	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			ext := filepath.Ext(event.Name)
			if ext != ".yaml" && ext != ".yml" {
				continue
			}

			log.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Template file changed")
			if err := r.Reload(); err != nil {
				log.Error().Err(err).Msg("Failed to reload templates")
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Template watcher error")
		}
	}
}
