// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package file provides a security context store backed by YAML files.
//
// The configured path is either a single file or a directory of *.yaml and
// *.yml files. Each YAML document is a security context, or a wrapper with a
// "contexts" list:
//
//	contexts:
//	  - name: default
//	    capabilities:
//	      - tool_pattern: "file.*"
//	        path_allowlist: ["/workspace"]
//
// Watch reloads the store when the files change. A reload that fails
// validation keeps the previous contexts.
package file

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/tombee/smcp/internal/backend"
	"github.com/tombee/smcp/internal/log"
	"github.com/tombee/smcp/internal/policy"
	smcperrors "github.com/tombee/smcp/pkg/errors"
)

var _ backend.ContextStore = (*Store)(nil)

// DefaultDebounce is the quiet period before a reload after file events.
const DefaultDebounce = 250 * time.Millisecond

// Store is a ContextStore loaded from YAML.
type Store struct {
	path   string
	isDir  bool
	logger *slog.Logger
	now    func() time.Time

	// OnReload, if set, is called after every successful reload.
	OnReload func(names []string)

	mu       sync.RWMutex
	contexts map[string]*policy.SecurityContext
	// origin records which file each context came from.
	origin map[string]string
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = log.Component(logger, "contexts") }
}

// WithClock overrides the clock used for version metadata.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open loads contexts from path.
func Open(path string, opts ...Option) (*Store, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	s := &Store{
		path:     filepath.Clean(path),
		isDir:    info.IsDir(),
		logger:   log.Component(nil, "contexts"),
		now:      time.Now,
		contexts: make(map[string]*policy.SecurityContext),
		origin:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// FindContext retrieves a context by name.
func (s *Store) FindContext(ctx context.Context, name string) (*policy.SecurityContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, ok := s.contexts[name]
	if !ok {
		return nil, fmt.Errorf("security context %s: %w", name, backend.ErrNotFound)
	}
	return sc.Clone(), nil
}

// ListContexts returns all contexts ordered by name.
func (s *Store) ListContexts(ctx context.Context) ([]*policy.SecurityContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*policy.SecurityContext, 0, len(s.contexts))
	for _, sc := range s.contexts {
		result = append(result, sc.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// SaveContext writes a context back to disk. In directory mode a new
// context goes to <name>.yaml; an existing one is rewritten in the file it
// was loaded from.
func (s *Store) SaveContext(ctx context.Context, sc *policy.SecurityContext) error {
	if err := sc.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := sc.Clone()
	next.Touch(s.contexts[sc.Name], s.now())

	target, ok := s.origin[sc.Name]
	if !ok {
		target = s.path
		if s.isDir {
			target = filepath.Join(s.path, sc.Name+".yaml")
		}
	}

	var group []*policy.SecurityContext
	for name, file := range s.origin {
		if file == target && name != sc.Name {
			group = append(group, s.contexts[name])
		}
	}
	group = append(group, next)
	sort.Slice(group, func(i, j int) bool { return group[i].Name < group[j].Name })

	if err := writeFile(target, group); err != nil {
		return err
	}

	s.contexts[sc.Name] = next
	s.origin[sc.Name] = target
	sc.Metadata = next.Metadata
	return nil
}

// Reload re-reads every file. Contexts whose content changed without a
// version bump get one, so versions never go backwards.
func (s *Store) Reload() error {
	loaded, origin, err := s.load()
	if err != nil {
		return err
	}

	s.mu.Lock()
	now := s.now()
	names := make([]string, 0, len(loaded))
	for name, sc := range loaded {
		prev := s.contexts[name]
		switch {
		case prev == nil && sc.Metadata.Version == 0:
			sc.Touch(nil, now)
		case prev != nil && sc.Metadata.Version <= prev.Metadata.Version:
			if sameContent(prev, sc) {
				sc.Metadata = prev.Metadata
			} else {
				sc.Touch(prev, now)
			}
		}
		names = append(names, name)
	}
	s.contexts = loaded
	s.origin = origin
	s.mu.Unlock()

	sort.Strings(names)
	s.logger.Debug("security contexts loaded", slog.String("path", s.path), slog.Int("count", len(names)))
	if s.OnReload != nil {
		s.OnReload(names)
	}
	return nil
}

// Watch reloads the store on file changes until ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory even in file mode; editors often replace the file
	// with a rename.
	dir := s.path
	if !s.isDir {
		dir = filepath.Dir(s.path)
	}
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	s.logger.Info("watching security contexts", slog.String("path", s.path))

	var timer *time.Timer
	reload := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !s.relevant(event) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(DefaultDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			if err := s.Reload(); err != nil {
				s.logger.Error("failed to reload security contexts, keeping previous", log.Error(err))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("context watcher error", log.Error(err))
		}
	}
}

func (s *Store) relevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	if !s.isDir {
		return filepath.Clean(event.Name) == s.path
	}
	return isYAML(event.Name)
}

func (s *Store) load() (map[string]*policy.SecurityContext, map[string]string, error) {
	files := []string{s.path}
	if s.isDir {
		entries, err := os.ReadDir(s.path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read %s: %w", s.path, err)
		}
		files = files[:0]
		for _, e := range entries {
			if !e.IsDir() && isYAML(e.Name()) {
				files = append(files, filepath.Join(s.path, e.Name()))
			}
		}
	}

	contexts := make(map[string]*policy.SecurityContext)
	origin := make(map[string]string)
	for _, file := range files {
		parsed, err := LoadFile(file)
		if err != nil {
			return nil, nil, err
		}
		for _, sc := range parsed {
			if other, dup := origin[sc.Name]; dup {
				return nil, nil, &smcperrors.ConflictError{
					Resource: "security context",
					ID:       sc.Name,
					Reason:   fmt.Sprintf("defined in both %s and %s", other, file),
				}
			}
			contexts[sc.Name] = sc
			origin[sc.Name] = file
		}
	}
	return contexts, origin, nil
}

type document struct {
	policy.SecurityContext `yaml:",inline"`
	Contexts               []*policy.SecurityContext `yaml:"contexts,omitempty"`
}

// LoadFile parses and validates every security context in a YAML file.
func LoadFile(path string) ([]*policy.SecurityContext, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return Parse(data, path)
}

// Parse decodes one or more YAML documents. source labels errors.
func Parse(data []byte, source string) ([]*policy.SecurityContext, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var result []*policy.SecurityContext
	for i := 0; ; i++ {
		var doc document
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &smcperrors.ValidationError{
				Field:   fmt.Sprintf("%s[%d]", source, i),
				Message: "invalid YAML",
				Cause:   err,
			}
		}

		batch := doc.Contexts
		if doc.Name != "" || len(doc.Capabilities) > 0 || len(doc.DenyList) > 0 {
			sc := doc.SecurityContext
			batch = append(batch, &sc)
		}
		for _, sc := range batch {
			if err := sc.Validate(); err != nil {
				return nil, fmt.Errorf("%s: %w", source, err)
			}
			result = append(result, sc)
		}
	}
	return result, nil
}

func writeFile(path string, contexts []*policy.SecurityContext) error {
	var doc any = contexts[0]
	if len(contexts) > 1 {
		doc = struct {
			Contexts []*policy.SecurityContext `yaml:"contexts"`
		}{contexts}
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal security contexts: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

func sameContent(a, b *policy.SecurityContext) bool {
	x, y := *a, *b
	x.Metadata, y.Metadata = policy.Metadata{}, policy.Metadata{}
	xb, errX := yaml.Marshal(&x)
	yb, errY := yaml.Marshal(&y)
	return errX == nil && errY == nil && bytes.Equal(xb, yb)
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
