package engine

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

//go:embed roles.yaml
var defaultRoles []byte

// Role holds the prompts of one stage.
type Role struct {
	Role           string `yaml:"role"`
	Goal           string `yaml:"goal"`
	Backstory      string `yaml:"backstory"`
	Description    string `yaml:"description"`
	ExpectedOutput string `yaml:"expected_output"`
}

// RoleSet has one Role per stage, indexed by Stage.
type RoleSet [stageCount]Role

// Role returns the prompts of s.
func (rs *RoleSet) Role(s Stage) Role {
	return rs[s]
}

// ParseRoles decodes a roles document. Every stage must be present with a
// role and a description; unknown keys are rejected.
func ParseRoles(data []byte) (*RoleSet, error) {
	var raw map[string]Role
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse roles: %w", err)
	}

	var rs RoleSet
	seen := make(map[string]bool, len(raw))
	var problems []string
	for _, d := range descriptors {
		r, ok := raw[d.Name]
		if !ok {
			problems = append(problems, d.Name+": missing")
			continue
		}
		seen[d.Name] = true
		if strings.TrimSpace(r.Role) == "" || strings.TrimSpace(r.Description) == "" {
			problems = append(problems, d.Name+": role and description are required")
			continue
		}
		rs[d.Stage] = r
	}
	for name := range raw {
		if !seen[name] {
			problems = append(problems, name+": unknown stage")
		}
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("invalid roles: %s", strings.Join(problems, "; "))
	}
	return &rs, nil
}

// DefaultRoles returns the built-in role prompts.
func DefaultRoles() *RoleSet {
	rs, err := ParseRoles(defaultRoles)
	if err != nil {
		panic(fmt.Sprintf("engine: embedded roles are invalid: %v", err))
	}
	return rs
}

// RoleStore serves the current role set and can follow a file on disk.
type RoleStore struct {
	current atomic.Pointer[RoleSet]
	path    string
	logger  *slog.Logger
}

// NewRoleStore loads roles from path, or the built-in roles when path is
// empty.
func NewRoleStore(path string, logger *slog.Logger) (*RoleStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &RoleStore{path: path, logger: logger}
	if path == "" {
		s.current.Store(DefaultRoles())
		return s, nil
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Roles returns the active role set.
func (s *RoleStore) Roles() *RoleSet {
	return s.current.Load()
}

func (s *RoleStore) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read roles file: %w", err)
	}
	rs, err := ParseRoles(data)
	if err != nil {
		return err
	}
	s.current.Store(rs)
	return nil
}

const reloadDebounce = 200 * time.Millisecond

// Watch reloads the roles file whenever it changes until ctx is done. A file
// that fails to parse is logged and the previous roles stay active.
func (s *RoleStore) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create roles watcher: %w", err)
	}
	// Editors replace files on save, so watch the directory.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch roles dir: %w", err)
	}

	go func() {
		defer watcher.Close()
		s.logger.Info("Roles watcher started", "path", s.path)

		target := filepath.Clean(s.path)
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Roles watcher shutting down", "reason", ctx.Err())
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
					pending = time.After(reloadDebounce)
				}
			case <-pending:
				pending = nil
				if err := s.reload(); err != nil {
					if errors.Is(err, os.ErrNotExist) {
						s.logger.Warn("Roles file removed, keeping previous roles", "path", s.path)
						continue
					}
					s.logger.Error("Failed to reload roles, keeping previous roles", "path", s.path, "error", err)
					continue
				}
				s.logger.Info("Roles reloaded", "path", s.path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("Roles watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Interpolate replaces {name} placeholders with values from vars. Unknown
// placeholders are left untouched.
func Interpolate(tmpl string, vars map[string]string) string {
	if len(vars) == 0 {
		return tmpl
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
