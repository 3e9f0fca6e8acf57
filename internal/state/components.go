// internal/state/components.go
package state

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/user/pagewright/internal/types"
)

const componentExt = ".tsx"

// ComponentStore keeps generated components as plain source files.
// Files are located at projects/<projectID>/components/<Name>.tsx.
type ComponentStore struct {
	root  string
	mu    sync.Mutex
	locks map[types.ProjectID]*sync.Mutex
}

// NewComponentStore creates a file-backed ComponentStore rooted at the given directory.
func NewComponentStore(root string) *ComponentStore {
	return &ComponentStore{
		root:  root,
		locks: make(map[types.ProjectID]*sync.Mutex),
	}
}

// getLock returns the per-project mutex, creating one if it doesn't exist.
func (c *ComponentStore) getLock(projectID types.ProjectID) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	if lock, ok := c.locks[projectID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	c.locks[projectID] = lock
	return lock
}

func (c *ComponentStore) componentsDir(projectID types.ProjectID) string {
	return filepath.Join(c.root, "projects", string(projectID), "components")
}

func (c *ComponentStore) componentPath(projectID types.ProjectID, name string) (string, error) {
	if err := projectID.Validate(); err != nil {
		return "", err
	}
	if name == "" || strings.ContainsAny(name, `/\.`) {
		return "", types.ErrBadParameter.Withf("invalid component name %q", name)
	}
	return filepath.Join(c.componentsDir(projectID), name+componentExt), nil
}

// Create writes a new component and fails with ErrConflict if it exists.
func (c *ComponentStore) Create(_ context.Context, projectID types.ProjectID, name, code string) (string, error) {
	path, err := c.componentPath(projectID, name)
	if err != nil {
		return "", err
	}

	lock := c.getLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(path); err == nil {
		return "", types.ErrConflict.Withf("component %q exists", name)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("stat component: %w", err)
	}
	return path, writeAtomic(path, code)
}

// Update replaces an existing component and fails with ErrNotFound if it is missing.
func (c *ComponentStore) Update(_ context.Context, projectID types.ProjectID, name, code string) (string, error) {
	path, err := c.componentPath(projectID, name)
	if err != nil {
		return "", err
	}

	lock := c.getLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return "", types.ErrNotFound.Withf("component %q", name)
	} else if err != nil {
		return "", fmt.Errorf("stat component: %w", err)
	}
	return path, writeAtomic(path, code)
}

// Read returns the component source.
func (c *ComponentStore) Read(_ context.Context, projectID types.ProjectID, name string) (string, error) {
	path, err := c.componentPath(projectID, name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", types.ErrNotFound.Withf("component %q", name)
	} else if err != nil {
		return "", fmt.Errorf("read component: %w", err)
	}
	return string(data), nil
}

// List returns the project's components sorted by name. A project without
// components yields an empty list.
func (c *ComponentStore) List(_ context.Context, projectID types.ProjectID) ([]types.ComponentInfo, error) {
	if err := projectID.Validate(); err != nil {
		return nil, err
	}
	dir := c.componentsDir(projectID)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []types.ComponentInfo{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("read components dir: %w", err)
	}

	result := make([]types.ComponentInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != componentExt {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		result = append(result, types.ComponentInfo{
			Name:      strings.TrimSuffix(entry.Name(), componentExt),
			Path:      filepath.Join(dir, entry.Name()),
			Size:      info.Size(),
			UpdatedAt: info.ModTime(),
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// writeAtomic writes via temp file + rename so readers never see a partial file.
func writeAtomic(target, content string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create components dir: %w", err)
	}
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write temp component: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp component: %w", err)
	}
	return nil
}
