// Package roots maintains the table of registered virtualization roots
// and the liveness of their provider sessions. A root with no attached
// provider is offline, which is an ordinary state rather than an error.
package roots

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/jingkaihe/projgate/internal/errx"
)

// RootRef is an immutable snapshot of a root handed out to callers. The
// index is stable for the root's lifetime.
type RootRef struct {
	Index       int16
	Path        string
	ProviderPid int
	HasProvider bool
}

type record struct {
	index       int16
	path        string
	providerPid int
	session     string
}

func (r *record) ref() RootRef {
	return RootRef{
		Index:       r.index,
		Path:        r.path,
		ProviderPid: r.providerPid,
		HasProvider: r.session != "",
	}
}

// Table maps path prefixes to virtualization roots. All methods are safe
// for concurrent use.
type Table struct {
	mu        sync.RWMutex
	managed   string
	roots     []*record
	nextIndex int16
}

// NewTable creates a table whose managed filesystem is the subtree under
// managedPrefix; paths outside it are never intercepted.
func NewTable(managedPrefix string) *Table {
	return &Table{managed: filepath.Clean(managedPrefix)}
}

// Register adds a root for the given path prefix and returns its index.
func (t *Table) Register(path string) (int16, error) {
	path = filepath.Clean(path)

	t.mu.Lock()
	defer t.mu.Unlock()

	if !pathUnder(path, t.managed) {
		return -1, errx.With(ErrOutsideManaged, ": %q", path)
	}
	for _, r := range t.roots {
		if r.path == path {
			return -1, errx.With(ErrRootExists, ": %q", path)
		}
	}

	rec := &record{index: t.nextIndex, path: path}
	t.nextIndex++
	t.roots = append(t.roots, rec)
	// Longest prefix first so FindRoot prefers the deepest nested root.
	sort.Slice(t.roots, func(i, j int) bool {
		return len(t.roots[i].path) > len(t.roots[j].path)
	})
	return rec.index, nil
}

// AttachProvider binds a provider process to the root registered at
// rootPath and returns the root snapshot plus an opaque session id. The
// session id must be presented to DetachProvider so a stale disconnect
// cannot knock out a newer session.
func (t *Table) AttachProvider(rootPath string, pid int) (RootRef, string, error) {
	rootPath = filepath.Clean(rootPath)

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range t.roots {
		if r.path != rootPath {
			continue
		}
		if r.session != "" {
			return RootRef{}, "", errx.With(ErrProviderAttached, ": root %q", rootPath)
		}
		r.providerPid = pid
		r.session = uuid.NewString()
		return r.ref(), r.session, nil
	}
	return RootRef{}, "", errx.With(ErrRootNotFound, ": %q", rootPath)
}

// DetachProvider marks a root offline. It is a no-op if the session does
// not match the currently attached one.
func (t *Table) DetachProvider(index int16, session string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range t.roots {
		if r.index == index && r.session == session {
			r.session = ""
			r.providerPid = 0
			return
		}
	}
}

// IsManagedPath reports whether path is on the managed filesystem at all.
// This is the cheap first-stage check for every intercepted event.
func (t *Table) IsManagedPath(path string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return pathUnder(filepath.Clean(path), t.managed)
}

// FindRoot resolves the deepest registered root containing path.
func (t *Table) FindRoot(path string) (RootRef, bool) {
	path = filepath.Clean(path)

	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, r := range t.roots {
		if pathUnder(path, r.path) {
			return r.ref(), true
		}
	}
	return RootRef{}, false
}

// Roots returns snapshots of every registered root.
func (t *Table) Roots() []RootRef {
	t.mu.RLock()
	defer t.mu.RUnlock()

	refs := make([]RootRef, 0, len(t.roots))
	for _, r := range t.roots {
		refs = append(refs, r.ref())
	}
	return refs
}

func pathUnder(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
