// Package vfs implements the virtual filesystem layer: a mount table
// resolved by longest-prefix match, pluggable providers
// (root/proc/dev/tmpfs), per-process file descriptor tables cloned on
// fork, and pipes. Every mount point, regardless of backing storage,
// is reached through the same Provider interface.
package vfs

import (
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tinyrange/jsos/internal/kerr"
)

// OpenFlags mirrors the handful of open() flags the provider
// interface needs to distinguish.
type OpenFlags int

const (
	ORead OpenFlags = 1 << iota
	OWrite
	OCreate
	OTruncate
	OAppend
	ODirectory
)

// Stat is the subset of metadata every provider reports.
type Stat struct {
	Name    string
	Size    int64
	Mode    fs.FileMode
	ModTime time.Time
	IsDir   bool
}

// DirEntry is one entry returned by Provider.List.
type DirEntry struct {
	Name  string
	IsDir bool
}

// Handle identifies an open file within a provider; providers assign
// their own numbering scheme.
type Handle uint64

// Provider is the interface every mount point implements: open, read,
// write, stat, list, mkdir, unlink, rename.
type Provider interface {
	Open(path string, flags OpenFlags) (Handle, error)
	Read(h Handle, n int) ([]byte, error)
	Write(h Handle, data []byte) (int, error)
	Close(h Handle) error
	Stat(path string) (Stat, error)
	List(path string) ([]DirEntry, error)
	Mkdir(path string) error
	Unlink(path string) error
	Rename(oldPath, newPath string) error
}

// mountEntry pairs a mounted prefix with its provider.
type mountEntry struct {
	prefix   string
	provider Provider
}

// MountTable resolves a path to exactly one provider by longest-prefix
// match.
type MountTable struct {
	mu     sync.RWMutex
	mounts []mountEntry
	log    *slog.Logger
}

func NewMountTable(log *slog.Logger) *MountTable {
	if log == nil {
		log = slog.Default()
	}
	return &MountTable{log: log}
}

// Mount registers provider at prefix ("/" for the root provider).
// Mounts are kept sorted longest-prefix-first so Resolve's scan finds
// the most specific match first.
func (m *MountTable) Mount(prefix string, provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix = normalizeMountPrefix(prefix)
	m.mounts = append(m.mounts, mountEntry{prefix: prefix, provider: provider})
	sort.Slice(m.mounts, func(i, j int) bool {
		return len(m.mounts[i].prefix) > len(m.mounts[j].prefix)
	})
	m.log.Info("mounted provider", "prefix", prefix)
}

func normalizeMountPrefix(p string) string {
	if p == "" {
		return "/"
	}
	p = path.Clean(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// Resolve finds the provider whose mount prefix is the longest match
// for p, and returns the path relative to that mount.
func (m *MountTable) Resolve(p string) (Provider, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	clean := path.Clean("/" + p)
	for _, me := range m.mounts {
		if me.prefix == "/" {
			return me.provider, clean, nil
		}
		if clean == me.prefix || strings.HasPrefix(clean, me.prefix+"/") {
			rel := strings.TrimPrefix(clean, me.prefix)
			if rel == "" {
				rel = "/"
			}
			return me.provider, rel, nil
		}
	}
	return nil, "", kerr.New(kerr.NotFound, "vfs.Resolve", nil)
}
