package vfs

import (
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tinyrange/jsos/internal/kerr"
)

// memNode is one file or directory in an in-memory tree: a minimal
// inode with a name, mode, and either file data or child nodes.
type memNode struct {
	name     string
	isDir    bool
	mode     fs.FileMode
	modTime  time.Time
	data     []byte
	children map[string]*memNode
}

func newMemDir(name string) *memNode {
	return &memNode{name: name, isDir: true, mode: fs.ModeDir | 0o755, modTime: time.Now(), children: map[string]*memNode{}}
}

func newMemFile(name string) *memNode {
	return &memNode{name: name, mode: 0o644, modTime: time.Now()}
}

// MemFS is a provider backed entirely by an in-memory tree: it serves
// as the root provider (persistence is scoped to process lifetime;
// nothing here is wired to durable block storage) and, reused under a
// separate mount, as the optional tmpfs provider for /tmp.
type MemFS struct {
	mu   sync.Mutex
	root *memNode

	nextHandle Handle
	openFiles  map[Handle]*openMemFile
}

type openMemFile struct {
	node *memNode
	pos  int
}

func NewMemFS() *MemFS {
	return &MemFS{root: newMemDir("/"), openFiles: map[Handle]*openMemFile{}}
}

func (m *MemFS) lookup(p string) (*memNode, error) {
	clean := path.Clean("/" + p)
	if clean == "/" {
		return m.root, nil
	}
	parts := strings.Split(strings.TrimPrefix(clean, "/"), "/")
	cur := m.root
	for _, part := range parts {
		if !cur.isDir {
			return nil, kerr.New(kerr.NotFound, "vfs.memfs", nil)
		}
		next, ok := cur.children[part]
		if !ok {
			return nil, kerr.New(kerr.NotFound, "vfs.memfs", nil)
		}
		cur = next
	}
	return cur, nil
}

func (m *MemFS) lookupParent(p string) (*memNode, string, error) {
	clean := path.Clean("/" + p)
	dir, name := path.Split(clean)
	parent, err := m.lookup(dir)
	if err != nil {
		return nil, "", err
	}
	if !parent.isDir {
		return nil, "", kerr.New(kerr.InvalidArgument, "vfs.memfs", nil)
	}
	return parent, name, nil
}

func (m *MemFS) Open(p string, flags OpenFlags) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, err := m.lookup(p)
	if err != nil {
		if flags&OCreate == 0 {
			return 0, err
		}
		parent, name, perr := m.lookupParent(p)
		if perr != nil {
			return 0, perr
		}
		node = newMemFile(name)
		parent.children[name] = node
		parent.modTime = time.Now()
	}
	if flags&ODirectory != 0 && !node.isDir {
		return 0, kerr.New(kerr.InvalidArgument, "vfs.memfs", nil)
	}
	if flags&OTruncate != 0 {
		node.data = nil
	}

	m.nextHandle++
	h := m.nextHandle
	pos := 0
	if flags&OAppend != 0 {
		pos = len(node.data)
	}
	m.openFiles[h] = &openMemFile{node: node, pos: pos}
	return h, nil
}

func (m *MemFS) Read(h Handle, n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	of, ok := m.openFiles[h]
	if !ok {
		return nil, kerr.New(kerr.InvalidArgument, "vfs.memfs.Read", nil)
	}
	if of.node.isDir {
		return nil, kerr.New(kerr.InvalidArgument, "vfs.memfs.Read", nil)
	}
	if of.pos >= len(of.node.data) {
		return nil, nil
	}
	end := of.pos + n
	if end > len(of.node.data) {
		end = len(of.node.data)
	}
	out := append([]byte(nil), of.node.data[of.pos:end]...)
	of.pos = end
	return out, nil
}

func (m *MemFS) Write(h Handle, data []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	of, ok := m.openFiles[h]
	if !ok {
		return 0, kerr.New(kerr.InvalidArgument, "vfs.memfs.Write", nil)
	}
	if of.node.isDir {
		return 0, kerr.New(kerr.InvalidArgument, "vfs.memfs.Write", nil)
	}
	end := of.pos + len(data)
	if end > len(of.node.data) {
		grown := make([]byte, end)
		copy(grown, of.node.data)
		of.node.data = grown
	}
	copy(of.node.data[of.pos:end], data)
	of.pos = end
	of.node.modTime = time.Now()
	return len(data), nil
}

func (m *MemFS) Close(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.openFiles, h)
	return nil
}

func (m *MemFS) Stat(p string) (Stat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, err := m.lookup(p)
	if err != nil {
		return Stat{}, err
	}
	return Stat{Name: node.name, Size: int64(len(node.data)), Mode: node.mode, ModTime: node.modTime, IsDir: node.isDir}, nil
}

func (m *MemFS) List(p string) ([]DirEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, err := m.lookup(p)
	if err != nil {
		return nil, err
	}
	if !node.isDir {
		return nil, kerr.New(kerr.InvalidArgument, "vfs.memfs.List", nil)
	}
	out := make([]DirEntry, 0, len(node.children))
	for name, child := range node.children {
		out = append(out, DirEntry{Name: name, IsDir: child.isDir})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemFS) Mkdir(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	parent, name, err := m.lookupParent(p)
	if err != nil {
		return err
	}
	if _, exists := parent.children[name]; exists {
		return kerr.New(kerr.Exists, "vfs.memfs.Mkdir", nil)
	}
	parent.children[name] = newMemDir(name)
	return nil
}

func (m *MemFS) Unlink(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	parent, name, err := m.lookupParent(p)
	if err != nil {
		return err
	}
	node, ok := parent.children[name]
	if !ok {
		return kerr.New(kerr.NotFound, "vfs.memfs.Unlink", nil)
	}
	if node.isDir && len(node.children) > 0 {
		return kerr.New(kerr.InvalidArgument, "vfs.memfs.Unlink", nil)
	}
	delete(parent.children, name)
	return nil
}

func (m *MemFS) Rename(oldPath, newPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	oldParent, oldName, err := m.lookupParent(oldPath)
	if err != nil {
		return err
	}
	node, ok := oldParent.children[oldName]
	if !ok {
		return kerr.New(kerr.NotFound, "vfs.memfs.Rename", nil)
	}
	newParent, newName, err := m.lookupParent(newPath)
	if err != nil {
		return err
	}
	delete(oldParent.children, oldName)
	node.name = newName
	newParent.children[newName] = node
	return nil
}
