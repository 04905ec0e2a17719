package vfs

import (
	"bytes"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tinyrange/jsos/internal/kerr"
)

const (
	fs0444    fs.FileMode = 0o444
	fs0555Dir             = fs.ModeDir | 0o555
)

// ProcSource supplies the live data /proc renders; the scheduler
// implements this to expose process listings without /proc importing
// internal/sched directly.
type ProcSource interface {
	ProcEntries() []ProcEntry
}

// ProcEntry is one process's /proc/<pid>/status worth of fields.
type ProcEntry struct {
	PID   uint32
	State string
	Ticks uint64
}

// ProcFS is the synthetic, read-only /proc provider. Every Open
// regenerates its content from the live ProcSource, so
// there is nothing to keep in sync — unlike MemFS, Open captures a
// snapshot at open time rather than a live node reference.
type ProcFS struct {
	mu     sync.Mutex
	source ProcSource

	nextHandle Handle
	open       map[Handle]*bytes.Buffer
}

func NewProcFS(source ProcSource) *ProcFS {
	return &ProcFS{source: source, open: map[Handle]*bytes.Buffer{}}
}

func (p *ProcFS) render(clean string) ([]byte, bool, error) {
	if clean == "/" {
		return nil, true, nil
	}
	parts := strings.Split(strings.TrimPrefix(clean, "/"), "/")
	if len(parts) == 1 {
		for _, e := range p.source.ProcEntries() {
			if fmt.Sprint(e.PID) == parts[0] {
				return nil, true, nil
			}
		}
		return nil, false, kerr.New(kerr.NotFound, "vfs.procfs", nil)
	}
	if len(parts) == 2 && parts[1] == "status" {
		for _, e := range p.source.ProcEntries() {
			if fmt.Sprint(e.PID) == parts[0] {
				var buf bytes.Buffer
				fmt.Fprintf(&buf, "pid:\t%d\nstate:\t%s\nticks:\t%d\n", e.PID, e.State, e.Ticks)
				return buf.Bytes(), false, nil
			}
		}
	}
	return nil, false, kerr.New(kerr.NotFound, "vfs.procfs", nil)
}

func (p *ProcFS) Open(pathStr string, flags OpenFlags) (Handle, error) {
	if flags&(OWrite|OCreate|OTruncate|OAppend) != 0 {
		return 0, kerr.New(kerr.PermissionDenied, "vfs.procfs.Open", nil)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	clean := path.Clean("/" + pathStr)
	content, isDir, err := p.render(clean)
	if err != nil {
		return 0, err
	}
	if isDir {
		return 0, kerr.New(kerr.InvalidArgument, "vfs.procfs.Open", nil)
	}
	p.nextHandle++
	h := p.nextHandle
	p.open[h] = bytes.NewBuffer(content)
	return h, nil
}

func (p *ProcFS) Read(h Handle, n int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	buf, ok := p.open[h]
	if !ok {
		return nil, kerr.New(kerr.InvalidArgument, "vfs.procfs.Read", nil)
	}
	out := make([]byte, n)
	read, _ := buf.Read(out)
	return out[:read], nil
}

func (p *ProcFS) Write(h Handle, data []byte) (int, error) {
	return 0, kerr.New(kerr.PermissionDenied, "vfs.procfs.Write", nil)
}

func (p *ProcFS) Close(h Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.open, h)
	return nil
}

func (p *ProcFS) Stat(pathStr string) (Stat, error) {
	clean := path.Clean("/" + pathStr)
	_, isDir, err := p.render(clean)
	if err != nil {
		return Stat{}, err
	}
	name := path.Base(clean)
	mode := fs0444
	if isDir {
		mode = fs0555Dir
	}
	return Stat{Name: name, Mode: mode, IsDir: isDir, ModTime: time.Now()}, nil
}

func (p *ProcFS) List(pathStr string) ([]DirEntry, error) {
	clean := path.Clean("/" + pathStr)
	if clean != "/" {
		return nil, kerr.New(kerr.InvalidArgument, "vfs.procfs.List", nil)
	}
	var out []DirEntry
	for _, e := range p.source.ProcEntries() {
		out = append(out, DirEntry{Name: fmt.Sprint(e.PID), IsDir: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (p *ProcFS) Mkdir(string) error               { return kerr.New(kerr.PermissionDenied, "vfs.procfs.Mkdir", nil) }
func (p *ProcFS) Unlink(string) error               { return kerr.New(kerr.PermissionDenied, "vfs.procfs.Unlink", nil) }
func (p *ProcFS) Rename(string, string) error       { return kerr.New(kerr.PermissionDenied, "vfs.procfs.Rename", nil) }
