package vfs

import (
	"crypto/rand"
	"io"
	"io/fs"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/tinyrange/jsos/internal/kerr"
)

// charDevice is one /dev entry's read/write behavior.
type charDevice interface {
	read(n int) ([]byte, error)
	write(data []byte) (int, error)
}

type nullDevice struct{}

func (nullDevice) read(n int) ([]byte, error)     { return nil, nil }
func (nullDevice) write(data []byte) (int, error) { return len(data), nil }

type zeroDevice struct{}

func (zeroDevice) read(n int) ([]byte, error)     { return make([]byte, n), nil }
func (zeroDevice) write(data []byte) (int, error) { return len(data), nil }

type urandomDevice struct{}

func (urandomDevice) read(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, kerr.New(kerr.DeviceError, "vfs.dev.urandom", err)
	}
	return buf, nil
}
func (urandomDevice) write(data []byte) (int, error) { return len(data), nil }

// ttyDevice loops a console's own Write/ReadByte into the provider
// interface, the same console.Serial the kernel's boot banner uses.
type ttyDevice struct {
	write_ func([]byte) (int, error)
	read_  func(n int) ([]byte, error)
}

func (t *ttyDevice) read(n int) ([]byte, error) {
	if t.read_ == nil {
		return nil, nil
	}
	return t.read_(n)
}
func (t *ttyDevice) write(data []byte) (int, error) {
	if t.write_ == nil {
		return len(data), nil
	}
	return t.write_(data)
}

// DevFS is the /dev provider: character devices including null,
// zero, urandom, and tty.
type DevFS struct {
	mu      sync.Mutex
	devices map[string]charDevice

	nextHandle Handle
	open       map[Handle]string
}

func NewDevFS() *DevFS {
	d := &DevFS{
		devices: map[string]charDevice{
			"null":    nullDevice{},
			"zero":    zeroDevice{},
			"urandom": urandomDevice{},
		},
		open: map[Handle]string{},
	}
	return d
}

// BindTTY wires /dev/tty to a console's read/write functions; /dev has
// no tty entry until it is called.
func (d *DevFS) BindTTY(write func([]byte) (int, error), read func(int) ([]byte, error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices["tty"] = &ttyDevice{write_: write, read_: read}
}

func (d *DevFS) Open(p string, flags OpenFlags) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	name := path.Base(path.Clean("/" + p))
	if _, ok := d.devices[name]; !ok {
		return 0, kerr.New(kerr.NotFound, "vfs.devfs.Open", nil)
	}
	d.nextHandle++
	h := d.nextHandle
	d.open[h] = name
	return h, nil
}

func (d *DevFS) Read(h Handle, n int) ([]byte, error) {
	d.mu.Lock()
	name, ok := d.open[h]
	dev := d.devices[name]
	d.mu.Unlock()
	if !ok {
		return nil, kerr.New(kerr.InvalidArgument, "vfs.devfs.Read", nil)
	}
	return dev.read(n)
}

func (d *DevFS) Write(h Handle, data []byte) (int, error) {
	d.mu.Lock()
	name, ok := d.open[h]
	dev := d.devices[name]
	d.mu.Unlock()
	if !ok {
		return 0, kerr.New(kerr.InvalidArgument, "vfs.devfs.Write", nil)
	}
	return dev.write(data)
}

func (d *DevFS) Close(h Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.open, h)
	return nil
}

func (d *DevFS) Stat(p string) (Stat, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	name := path.Base(path.Clean("/" + p))
	if _, ok := d.devices[name]; !ok {
		return Stat{}, kerr.New(kerr.NotFound, "vfs.devfs.Stat", nil)
	}
	return Stat{Name: name, Mode: fs.FileMode(0o666), ModTime: time.Now()}, nil
}

func (d *DevFS) List(p string) ([]DirEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if path.Clean("/"+p) != "/" {
		return nil, kerr.New(kerr.InvalidArgument, "vfs.devfs.List", nil)
	}
	out := make([]DirEntry, 0, len(d.devices))
	for name := range d.devices {
		out = append(out, DirEntry{Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (d *DevFS) Mkdir(string) error         { return kerr.New(kerr.PermissionDenied, "vfs.devfs.Mkdir", nil) }
func (d *DevFS) Unlink(string) error        { return kerr.New(kerr.PermissionDenied, "vfs.devfs.Unlink", nil) }
func (d *DevFS) Rename(string, string) error { return kerr.New(kerr.PermissionDenied, "vfs.devfs.Rename", nil) }
