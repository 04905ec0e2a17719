// Command jsos boots the kernel core: it loads the boot manifest,
// brings up the memory, interrupt, clock, and bus subsystems, mounts
// the filesystem, starts the network stack, and hands control to the
// scheduler running the init process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/jsos/internal/bootcfg"
	"github.com/tinyrange/jsos/internal/clock"
	"github.com/tinyrange/jsos/internal/console"
	"github.com/tinyrange/jsos/internal/interrupt"
	"github.com/tinyrange/jsos/internal/kerr"
	"github.com/tinyrange/jsos/internal/netstack"
	"github.com/tinyrange/jsos/internal/pcibus"
	"github.com/tinyrange/jsos/internal/platform"
	"github.com/tinyrange/jsos/internal/pmm"
	"github.com/tinyrange/jsos/internal/sched"
	syscallapi "github.com/tinyrange/jsos/internal/syscall"
	"github.com/tinyrange/jsos/internal/vfs"
	"github.com/tinyrange/jsos/internal/vmm"
)

// Kernel is the single explicit object holding every subsystem handle
// the boot sequence assembles; there is no package-level mutable
// kernel state anywhere in this tree.
type Kernel struct {
	Log *slog.Logger

	Manifest *bootcfg.Manifest

	Serial *console.Serial
	VGA    *console.VGA

	Frames *pmm.Allocator
	Pages  *vmm.PageTable

	PIC      *interrupt.DualPIC
	IOAPIC   *interrupt.IOAPIC
	Handler  *interrupt.Handler
	PIT      *clock.PIT
	Wall     *clock.WallClock
	Bus      *pcibus.Bus
	Sched    *sched.Scheduler
	Mounts   *vfs.MountTable
	Net      *netstack.Stack
	Syscalls *syscallapi.Table

	halted bool
}

func main() {
	if err := run(); err != nil {
		var panicErr kerr.Panic
		if errors.As(err, &panicErr) {
			fmt.Fprintf(os.Stderr, "jsos: kernel panic: %s\n", panicErr.Reason)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "jsos: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	manifestPath := flag.String("manifest", "", "boot manifest path (empty uses the built-in fixture)")
	flag.Parse()

	defer func() {
		if r := recover(); r != nil {
			if p, ok := r.(kerr.Panic); ok {
				err = p
				return
			}
			if p, ok := r.(platform.PanicError); ok {
				err = p
				return
			}
			panic(r)
		}
	}()

	k, err := boot(*manifestPath)
	if err != nil {
		return err
	}

	k.Log.Info("boot complete, entering scheduler loop")
	k.runInit()
	return nil
}

// boot assembles the Kernel struct and brings up every subsystem.
// Independent subsystems with no dependency on each other — PCI
// enumeration and clock calibration — are brought up concurrently via
// an errgroup, since neither can fail the other's bring-up.
func boot(manifestPath string) (*Kernel, error) {
	serial := console.New(os.Stdout, os.Stdin)
	log := slog.New(slog.NewTextHandler(serial, &slog.HandlerOptions{Level: slog.LevelInfo}))

	var manifest *bootcfg.Manifest
	if manifestPath == "" {
		manifest = bootcfg.Default()
	} else {
		var err error
		manifest, err = bootcfg.Load(manifestPath)
		if err != nil {
			return nil, fmt.Errorf("jsos: load manifest: %w", err)
		}
	}

	vga := console.NewVGA()
	vga.Banner("JSOS booting")
	splash := console.NewSplash(vga, int64(len(manifest.MemoryMap)), "memory map")

	k := &Kernel{
		Log:      log,
		Manifest: manifest,
		Serial:   serial,
		VGA:      vga,
	}

	frames, err := pmm.NewFromManifest(manifest, 0x100000, 0x400000)
	if err != nil {
		return nil, fmt.Errorf("jsos: pmm: %w", err)
	}
	k.Frames = frames
	splash.Advance(int64(len(manifest.MemoryMap)))
	splash.Finish()

	k.Pages = vmm.New()

	k.PIC = interrupt.NewDualPIC()
	if err := interrupt.InitLegacyPIC(k.PIC); err != nil {
		return nil, fmt.Errorf("jsos: pic init: %w", err)
	}
	k.IOAPIC = interrupt.NewIOAPIC(24, func(vector, destAPICID uint8) {})
	k.Handler = interrupt.NewHandler(log.With("component", "interrupt"), k.PIC, k.IOAPIC)
	k.Handler.OnFatal = func(reason string, regs platform.RegisterSnapshot) {
		platform.Panic(serial, vga, reason, regs)
	}

	var busErr, clockErr error
	g, _ := errgroup.WithContext(context.Background())
	g.Go(func() error {
		k.Bus, busErr = bringUpBus()
		return busErr
	})
	g.Go(func() error {
		k.PIT, k.Wall, clockErr = bringUpClock()
		return clockErr
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("jsos: subsystem bring-up: %w", err)
	}

	k.Sched = sched.New(log.With("component", "sched"), int(manifest.Scheduler.SliceTick))
	switch manifest.Scheduler.Algorithm {
	case "priority":
		k.Sched.SetAlgorithm(sched.Priority)
	case "realtime":
		k.Sched.SetAlgorithm(sched.RealTime)
	default:
		k.Sched.SetAlgorithm(sched.RoundRobin)
	}
	k.PIT.OnTick(k.Sched.Tick)

	k.Mounts = vfs.NewMountTable(log.With("component", "vfs"))
	if err := mountFrom(k.Mounts, manifest, k.Sched); err != nil {
		return nil, fmt.Errorf("jsos: mount: %w", err)
	}

	k.Net = bringUpLoopbackNet(log.With("component", "netstack"), k.Wall)

	k.Syscalls = syscallapi.New(log.With("component", "syscall"), k.Sched, k.Mounts, k.Net, k.Wall, k.PIT, k.Frames, k.Pages, k.reboot, k.halt)

	return k, nil
}

func bringUpBus() (*pcibus.Bus, error) {
	// No real ECAM/IO-port backing is available in this hosted build;
	// configAt always reports "no device present" so Scan returns an
	// empty, valid function list rather than erroring.
	bus := pcibus.NewBus(func(bus, dev, fn uint8) pcibus.ConfigSpace {
		return pcibus.NewIOPortConfigSpace(bus, dev, fn, func(uint16, uint32) {}, func(uint16) uint32 { return 0xFFFFFFFF })
	})
	if _, err := bus.Scan(); err != nil {
		return nil, err
	}
	return bus, nil
}

func bringUpClock() (*clock.PIT, *clock.WallClock, error) {
	pit := clock.NewPIT()
	cmos := clock.NewCMOSFromRegisters(map[byte]byte{})
	bootUTC := cmos.ReadUTC()
	wall := clock.Seed(bootUTC, pit.UptimeUs)
	return pit, wall, nil
}

func mountFrom(mounts *vfs.MountTable, m *bootcfg.Manifest, procSource vfs.ProcSource) error {
	for _, mc := range m.Mounts {
		switch mc.Provider {
		case "root":
			mounts.Mount(mc.Path, vfs.NewMemFS())
		case "proc":
			mounts.Mount(mc.Path, vfs.NewProcFS(procSource))
		case "dev":
			mounts.Mount(mc.Path, vfs.NewDevFS())
		case "tmpfs":
			mounts.Mount(mc.Path, vfs.NewMemFS())
		case "disk":
			// No Provider implementation over a disk-backed store
			// exists in this tree, so a disk mount fails the boot.
			return fmt.Errorf("jsos: disk-backed mounts not yet supported")
		default:
			return fmt.Errorf("jsos: unknown mount provider %q", mc.Provider)
		}
	}
	return nil
}

// bringUpLoopbackNet starts the network stack against a loopback link:
// there is no virtio-net device to probe for in this hosted build, but
// the stack itself is fully functional against its own loopback path.
func bringUpLoopbackNet(log *slog.Logger, wall *clock.WallClock) *netstack.Stack {
	mac, _ := net.ParseMAC("52:54:00:12:34:56")
	link := netstack.NewLoopback(mac)
	stack := netstack.New(log, link, wall, netstack.Config{
		IP:      [4]byte{127, 0, 0, 1},
		Netmask: [4]byte{255, 0, 0, 0},
	})
	link.Attach(stack.Deliver)
	return stack
}

func (k *Kernel) reboot() {
	k.Log.Warn("reboot requested, restarting boot sequence is not supported in this hosted build")
	k.halted = true
}

func (k *Kernel) halt() {
	k.Log.Info("halt requested")
	k.halted = true
}

// runInit creates the init process and drives the scheduler's upper
// tick (process accounting, signal delivery, TIME_WAIT expiry) at a
// coarse ~50 Hz rate from a 20 ms host ticker, separate from the PIT's
// 1 kHz thread-preemption tick callbacks and independent of the PIT
// tick counter.
func (k *Kernel) runInit() {
	initPID := k.Sched.Create(0)
	as := vmm.NewAddressSpace(k.Pages, uint64(initPID))
	k.Syscalls.RegisterProcess(initPID, 0, vfs.NewFDTable(), as, 0x40000000)

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for !k.halted {
		<-ticker.C
		k.Sched.UpperTick()
		k.Net.ExpireTimeWait(k.Wall.Now())
	}
}
