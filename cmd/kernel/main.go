// Command kernel boots the hosted simulation: it wires every package
// in this tree together the way a freestanding build's _start/kmain
// would, then hands control to the scheduler, mirroring biscuit's
// main.go init sequence (cpus_start, attach_devs, device init order)
// translated into this design's single-address-space, single-CPU model.
package main

import (
	"flag"
	"log/slog"
	"os"
	"strings"

	"github.com/schani/ralph-os/internal/basic"
	"github.com/schani/ralph-os/internal/bootinfo"
	"github.com/schani/ralph-os/internal/ioport"
	"github.com/schani/ralph-os/internal/kapi"
	"github.com/schani/ralph-os/internal/kheap"
	"github.com/schani/ralph-os/internal/loader"
	"github.com/schani/ralph-os/internal/meminfo"
	"github.com/schani/ralph-os/internal/ne2000"
	"github.com/schani/ralph-os/internal/net"
	"github.com/schani/ralph-os/internal/netbuf"
	"github.com/schani/ralph-os/internal/pregion"
	"github.com/schani/ralph-os/internal/sched"
	"github.com/schani/ralph-os/internal/serial"
	"github.com/schani/ralph-os/internal/task"
	"github.com/schani/ralph-os/internal/tcp"
	"github.com/schani/ralph-os/internal/telnet"
	"github.com/schani/ralph-os/internal/timer"
	"github.com/schani/ralph-os/programs/hello"
	"golang.org/x/term"
)

// Memory layout (spec §6.1 gives InitialRSP; everything below it is this
// hosted build's choice of region sizes, since there is no real physical
// memory map to read them from).
const (
	heapBase  = 0x00200000
	heapSize  = 16 << 20
	progBase  = 0x01000000
	progSize  = 32 << 20
	nicIOBase = 0x300
)

func main() {
	var (
		execPath = flag.String("exec-table", "", "path to a REXE exec table image (cmd/mkexec's output); omitted if empty")
		rawIO    = flag.Bool("raw-io", false, "use real port I/O via /dev/port instead of the in-memory SimBus")
		logLevel = flag.String("log-level", "info", "slog level: debug, info, warn, error")
	)
	flag.Parse()

	log := newLogger(*logLevel)
	log.Info("ralph-os booting", "initial_rsp", bootinfo.InitialRSP)

	bus := newBus(*rawIO, log)

	progRegion := pregion.New()
	progRegion.Init(progBase, progSize)

	base := timer.New()
	tickSource := timer.NewSource(base)
	tickSource.Start()

	var scheduler *sched.Scheduler
	currentTask := func() uint32 {
		id, ok := scheduler.CurrentTaskID()
		if !ok {
			return kheap.KernelTaskID
		}
		return uint32(id)
	}
	lock := ioport.NewIrqLock()
	heap := kheap.New(lock, currentTask, nil)
	heap.Init(heapBase, heapSize)

	table := readExecTable(*execPath, log)
	ld := loader.New(table, progRegion)
	scheduler = sched.New(base, func(id task.ID) { ld.Unload(uint32(id)) })

	pool := netbuf.New()
	nic := ne2000.New(bus, nicIOBase, pool)
	if err := nic.Reset(); err != nil {
		log.Error("ne2000 reset failed, running without network", "err", err)
		nic = nil
	}

	cfg := net.Config{
		IP:      [4]byte{10, 0, 2, 15},
		Netmask: [4]byte{255, 255, 255, 0},
		Gateway: [4]byte{10, 0, 2, 2},
	}
	var stack *net.Stack
	var tcpEngine *tcp.Engine
	if nic != nil {
		cfg.MAC = nic.MAC()
		sender := net.NicSender{Queue: pool, SrcMAC: cfg.MAC}
		stack = net.NewStack(cfg, sender, nil, base.Ticks, log)
		tcpEngine = tcp.NewEngine(cfg.IP, stack, base.Ticks, log)
		stack.TCP = tcpEngine
	}

	bindings := &kapi.Bindings{Printer: consolePrinter{log: log}, Sched: scheduler, Alloc: ld, Net: tcpEngine}

	// Memory introspection is a pure query layer over the allocators and
	// the scheduler (spec §4.12); its only specified consumer is the VGA
	// visualiser, out of scope here, so logging one region-stats snapshot
	// at boot is this build's stand-in call site for it.
	mem := meminfo.New(heap, progRegion, ld, scheduler)
	for _, rs := range mem.RegionStats() {
		log.Info("region stats", "region", rs.Name, "used", rs.Used, "free", rs.Free)
	}

	spawnStackTask(scheduler, progRegion, ld, log, "hello", func(t *task.Task) {
		hello.Run(bindings.For(t, uint32(t.ID)))
	})

	// spawn_program (spec §4.7): every exec-table entry that isn't a
	// BASIC source (§6.6) is an ELF64 image, loaded and spawned as its
	// own task rather than left sitting in the table unused.
	if table != nil {
		for _, name := range table.List() {
			if strings.HasSuffix(name, ".bas") {
				continue
			}
			if _, err := ld.SpawnProgram(scheduler, bindings, log, name, nil); err != nil {
				log.Error("spawn_program failed", "program", name, "err", err)
			}
		}
	}

	port := serial.New(bus, 0x3F8)
	port.Init()
	restoreConsole := bridgeHostConsole(port, log)
	defer restoreConsole()
	spawnStackTask(scheduler, progRegion, ld, log, "serial-repl", func(t *task.Task) {
		api := bindings.For(t, uint32(t.ID))
		console := serial.NewTerminal(port)
		basic.RunREPL(console, basic.StubInterpreter{}, api.YieldNow)
	})

	if tcpEngine != nil {
		telnetd := &telnet.Server{
			Bindings: bindings,
			Sched:    scheduler,
			Region:   progRegion,
			Ledger:   ld,
			Log:      log,
		}
		if _, ok := telnetd.Run(); !ok {
			log.Error("failed to start telnetd")
		}

		spawnStackTask(scheduler, progRegion, ld, log, "net-rx-pump", func(t *task.Task) {
			api := bindings.For(t, uint32(t.ID))
			runNetRxPump(stack, pool, api)
		})
		spawnStackTask(scheduler, progRegion, ld, log, "net-tx-pump", func(t *task.Task) {
			api := bindings.For(t, uint32(t.ID))
			runNetTxPump(nic, api)
		})
		spawnStackTask(scheduler, progRegion, ld, log, "net-irq", func(t *task.Task) {
			api := bindings.For(t, uint32(t.ID))
			runNetIRQ(nic, api)
		})
		spawnStackTask(scheduler, progRegion, ld, log, "tcp-timers", func(t *task.Task) {
			api := bindings.For(t, uint32(t.ID))
			runTCPTimers(tcpEngine, api)
		})
	}

	log.Info("scheduler starting")
	scheduler.Run()
	log.Info("scheduler halted: no runnable or sleeping tasks remain")
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})
	return slog.New(h)
}

func newBus(raw bool, log *slog.Logger) ioport.Bus {
	if !raw {
		return ioport.NewSimBus()
	}
	b, err := ioport.NewRawBus()
	if err != nil {
		log.Warn("raw port I/O unavailable, falling back to SimBus", "err", err)
		return ioport.NewSimBus()
	}
	return b
}

// readExecTable loads and scans a REXE image from disk. A missing path
// or scan failure is not fatal (spec §4.7): the system runs with zero
// loadable programs, same as ScanTable's own ErrNotFound contract.
func readExecTable(path string, log *slog.Logger) *loader.Table {
	if path == "" {
		return nil
	}
	image, err := os.ReadFile(path)
	if err != nil {
		log.Warn("exec table unreadable, running without loadable programs", "path", path, "err", err)
		return nil
	}
	table, err := loader.ScanTable(image)
	if err != nil {
		log.Warn("no exec table found in image, running without loadable programs", "path", path, "err", err)
		return nil
	}
	log.Info("exec table loaded", "programs", table.List())
	return table
}

// spawnStackTask allocates a stack from the program region, registers it
// with the loader's ledger, and spawns entry as a new task — the same
// sequence internal/telnet.Server.spawn uses for built-in sessions,
// inlined here for the kernel's own built-in workers.
func spawnStackTask(s *sched.Scheduler, region *pregion.Allocator, ld *loader.Loader, log *slog.Logger, name string, entry task.Entry) {
	addr, err := region.Allocate(task.StackSize)
	if err != nil {
		log.Error("failed to allocate task stack", "task", name, "err", err)
		return
	}
	stack := region.Bytes(addr, task.StackSize)
	id := s.Spawn(name, stack, addr, entry)
	ld.RegisterStack(uint32(id), addr, task.StackSize)
}

// bridgeHostConsole wires the virtual COM1 UART onto the process's own
// stdin/stdout when stdin is a real terminal, so the serial REPL task is
// actually reachable from the invoking shell instead of only over
// telnet. Raw mode hands every keystroke to the UART as it is typed
// instead of letting the host terminal's line discipline buffer and echo
// it; nothing on the serial REPL path echoes input back. Grounded on
// tinyrange-cc/cmd/cc/main.go's IsTerminal/MakeRaw/Restore call site.
// Returns a restore func that is a no-op when no bridge was installed.
func bridgeHostConsole(port *serial.Port, log *slog.Logger) func() {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return func() {}
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		log.Warn("failed to put host terminal into raw mode, serial console stays telnet-only", "err", err)
		return func() {}
	}
	port.Output = os.Stdout
	go func() {
		var buf [1]byte
		for {
			n, err := os.Stdin.Read(buf[:])
			if err != nil {
				return
			}
			if n > 0 {
				port.Inject(buf[0])
			}
		}
	}()
	return func() { _ = term.Restore(fd, oldState) }
}

// consolePrinter satisfies kapi.Printer by routing guest program output
// through the structured logger, since this hosted build has no single
// default physical console — real consoles (serial, telnet) are wired
// to their own tasks directly instead of through kapi.Printer.
type consolePrinter struct{ log *slog.Logger }

func (c consolePrinter) Print(p []byte) { c.log.Info("console", "text", string(p)) }

// runNetRxPump drains internal/netbuf's RX ring into the stack, sleeping
// 5 ms whenever the ring is empty rather than busy-spinning (spec §5).
func runNetRxPump(stack *net.Stack, pool *netbuf.Pool, api *kapi.API) {
	for {
		slot, data, ok := pool.GetRxPacket()
		if !ok {
			api.SleepMs(5)
			continue
		}
		stack.ProcessFrame(data)
		pool.ReleaseRxBuffer(slot)
	}
}

// runNetTxPump drains frames internal/net.NicSender queued onto the TX
// ring and hands them to the card one at a time.
func runNetTxPump(nic *ne2000.Driver, api *kapi.API) {
	for {
		if !nic.PumpTx() {
			api.SleepMs(5)
		}
	}
}

// runNetIRQ stands in for the NIC's interrupt line the way
// biscuit's trap_disk/trap_cons goroutines stand in for real IDT
// delivery: poll the card's interrupt-status register on a steady
// cadence and service whatever it reports.
func runNetIRQ(nic *ne2000.Driver, api *kapi.API) {
	for {
		nic.HandleInterrupt()
		api.SleepMs(10)
	}
}

// runTCPTimers drives RFC6298 retransmission backoff and Time-Wait
// expiry (internal/tcp's ProcessTimers) at a fixed cadence.
func runTCPTimers(e *tcp.Engine, api *kapi.API) {
	for {
		e.ProcessTimers()
		api.SleepMs(100)
	}
}
