// Package kernel assembles the mathematical memory manager and the
// process scheduler into one explicitly constructed instance. Nothing in
// here is process-wide state; multiple kernels coexist in tests.
package kernel

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantum-os/qcore/internal/config"
	"github.com/quantum-os/qcore/internal/qmm"
	"github.com/quantum-os/qcore/internal/sched"
	"github.com/quantum-os/qcore/internal/telemetry"
)

// Version is reported to telemetry and tracing.
const Version = "0.3.0"

// pressureSweepInterval is how many ticks pass between threshold-driven
// collection checks.
const pressureSweepInterval = 100

// Kernel owns one memory manager, one scheduler, and the plumbing between
// them: allocation pressure feeds scheduling priority, and the external
// tick drives both.
type Kernel struct {
	cfg *config.KernelConfig
	log *Logger

	mem   *qmm.Manager
	sched *sched.Scheduler

	ticks atomic.Uint64

	heapMu  sync.Mutex
	heap    map[uint32]uint64 // pid -> mathematical heap bytes
	owner   map[qmm.Ptr]uint32
	ptrSize map[qmm.Ptr]uint64

	stats *telemetry.StatsServer
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithLogOutput redirects kernel log output, mainly for tests.
func WithLogOutput(w io.Writer) Option {
	return func(k *Kernel) {
		level, _ := ParseLogLevel(k.cfg.Logging.Level)
		k.log = NewLogger(level, w)
	}
}

// New boots a kernel instance from the given configuration: pools are
// created, the collector configured, and the scheduler wired to the
// kernel tick.
func New(cfg *config.KernelConfig, opts ...Option) (*Kernel, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level, err := ParseLogLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	k := &Kernel{
		cfg:     cfg,
		log:     NewLogger(level, nil),
		heap:    make(map[uint32]uint64),
		owner:   make(map[qmm.Ptr]uint32),
		ptrSize: make(map[qmm.Ptr]uint64),
	}
	for _, opt := range opts {
		opt(k)
	}

	clock := func() uint64 { return k.ticks.Load() }

	k.mem = qmm.NewManager(
		qmm.WithClock(clock),
		qmm.WithLogf(k.log.Debugf),
	)
	if err := k.mem.InitializePools(cfg.Memory.TotalPoolBytes); err != nil {
		return nil, fmt.Errorf("kernel: memory init: %w", err)
	}
	gc := k.mem.Collector()
	gc.SetEnabled(cfg.Memory.GC.Enabled)
	gc.SetThresholdPercent(cfg.Memory.GC.ThresholdPercent)
	gc.SetPreserveProofs(cfg.Memory.GC.PreserveProofs)
	gc.SetPreserveContexts(cfg.Memory.GC.PreserveContexts)

	k.sched = sched.New(sched.Config{
		DefaultQuantumTicks:  cfg.Scheduler.DefaultQuantumTicks,
		MathQuantumTicks:     cfg.Scheduler.MathQuantumTicks,
		RealTimeQuantumTicks: cfg.Scheduler.RealTimeQuantumTicks,
		AdaptiveQuantum:      cfg.Scheduler.AdaptiveQuantum,
		MathPriorityBoost:    cfg.Scheduler.MathPriorityBoost,
		DependencyAware:      cfg.Scheduler.DependencyAware,
		InitialSwitchTicks:   100,
	}, sched.WithClock(clock), sched.WithLogf(k.log.Debugf))

	k.sched.Subscribe(func(ev sched.Event) {
		k.log.Debugf("kernel: event %s pid=%d (%s)", ev.Kind, ev.PID, ev.Name)
	})

	k.log.Infof("kernel: booted, %d bytes of mathematical memory", cfg.Memory.TotalPoolBytes)
	return k, nil
}

// Memory exposes the memory manager.
func (k *Kernel) Memory() *qmm.Manager { return k.mem }

// Scheduler exposes the process scheduler.
func (k *Kernel) Scheduler() *sched.Scheduler { return k.sched }

// Log exposes the kernel logger.
func (k *Kernel) Log() *Logger { return k.log }

// Ticks returns the current kernel tick.
func (k *Kernel) Ticks() uint64 { return k.ticks.Load() }

// Tick advances kernel time by one tick: the scheduler sees quantum and
// timeout expiry, and every pressureSweepInterval ticks the collector is
// offered a threshold-driven sweep. This is the only preemption driver.
func (k *Kernel) Tick() {
	now := k.ticks.Add(1)
	k.sched.Tick()
	if now%pressureSweepInterval == 0 {
		if objects, bytes := k.mem.CollectIfPressured(); objects > 0 {
			k.log.Infof("kernel: pressure sweep reclaimed %d objects (%d bytes)", objects, bytes)
		}
	}
}

// Run drives Tick from a wall-clock ticker until the context ends. One
// tick per interval; a millisecond interval matches the quantum units.
func (k *Kernel) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: non-positive tick interval", qmm.ErrInvalidParameter)
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			k.Tick()
		}
	}
}

// AllocateFor allocates mathematical memory on behalf of a process and
// feeds the process's new heap footprint back into its scheduling
// priority. The block's identifier is appended to the process's quantum
// context allocation list when one is assigned.
func (k *Kernel) AllocateFor(pid uint32, typ qmm.MathType, size uint64, flags qmm.AllocFlag) (_ qmm.Ptr, err error) {
	_, span := telemetry.StartSpan(context.Background(), "qmm.allocate")
	span.WithInt("pid", int64(pid)).WithInt("bytes", int64(size))
	defer func() { span.End(err) }()

	if _, err = k.sched.Process(pid); err != nil {
		return 0, err
	}

	ptr, err := k.mem.Allocate(typ, size, flags)
	if err != nil {
		return 0, err
	}

	k.heapMu.Lock()
	k.heap[pid] += size
	k.owner[ptr] = pid
	k.ptrSize[ptr] = size
	heap := k.heap[pid]
	k.heapMu.Unlock()

	if id, idErr := k.mem.BlockID(ptr); idErr == nil {
		_ = k.sched.TrackAllocation(pid, id)
	}
	err = k.sched.SetHeapUsage(pid, heap)
	return ptr, err
}

// FreeFor releases a block allocated through AllocateFor and shrinks the
// owning process's heap footprint.
func (k *Kernel) FreeFor(ptr qmm.Ptr) error {
	if err := k.mem.Free(ptr); err != nil {
		return err
	}

	k.heapMu.Lock()
	pid, owned := k.owner[ptr]
	size := k.ptrSize[ptr]
	var heap uint64
	if owned {
		if k.heap[pid] >= size {
			k.heap[pid] -= size
		} else {
			k.heap[pid] = 0
		}
		heap = k.heap[pid]
		delete(k.owner, ptr)
		delete(k.ptrSize, ptr)
	}
	k.heapMu.Unlock()

	if !owned {
		return nil
	}
	// The process may already be gone; its footprint dies with it.
	if err := k.sched.SetHeapUsage(pid, heap); err != nil {
		k.log.Debugf("kernel: heap feedback for pid %d: %v", pid, err)
	}
	return nil
}

// HeapUsage reports a process's mathematical heap footprint in bytes.
func (k *Kernel) HeapUsage(pid uint32) uint64 {
	k.heapMu.Lock()
	defer k.heapMu.Unlock()
	return k.heap[pid]
}

// ApplyConfig applies the dynamically safe subset of a reloaded
// configuration: collector policy, scheduler boost, and log level. Pool
// sizes and quanta stay as booted.
func (k *Kernel) ApplyConfig(cfg *config.KernelConfig) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil config", qmm.ErrInvalidParameter)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	level, err := ParseLogLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}

	gc := k.mem.Collector()
	gc.SetEnabled(cfg.Memory.GC.Enabled)
	gc.SetThresholdPercent(cfg.Memory.GC.ThresholdPercent)
	gc.SetPreserveProofs(cfg.Memory.GC.PreserveProofs)
	gc.SetPreserveContexts(cfg.Memory.GC.PreserveContexts)
	k.sched.SetMathPriorityBoost(cfg.Scheduler.MathPriorityBoost)
	k.log.SetLevel(level)

	k.log.Infof("kernel: configuration reloaded")
	return nil
}

// WatchConfig hot-reloads the file at path for the rest of the context's
// life, applying each valid revision through ApplyConfig.
func (k *Kernel) WatchConfig(ctx context.Context, path string) error {
	w, err := config.NewWatcher(path,
		func(cfg *config.KernelConfig) {
			if err := k.ApplyConfig(cfg); err != nil {
				k.log.Warnf("kernel: config reload rejected: %v", err)
			}
		},
		func(err error) {
			k.log.Warnf("kernel: config watch: %v", err)
		})
	if err != nil {
		return err
	}
	go func() {
		defer w.Close()
		w.Run(ctx)
	}()
	return nil
}

// MemoryStats implements telemetry.Source.
func (k *Kernel) MemoryStats() qmm.Statistics { return k.mem.Stats() }

// SchedulerStats implements telemetry.Source.
func (k *Kernel) SchedulerStats() sched.Stats { return k.sched.Stats() }

// MemoryMap implements telemetry.Source.
func (k *Kernel) MemoryMap() string { return k.mem.MemoryMap() }

// StartStatsServer publishes statistics over HTTP/3 on the configured
// address and returns the bound address.
func (k *Kernel) StartStatsServer(tlsCfg *tls.Config) (string, error) {
	if !k.cfg.Telemetry.Enabled {
		return "", fmt.Errorf("%w: telemetry disabled", qmm.ErrInvalidParameter)
	}
	k.stats = telemetry.NewStatsServer(k.cfg.Telemetry.ListenAddr, tlsCfg, k)
	addr, err := k.stats.Start()
	if err != nil {
		return "", err
	}
	k.log.Infof("kernel: statistics endpoint on %s", addr)
	return addr, nil
}

// Shutdown tears the instance down: stats server, every process, every
// pool. The kernel is unusable afterwards.
func (k *Kernel) Shutdown() error {
	var firstErr error
	if k.stats != nil {
		if err := k.stats.Stop(); err != nil {
			firstErr = err
		}
	}
	if err := k.sched.Shutdown(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := k.mem.Shutdown(); err != nil && firstErr == nil {
		firstErr = err
	}
	k.log.Infof("kernel: shutdown complete")
	return firstErr
}
