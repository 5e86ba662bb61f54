// Package sched implements the preemptive round-robin scheduler. Every timer
// interrupt hands the interrupted hart to the next ready thread and arms the
// timer for that thread's time slice.
package sched

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"gent/kernel"
	"gent/kernel/cpu"
	"gent/kernel/kfmt"
	"gent/kernel/mm"
	"gent/kernel/mm/vmem"
	"gent/kernel/mm/vmm"
	"gent/kernel/trap"
)

var (
	// ErrNotInitialized is returned when threads are spawned before Init.
	ErrNotInitialized = &kernel.Error{Module: "sched", Message: "scheduler not initialized", Kind: kernel.KindMisuse}

	// ErrUnknownHart is raised for a hart id outside the configured range.
	ErrUnknownHart = &kernel.Error{Module: "sched", Message: "hart id out of range", Kind: kernel.KindInvariant}

	// ErrNoHarts is returned by New when no harts are configured.
	ErrNoHarts = &kernel.Error{Module: "sched", Message: "at least one hart is required", Kind: kernel.KindMisuse}
)

// Slice formula constants: a thread with adjusted priority p > 0 runs for
// p*p/sliceDamping + sliceMinMs milliseconds.
const (
	sliceDamping = 12
	sliceMinMs   = 8
)

// Config describes the collaborators of a Scheduler.
type Config struct {
	// Harts is the number of harts that call Tick.
	Harts int

	// Freq converts slice lengths into timer ticks.
	Freq *cpu.Frequency

	// Services back the stacks of new threads and the root tables of
	// new processes.
	Services *vmm.Services

	// KernelRoot is the root table of process 0.
	KernelRoot *vmm.RootTable

	// Virt is the kernel virtual address arena. Kernel thread stacks are
	// imported from it.
	Virt *vmem.Arena

	// UserBase and UserSize delimit the stack range of user processes.
	UserBase uintptr
	UserSize uintptr
}

// Scheduler owns the process table, the run queue and the per-hart current
// thread slots.
type Scheduler struct {
	freq       *cpu.Frequency
	svc        *vmm.Services
	kernelRoot *vmm.RootTable
	virt       *vmem.Arena
	userBase   uintptr
	userSize   uintptr

	procMu  sync.Mutex
	procs   map[uint64]*Proc
	procIDs *vmem.Arena

	queue runQueue

	// current holds one slot per hart. A slot is written only by the
	// hart it belongs to; other harts may read it.
	current []atomic.Pointer[Thread]
}

// New creates a scheduler. Init must be called before threads are spawned.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Harts <= 0 {
		return nil, ErrNoHarts
	}

	procIDs := vmem.New("proc_ids", 1, nil)
	if err := procIDs.Add(1, maxID-1); err != nil {
		return nil, err
	}

	return &Scheduler{
		freq:       cfg.Freq,
		svc:        cfg.Services,
		kernelRoot: cfg.KernelRoot,
		virt:       cfg.Virt,
		userBase:   cfg.UserBase,
		userSize:   cfg.UserSize,
		procs:      make(map[uint64]*Proc),
		procIDs:    procIDs,
		current:    make([]atomic.Pointer[Thread], cfg.Harts),
	}, nil
}

// Init creates process 0, the kernel address space, unless it already
// exists.
func (s *Scheduler) Init() error {
	s.procMu.Lock()
	defer s.procMu.Unlock()

	if _, ok := s.procs[0]; ok {
		return nil
	}

	kernelProc, err := newProc(s, 0, s.kernelRoot, vmem.New("kernel_stacks", mm.FrameSize, s.virt))
	if err != nil {
		return err
	}
	s.procs[0] = kernelProc
	return nil
}

// Proc returns the process with the supplied id.
func (s *Scheduler) Proc(pid uint64) (*Proc, bool) {
	s.procMu.Lock()
	p, ok := s.procs[pid]
	s.procMu.Unlock()
	return p, ok
}

// CreateProc creates a user process with an empty address space.
func (s *Scheduler) CreateProc() (*Proc, error) {
	if _, ok := s.Proc(0); !ok {
		return nil, ErrNotInitialized
	}

	id, err := s.procIDs.Alloc(1, mm.NextFit)
	if err != nil {
		return nil, err
	}

	addrSpace := vmem.New("user_stacks", mm.FrameSize, nil)
	if err = addrSpace.Add(s.userBase, s.userSize); err != nil {
		_ = s.procIDs.Free(id, 1)
		return nil, err
	}

	root, err := vmm.NewRootTable(uint64(id), s.kernelRoot.Mode(), s.svc)
	if err != nil {
		_ = s.procIDs.Free(id, 1)
		return nil, err
	}

	p, err := newProc(s, uint64(id), root, addrSpace)
	if err != nil {
		_ = s.svc.Mem.FreeFrames(root.Addr(), mm.FrameSize)
		_ = s.procIDs.Free(id, 1)
		return nil, err
	}

	s.procMu.Lock()
	s.procs[p.ID] = p
	s.procMu.Unlock()
	return p, nil
}

// SpawnKernelThread creates a supervisor mode thread of process 0 that
// starts executing at entry.
func (s *Scheduler) SpawnKernelThread(entry uint64, priority int8) (ThreadID, error) {
	p, ok := s.Proc(0)
	if !ok {
		return ThreadID{}, ErrNotInitialized
	}
	return p.SpawnThread(cpu.Supervisor, priority, entry)
}

// SliceMs returns the time slice in milliseconds for a thread with the
// supplied priority and priority modifier.
func SliceMs(priority, mod int8) uint64 {
	p := int64(priority) + int64(mod)
	if p <= 0 {
		return sliceMinMs
	}
	return uint64(p*p/sliceDamping) + sliceMinMs
}

// TimeSlice returns the time slice in timer ticks.
func (s *Scheduler) TimeSlice(priority, mod int8) uint64 {
	return s.freq.TicksFromMs(SliceMs(priority, mod))
}

func (s *Scheduler) slot(hartID int) *atomic.Pointer[Thread] {
	if hartID < 0 || hartID >= len(s.current) {
		panic(ErrUnknownHart)
	}
	return &s.current[hartID]
}

func (s *Scheduler) idleThread(hart cpu.Hart) *Thread {
	kernelProc, _ := s.Proc(0)
	pc, sp := hart.IdleEntry()
	return &Thread{
		Proc:     kernelProc,
		Mode:     cpu.Supervisor,
		Frame:    trap.NewFrame(pc, sp),
		Priority: 1,
	}
}

// Tick switches hart to the next ready thread. It is called from the timer
// interrupt path with the interrupted register state in frame; on return
// frame holds the state of the thread to resume.
func (s *Scheduler) Tick(hart cpu.Hart, frame *trap.Frame) {
	slot := s.slot(hart.ID())

	next := s.queue.pop()
	if next == nil {
		next = s.idleThread(hart)
	}
	slice := s.TimeSlice(next.Priority, next.PriorityMod)

	prev := slot.Load()
	if prev != nil {
		prev.save(frame)
	}

	*frame = next.Frame
	hart.LoadPageTable(next.Proc.Root.Satp())
	hart.SetPrivilegeMode(next.Mode)
	slot.Store(next)

	switch {
	case prev == nil:
	case prev.exited.Load():
		s.reap(prev)
	case !prev.isIdle():
		s.queue.push(prev)
	}

	hart.SetTimer(hart.Timer() + slice)
}

func (s *Scheduler) reap(t *Thread) {
	log := kfmt.Log("sched").WithField("thread", t.TID().String())
	if err := t.Proc.release(t); err != nil {
		log.WithError(err).Error("releasing exited thread")
		return
	}
	log.Debug("reaped thread")
}

// ExitThread terminates the thread running on hart. The timer is fired
// immediately; the next tick releases the thread's stack and id instead of
// re-enqueueing it.
func (s *Scheduler) ExitThread(hart cpu.Hart) {
	if t := s.slot(hart.ID()).Load(); t != nil && !t.isIdle() {
		t.exited.Store(true)
	}
	hart.SetTimer(hart.Timer())
}

// Current returns the id of the thread running on the supplied hart.
func (s *Scheduler) Current(hartID int) (ThreadID, bool) {
	t := s.slot(hartID).Load()
	if t == nil {
		return ThreadID{}, false
	}
	return t.TID(), true
}

// QueueLen returns the number of ready threads.
func (s *Scheduler) QueueLen() int {
	return s.queue.len()
}

// AddressSpace implements trap.Scheduler. Before the first tick a hart runs
// in the kernel address space.
func (s *Scheduler) AddressSpace(hartID int) (uint64, *vmm.RootTable, bool) {
	if t := s.slot(hartID).Load(); t != nil {
		return t.Proc.ID, t.Proc.Root, true
	}
	if p, ok := s.Proc(0); ok {
		return 0, p.Root, true
	}
	return 0, nil, false
}

// LogState writes the per-hart current threads and queue length to the
// kernel log.
func (s *Scheduler) LogState() {
	fields := logrus.Fields{"ready": s.QueueLen()}
	for i := range s.current {
		if id, ok := s.Current(i); ok {
			fields["hart"+strconv.Itoa(i)] = id.String()
		}
	}
	kfmt.Log("sched").WithFields(fields).Info("scheduler state")
}
