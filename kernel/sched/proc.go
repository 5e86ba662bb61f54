package sched

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"gent/kernel/cpu"
	"gent/kernel/kfmt"
	"gent/kernel/mm"
	"gent/kernel/mm/vmem"
	"gent/kernel/mm/vmm"
	"gent/kernel/trap"
)

// StackSize is the size of every thread stack.
const StackSize = 0x10_0000

// maxID bounds the thread and process id arenas.
const maxID = 1 << 32

// Proc is an address space together with the id allocators of the threads
// that run in it. Threads share their Proc by reference.
type Proc struct {
	ID   uint64
	Root *vmm.RootTable

	threadIDs *vmem.Arena
	addrSpace *vmem.Arena
	sched     *Scheduler

	mu      sync.Mutex
	threads map[uint64]*Thread
}

func newProc(s *Scheduler, id uint64, root *vmm.RootTable, addrSpace *vmem.Arena) (*Proc, error) {
	threadIDs := vmem.New(fmt.Sprintf("proc%d_tids", id), 1, nil)
	if err := threadIDs.Add(1, maxID-1); err != nil {
		return nil, err
	}

	return &Proc{
		ID:        id,
		Root:      root,
		threadIDs: threadIDs,
		addrSpace: addrSpace,
		sched:     s,
		threads:   make(map[uint64]*Thread),
	}, nil
}

// SpawnThread creates a thread of p that starts executing at pc in the given
// privilege mode and appends it to the run queue.
func (p *Proc) SpawnThread(mode cpu.PrivilegeMode, priority int8, pc uint64) (ThreadID, error) {
	tid, err := p.threadIDs.Alloc(1, mm.NextFit)
	if err != nil {
		return ThreadID{}, err
	}

	perms := vmm.KernelRW
	if mode == cpu.User {
		perms = vmm.UserRW
	}

	stack, err := p.allocStack(perms)
	if err != nil {
		_ = p.threadIDs.Free(tid, 1)
		return ThreadID{}, err
	}

	t := &Thread{
		Proc:     p,
		ID:       uint64(tid),
		Mode:     mode,
		Frame:    trap.NewFrame(pc, uint64(stack)+StackSize),
		Priority: priority,
		stack:    stack,
	}

	p.mu.Lock()
	p.threads[t.ID] = t
	p.mu.Unlock()
	p.sched.queue.push(t)

	kfmt.Log("sched").WithFields(logrus.Fields{
		"thread":   t.TID().String(),
		"mode":     mode.String(),
		"priority": priority,
		"stack":    stack.String(),
	}).Debug("spawned thread")

	return t.TID(), nil
}

var unmapPageFn = (*vmm.RootTable).Unmap

// allocStack reserves a stack range and backs every page with a fresh
// auto-free frame. A partially built stack is torn down on failure.
func (p *Proc) allocStack(perms vmm.Permissions) (mm.VirtAddr, error) {
	base, err := p.addrSpace.Alloc(StackSize, mm.NextFit)
	if err != nil {
		return 0, err
	}
	stack := mm.VirtAddr(base)
	mem := p.sched.svc.Mem

	for off := uintptr(0); off < StackSize; off += mm.FrameSize {
		pa, err := mem.AllocFrames(mm.FrameSize)
		if err == nil {
			if err = p.Root.Map(stack.Add(off), pa, perms, mm.Kilopage); err != nil {
				_ = mem.FreeFrames(pa, mm.FrameSize)
			}
		}

		if err != nil {
			// A range with pages still mapped is left reserved.
			if unmapErr := p.unmapStack(stack, off); unmapErr != nil {
				kfmt.Log("sched").WithError(unmapErr).WithField("stack", stack.String()).
					Error("rolling back partially mapped stack")
			} else {
				_ = p.addrSpace.Free(base, StackSize)
			}
			return 0, fmt.Errorf("sched: allocating stack page %s: %w", stack.Add(off), err)
		}
	}

	return stack, nil
}

// unmapStack removes the first n bytes of the stack at base. Stack pages
// are auto-free so their frames go back to the allocator.
func (p *Proc) unmapStack(base mm.VirtAddr, n uintptr) error {
	var firstErr error
	for off := uintptr(0); off < n; off += mm.FrameSize {
		if err := unmapPageFn(p.Root, base.Add(off), mm.Kilopage); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// release returns the stack and id of an exited thread.
func (p *Proc) release(t *Thread) error {
	if err := p.unmapStack(t.stack, StackSize); err != nil {
		return err
	}
	if err := p.addrSpace.Free(uintptr(t.stack), StackSize); err != nil {
		return err
	}

	p.mu.Lock()
	delete(p.threads, t.ID)
	p.mu.Unlock()
	return p.threadIDs.Free(uintptr(t.ID), 1)
}

// StackBase returns the base of the stack of thread tid.
func (p *Proc) StackBase(tid uint64) (mm.VirtAddr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.threads[tid]
	if !ok {
		return 0, false
	}
	return t.stack, true
}

// Threads returns the ids of the live threads of p in ascending order.
func (p *Proc) Threads() []uint64 {
	p.mu.Lock()
	ids := make([]uint64, 0, len(p.threads))
	for id := range p.threads {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ThreadsAllocated returns the number of thread ids currently in use.
func (p *Proc) ThreadsAllocated() uintptr {
	return p.threadIDs.InUse()
}
