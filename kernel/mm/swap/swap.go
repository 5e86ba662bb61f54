// Package swap keeps track of pages that were evicted to block storage and of
// the partitions that can receive them.
package swap

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/btree"

	"gent/kernel"
	"gent/kernel/kfmt"
	"gent/kernel/mm"
)

var (
	// ErrRecordExists is returned when a page is evicted twice.
	ErrRecordExists = &kernel.Error{Module: "swap", Message: "page already has a swap record"}

	// ErrNoRecord is returned when reloading a page that was never evicted.
	ErrNoRecord = &kernel.Error{Module: "swap", Message: "no swap record for page"}

	// ErrNoSwapSpace is returned when no registered partition can hold a
	// page.
	ErrNoSwapSpace = &kernel.Error{Module: "swap", Message: "no swap partition has enough free blocks", Kind: kernel.KindExhausted}

	// ErrUnknownPartition is returned for an unregistered partition id.
	ErrUnknownPartition = &kernel.Error{Module: "swap", Message: "unknown swap partition"}

	// ErrPartitionExists is returned when a partition id is registered
	// twice.
	ErrPartitionExists = &kernel.Error{Module: "swap", Message: "swap partition already registered", Kind: kernel.KindMisuse}
)

// Partition is the block storage used as swap backing.
type Partition interface {
	BlockSize() uint64
	AllocBlocks(n uint64) (uint64, error)
	FreeBlocks(block, n uint64) error
	Read(buf []byte, block uint64) error
	Write(data []byte, block uint64) error
}

// Key identifies an evicted page. Kernel pages (higher-half addresses) are
// identified by address alone and Proc is ignored for them.
type Key struct {
	Proc uint64
	Addr mm.VirtAddr
}

// String implements fmt.Stringer.
func (k Key) String() string {
	if k.Addr.IsKernel() {
		return fmt.Sprintf("kernel/%s", k.Addr)
	}
	return fmt.Sprintf("proc %d/%s", k.Proc, k.Addr)
}

// Location describes where an evicted page is stored.
type Location struct {
	Partition int
	Block     uint64
	Blocks    uint64
}

type userRecord struct {
	key Key
	loc Location
}

func userLess(a, b userRecord) bool {
	if a.key.Proc != b.key.Proc {
		return a.key.Proc < b.key.Proc
	}
	return a.key.Addr < b.key.Addr
}

type kernelRecord struct {
	addr mm.VirtAddr
	loc  Location
}

func kernelLess(a, b kernelRecord) bool { return a.addr < b.addr }

// btreeDegree is the fan-out of the record indices.
const btreeDegree = 16

// Manager owns the swap records and the swap partition registry. All methods
// are safe for concurrent use; locks are only held while the tables are
// touched, never across disk I/O.
type Manager struct {
	mu     sync.Mutex
	user   *btree.BTreeG[userRecord]
	kernel *btree.BTreeG[kernelRecord]

	partMu     sync.RWMutex
	partitions map[int]Partition
}

// NewManager returns an empty swap manager.
func NewManager() *Manager {
	return &Manager{
		user:       btree.NewG[userRecord](btreeDegree, userLess),
		kernel:     btree.NewG[kernelRecord](btreeDegree, kernelLess),
		partitions: make(map[int]Partition),
	}
}

// Record stores the location of an evicted page.
func (m *Manager) Record(key Key, loc Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if key.Addr.IsKernel() {
		if _, found := m.kernel.Get(kernelRecord{addr: key.Addr}); found {
			return fmt.Errorf("%s: %w", key, ErrRecordExists)
		}
		m.kernel.ReplaceOrInsert(kernelRecord{key.Addr, loc})
		return nil
	}

	if _, found := m.user.Get(userRecord{key: key}); found {
		return fmt.Errorf("%s: %w", key, ErrRecordExists)
	}
	m.user.ReplaceOrInsert(userRecord{key, loc})
	return nil
}

// Take removes and returns the location of an evicted page.
func (m *Manager) Take(key Key) (Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if key.Addr.IsKernel() {
		rec, found := m.kernel.Delete(kernelRecord{addr: key.Addr})
		if !found {
			return Location{}, fmt.Errorf("%s: %w", key, ErrNoRecord)
		}
		return rec.loc, nil
	}

	rec, found := m.user.Delete(userRecord{key: key})
	if !found {
		return Location{}, fmt.Errorf("%s: %w", key, ErrNoRecord)
	}
	return rec.loc, nil
}

// Lookup returns the location of an evicted page without removing it.
func (m *Manager) Lookup(key Key) (Location, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if key.Addr.IsKernel() {
		rec, found := m.kernel.Get(kernelRecord{addr: key.Addr})
		return rec.loc, found
	}
	rec, found := m.user.Get(userRecord{key: key})
	return rec.loc, found
}

// Len returns the number of outstanding swap records.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.user.Len() + m.kernel.Len()
}

// RegisterPartition makes a partition available as an eviction target.
func (m *Manager) RegisterPartition(id int, p Partition) error {
	m.partMu.Lock()
	defer m.partMu.Unlock()

	if _, exists := m.partitions[id]; exists {
		return ErrPartitionExists
	}
	m.partitions[id] = p

	kfmt.Log("swap").WithField("partition", id).Info("swap partition registered")
	return nil
}

// Partition returns a registered partition.
func (m *Manager) Partition(id int) (Partition, error) {
	m.partMu.RLock()
	defer m.partMu.RUnlock()

	p, ok := m.partitions[id]
	if !ok {
		return nil, ErrUnknownPartition
	}
	return p, nil
}

// Partitions returns the registered partition ids in ascending order.
func (m *Manager) Partitions() []int {
	m.partMu.RLock()
	defer m.partMu.RUnlock()

	ids := make([]int, 0, len(m.partitions))
	for id := range m.partitions {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Place reserves enough blocks to hold size bytes. Partitions are tried in
// ascending id order; a partition that cannot satisfy the request is skipped.
func (m *Manager) Place(size uintptr) (Location, error) {
	for _, id := range m.Partitions() {
		p, err := m.Partition(id)
		if err != nil {
			continue
		}

		blocks := (uint64(size) + p.BlockSize() - 1) / p.BlockSize()
		block, err := p.AllocBlocks(blocks)
		if err != nil {
			if kernel.KindOf(err) == kernel.KindExhausted {
				continue
			}
			return Location{}, err
		}
		return Location{Partition: id, Block: block, Blocks: blocks}, nil
	}

	return Location{}, ErrNoSwapSpace
}

// Release returns the blocks of loc to their partition.
func (m *Manager) Release(loc Location) error {
	p, err := m.Partition(loc.Partition)
	if err != nil {
		return err
	}
	return p.FreeBlocks(loc.Block, loc.Blocks)
}

// WritePage stores data at loc.
func (m *Manager) WritePage(loc Location, data []byte) error {
	p, err := m.Partition(loc.Partition)
	if err != nil {
		return err
	}
	return p.Write(data, loc.Block)
}

// ReadPage fills buf from loc.
func (m *Manager) ReadPage(loc Location, buf []byte) error {
	p, err := m.Partition(loc.Partition)
	if err != nil {
		return err
	}
	return p.Read(buf, loc.Block)
}
