package pmm

// heapRAM backs RAM with a Go slice. Frame-sized allocations from the Go heap
// are at least word aligned which is all page table overlays require.
func heapRAM(size uintptr) ([]byte, func() error, error) {
	return make([]byte, size), nil, nil
}
