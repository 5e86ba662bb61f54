//go:build !unix

package pmm

func mapRAM(size uintptr) ([]byte, func() error, error) {
	return heapRAM(size)
}
