//go:build unix

package pmm

import "golang.org/x/sys/unix"

// mapRAM backs RAM with an anonymous private mapping so that untouched
// frames cost no host memory.
func mapRAM(size uintptr) ([]byte, func() error, error) {
	ram, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return heapRAM(size)
	}
	return ram, func() error { return unix.Munmap(ram) }, nil
}
