//go:build unix

package fabric

import (
	"golang.org/x/sys/unix"
)

func allocate(length int) ([]byte, error) {
	return unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func release(data []byte) error {
	return unix.Munmap(data)
}
