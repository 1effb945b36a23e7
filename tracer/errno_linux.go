//go:build linux

package tracer

import (
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

func errnoName(n int) string {
	if name := unix.ErrnoName(syscall.Errno(n)); name != "" {
		return name
	}
	return "E" + strconv.Itoa(n)
}
