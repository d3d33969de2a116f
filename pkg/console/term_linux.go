//go:build linux

package console

import "golang.org/x/sys/unix"

// isTerminal reports whether fd is a tty
func isTerminal(fd uintptr) bool {
	_, err := unix.IoctlGetTermios(int(fd), unix.TCGETS)
	return err == nil
}
