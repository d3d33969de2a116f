//go:build !linux

package console

func isTerminal(fd uintptr) bool { return false }
