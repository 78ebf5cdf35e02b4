//go:build !linux

package executor

func pinThread(int) error { return nil }
