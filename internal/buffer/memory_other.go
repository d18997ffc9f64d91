//go:build !linux

package buffer

func systemMemory() (int64, bool) { return 0, false }
