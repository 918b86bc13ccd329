//go:build unix

package rlimit

import "golang.org/x/sys/unix"

func raiseNoFile() (before, after uint64, err error) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		return 0, 0, err
	}
	before = rlimit.Cur
	if rlimit.Cur >= rlimit.Max {
		return before, before, nil
	}
	rlimit.Cur = rlimit.Max
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		return before, before, err
	}
	return before, rlimit.Cur, nil
}
