// Package rlimit raises the open-file descriptor limit before the probe
// connects, since a coordination client that watches many znodes can hold
// one socket plus a file descriptor per outstanding watch callback.
package rlimit

// RaiseNoFile attempts to raise the process's open-file soft limit to the
// hard limit. It is a best-effort call: callers should log but not fail
// startup on error.
func RaiseNoFile() (before, after uint64, err error) {
	return raiseNoFile()
}
