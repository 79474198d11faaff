//go:build !linux

package broker

import "syscall"

// markVoice is a no-op where DSCP marking is not wired up.
func markVoice(string, string, syscall.RawConn) error { return nil }
