//go:build linux || darwin

// Package rlimit negotiates the open file descriptor limit of the process.
package rlimit

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MaxCeiling bounds the value returned by Negotiate, for systems that report
// an effectively unlimited descriptor limit.
const MaxCeiling = 1 << 20

// getrlimit and setrlimit are replaced in tests.
var (
	getrlimit = func(lim *unix.Rlimit) error { return unix.Getrlimit(unix.RLIMIT_NOFILE, lim) }
	setrlimit = func(lim *unix.Rlimit) error { return unix.Setrlimit(unix.RLIMIT_NOFILE, lim) }
)

// Negotiate raises the soft and hard descriptor limits to at least
// requested, and returns the resulting soft limit, which is the usable
// ceiling. Limits are never lowered.
func Negotiate(requested uint64) (uint64, error) {
	var lim unix.Rlimit
	if err := getrlimit(&lim); err != nil {
		return 0, fmt.Errorf("rlimit: get: %w", err)
	}
	if lim.Cur < requested || lim.Max < requested {
		lim.Cur = max(lim.Cur, requested)
		lim.Max = max(lim.Max, requested)
		if err := setrlimit(&lim); err != nil {
			return 0, fmt.Errorf("rlimit: set %d: %w", requested, err)
		}
		if err := getrlimit(&lim); err != nil {
			return 0, fmt.Errorf("rlimit: get: %w", err)
		}
	}
	return min(lim.Cur, MaxCeiling), nil
}
