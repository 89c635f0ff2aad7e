//go:build !corosio_debug

package corosio

const debugAssertionsEnabled = false

// debugAssert is a no-op in default builds; build with -tags corosio_debug
// to enable the single-writer and other precondition checks described in
// spec §5/§9.
func debugAssert(cond bool, format string, args ...any) {}
