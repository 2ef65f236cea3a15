//go:build ralph_freestanding

package task

// switchContext saves the current callee-save registers into *cur, loads
// them from *next, and returns — into whatever RIP *next's RSP points at.
// Declared here, defined in context_amd64.s. Built only under the
// ralph_freestanding tag: this instruction sequence assumes RSP is free to
// point anywhere (a pregion-backed stack buffer, spec §4.5), which is true
// on bare metal but not safe against the standard Go runtime's own stack
// management, so the hosted build (default) uses goroutine parking
// instead — see task.go and the design note in spec §9 permitting
// language-provided stackful coroutines as a substitute so long as they
// do not allocate on yield or preserve SIMD state implicitly.
//
//go:nosplit
func switchContext(cur, next *Context)
