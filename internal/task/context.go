package task

// Context is the callee-save register set a real context switch saves and
// restores (spec §4.5): r15, r14, r13, r12, rbx, rbp, rsp. It is kept here,
// outside any build tag, so both the freestanding assembly switch
// (context_amd64.s, built under ralph_freestanding) and the hosted
// goroutine-backed scheduler (task.go) describe task state with the same
// shape — the hosted build sets only RSP (the top of the task's stack, at
// construction) and drives the actual switch via channel handoff rather
// than loading these registers into the CPU.
type Context struct {
	R15, R14, R13, R12 uint64
	RBX                uint64
	RBP                uint64
	RSP                uint64
}
