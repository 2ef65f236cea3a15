package basic

import "strings"

// StubInterpreter is a placeholder Interpreter: enough to prove the
// task/scheduler/terminal plumbing works end to end without a real
// BASIC front-end. It understands exactly two commands, case-insensitive:
// BYE/QUIT to end the session, and everything else is echoed back.
type StubInterpreter struct{}

func (StubInterpreter) Eval(line string) (output string, quit bool) {
	trimmed := strings.TrimSpace(line)
	switch strings.ToUpper(trimmed) {
	case "":
		return "", false
	case "BYE", "QUIT":
		return "Goodbye.", true
	default:
		return "? " + trimmed, false
	}
}
