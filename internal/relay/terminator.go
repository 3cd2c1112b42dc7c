package relay

import "os"

// Terminator decides what happens once a session's debug target is gone.
type Terminator interface {
	Terminate(s *Session)
}

// TerminatorFunc adapts a function to Terminator.
type TerminatorFunc func(s *Session)

func (f TerminatorFunc) Terminate(s *Session) { f(s) }

// CloseSession closes the session; used when serving many clients.
var CloseSession Terminator = TerminatorFunc(func(s *Session) { s.Close() })

// ExitProcess ends the relay; used in stdio mode where the relay lives for
// exactly one session. flush runs first so buffered logs are not lost.
func ExitProcess(flush func()) Terminator {
	return TerminatorFunc(func(s *Session) {
		s.Close()
		if flush != nil {
			flush()
		}
		os.Exit(0)
	})
}
