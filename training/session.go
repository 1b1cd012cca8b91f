// Package training carries the run-wide state and configuration that every
// component receives explicitly instead of reading from process globals.
package training

import (
	"sync"

	"github.com/google/uuid"
)

// Session is the shared, read-mostly run context: step counters and the run
// identity. It is handed to component constructors; nothing looks it up
// globally, which keeps components testable with a fake session.
type Session struct {
	// RunID names this training run in artifacts and trackers.
	RunID string

	mu         sync.Mutex
	globalStep int
	resumeStep int
	mainProc   bool
}

func NewSession(resumeStep int) *Session {
	return &Session{
		RunID:      uuid.NewString(),
		resumeStep: resumeStep,
		mainProc:   true,
	}
}

func (s *Session) GlobalStep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.globalStep
}

func (s *Session) SetGlobalStep(step int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalStep = step
}

// ResumeStep is the step the run resumed from; validation never fires at or
// before it.
func (s *Session) ResumeStep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeStep
}

// MainProcess reports whether this process owns validation and artifact
// writes in a data-parallel group.
func (s *Session) MainProcess() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mainProc
}

func (s *Session) SetMainProcess(main bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mainProc = main
}
