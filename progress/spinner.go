package progress

import (
	"strings"
	"time"

	"github.com/tessera-ml/tessera/format"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Spinner is an indeterminate progress line with an elapsed-time readout,
// for work whose extent is unknown up front: pipeline assembly, embedding
// cache warmup, image decoding.
type Spinner struct {
	message string
	frame   int

	ticker  *time.Ticker
	started time.Time
	stopped time.Time
}

func NewSpinner(message string) *Spinner {
	s := &Spinner{
		message: message,
		started: time.Now(),
	}
	go s.run()
	return s
}

func (s *Spinner) String() string {
	var sb strings.Builder
	if message := strings.TrimSpace(s.message); message != "" {
		sb.WriteString(message)
		sb.WriteString(" ")
	}

	if s.stopped.IsZero() {
		sb.WriteString(spinnerFrames[s.frame])
		sb.WriteString(" ")
		sb.WriteString(format.Duration(time.Since(s.started)))
	} else {
		sb.WriteString(format.Duration(s.stopped.Sub(s.started)))
	}
	return sb.String()
}

func (s *Spinner) run() {
	s.ticker = time.NewTicker(100 * time.Millisecond)
	for range s.ticker.C {
		if !s.stopped.IsZero() {
			return
		}
		s.frame = (s.frame + 1) % len(spinnerFrames)
	}
}

func (s *Spinner) Stop() {
	if s.stopped.IsZero() {
		s.stopped = time.Now()
	}
}
