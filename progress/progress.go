// Package progress renders live terminal progress lines for long-running
// work: training steps, denoising loops, embedding cache warmup.
package progress

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"
)

const defaultTermHeight = 24

// State is one renderable progress line.
type State interface {
	String() string
}

type stopper interface {
	Stop()
}

// Progress multiplexes progress lines onto a terminal, redrawing them in
// place on a fixed cadence.
type Progress struct {
	mu sync.Mutex
	// buffered so each redraw reaches the terminal in one write
	w *bufio.Writer

	rendered int

	ticker *time.Ticker
	states []State
}

func NewProgress(w io.Writer) *Progress {
	p := &Progress{
		w:      bufio.NewWriter(w),
		ticker: time.NewTicker(100 * time.Millisecond),
	}
	go p.run()
	return p
}

func (p *Progress) Add(state State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.states = append(p.states, state)
}

func (p *Progress) run() {
	// hide the cursor while lines redraw in place
	fmt.Fprint(p.w, "\033[?25l")
	for range p.ticker.C {
		p.render()
	}
}

func (p *Progress) halt() bool {
	p.mu.Lock()
	states := append([]State(nil), p.states...)
	p.mu.Unlock()

	for _, state := range states {
		if s, ok := state.(stopper); ok {
			s.Stop()
		}
	}

	if p.ticker == nil {
		return false
	}

	p.ticker.Stop()
	p.ticker = nil
	p.render()
	return true
}

func (p *Progress) Stop() bool {
	stopped := p.halt()
	if stopped {
		fmt.Fprintln(p.w)
	}

	fmt.Fprint(p.w, "\033[?25h")
	p.w.Flush()
	return stopped
}

// StopAndClear stops rendering and erases the progress lines, leaving the
// terminal where it was before rendering started.
func (p *Progress) StopAndClear() bool {
	stopped := p.halt()
	if stopped {
		for i := 0; i < p.rendered-1; i++ {
			fmt.Fprint(p.w, "\033[A")
		}
		fmt.Fprint(p.w, "\033[2K", "\033[1G")
	}

	fmt.Fprint(p.w, "\033[?25h")
	p.w.Flush()
	return stopped
}

func (p *Progress) render() {
	_, termHeight, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil {
		termHeight = defaultTermHeight
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// synchronized update; supporting terminals apply the redraw atomically
	fmt.Fprint(p.w, "\033[?2026h")
	defer fmt.Fprint(p.w, "\033[?2026l")

	for i := 0; i < p.rendered-1; i++ {
		fmt.Fprint(p.w, "\033[A")
	}
	fmt.Fprint(p.w, "\033[1G")

	visible := min(len(p.states), termHeight)
	for i := len(p.states) - visible; i < len(p.states); i++ {
		fmt.Fprint(p.w, p.states[i].String(), "\033[K")
		if i < len(p.states)-1 {
			fmt.Fprintln(p.w)
		}
	}

	p.rendered = len(p.states)
	p.w.Flush()
}
