package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

const spinnerInterval = 80 * time.Millisecond

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// spinner redraws one status line on a terminal until stopped. Off a
// terminal it writes nothing, so piped output stays clean.
type spinner struct {
	w       io.Writer
	message string

	once sync.Once
	stop chan struct{}
	done chan struct{}
}

func startSpinner(w io.Writer, message string) *spinner {
	s := &spinner{w: w, message: message, stop: make(chan struct{}), done: make(chan struct{})}
	if !isTTY() {
		close(s.done)
		return s
	}
	go s.run()
	return s
}

func (s *spinner) run() {
	defer close(s.done)
	style := lipgloss.NewStyle().Foreground(colorPrimary)
	tick := time.NewTicker(spinnerInterval)
	defer tick.Stop()

	for i := 0; ; i++ {
		fmt.Fprintf(s.w, "\r%s %s", style.Render(spinnerFrames[i%len(spinnerFrames)]), s.message)
		select {
		case <-s.stop:
			// Frames are up to two cells wide.
			fmt.Fprint(s.w, "\r"+strings.Repeat(" ", lipgloss.Width(s.message)+3)+"\r")
			return
		case <-tick.C:
		}
	}
}

// Stop clears the line and returns once the spinner has stopped drawing.
func (s *spinner) Stop() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

// runWithSpinner shows message while operation runs.
func runWithSpinner(w io.Writer, message string, operation func() error) error {
	s := startSpinner(w, message)
	defer s.Stop()
	return operation()
}
