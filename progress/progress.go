// Package progress renders a one line meter for streaming
// calls: how many progress messages have arrived, and how
// fast they are coming.
package progress

import (
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/term"
)

/*
The line is redrawn in place: \r returns the cursor to
the start of the line and \033[K clears to its end. Print a
newline when the call finishes.
*/

// IsTerminal is true when stdout is a terminal; the meter
// stays silent otherwise.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// Meter tracks one streaming call.
type Meter struct {
	IsTerm bool
	Label  string

	// Total is the expected number of messages; 0 when
	// unknown, in which case no bar is drawn.
	Total       int64
	totalString string

	started    time.Time
	lastUpdate time.Time
	lastCount  int64
	emaRate    float64 // messages per second
	alpha      float64 // EMA smoothing factor (between 0 and 1)
}

func NewMeter(total int64, label string) *Meter {
	now := time.Now()
	m := &Meter{
		IsTerm:     IsTerminal(),
		Label:      label,
		Total:      total,
		started:    now,
		lastUpdate: now,
		alpha:      0.1, // higher = more reactive
	}
	if total > 0 {
		m.totalString = fmt.Sprintf("%v", total)
	} else {
		m.totalString = "?"
	}
	return m
}

func (m *Meter) updateRate(count int64) (change int64) {
	now := time.Now()
	duration := now.Sub(m.lastUpdate).Seconds()
	change = count - m.lastCount
	if duration > 0 {
		cur := float64(change) / duration
		if m.emaRate == 0 {
			m.emaRate = cur
		} else {
			m.emaRate = m.alpha*cur + (1-m.alpha)*m.emaRate
		}
	}
	m.lastUpdate = now
	m.lastCount = count
	return
}

// ProgressString updates the rate and renders the line for
// count messages so far.
func (m *Meter) ProgressString(count int64) string {
	changed := m.updateRate(count)

	rate := formatRate(m.emaRate)
	if changed == 0 {
		rate = "-stalled-"
	}
	elap := time.Since(m.started).Round(time.Millisecond)

	if m.Total <= 0 {
		return fmt.Sprintf("%-20s %8v msgs %12s elapsed: %v",
			truncateString(m.Label, 20), count, rate, elap)
	}

	width := 40
	frac := float64(count) / float64(m.Total)
	if frac > 1 {
		frac = 1
	}
	completed := int(frac * float64(width))

	var bar strings.Builder
	bar.WriteString("[")
	for i := 0; i < width; i++ {
		switch {
		case i < completed:
			bar.WriteRune('=')
		case i == completed:
			bar.WriteRune('>')
		default:
			bar.WriteRune(' ')
		}
	}
	bar.WriteString("]")

	return fmt.Sprintf("%-20s %s %6.2f%% %12s total: %s",
		truncateString(m.Label, 20),
		bar.String(),
		frac*100,
		rate,
		m.totalString,
	)
}

// Print draws the line for count, when stdout is a terminal.
func (m *Meter) Print(count int64) {
	str := m.ProgressString(count)
	if !m.IsTerm {
		return
	}
	fmt.Print("\r" + str + "\033[K")
}

// truncateString truncates or pads s to exactly width.
func truncateString(s string, width int) string {
	if len(s) > width {
		return s[:width]
	}
	return fmt.Sprintf("%-*s", width, s)
}

func formatRate(perSec float64) string {
	units := []string{"msg/s", "Kmsg/s", "Mmsg/s"}
	i := 0
	for perSec >= 1000 && i < len(units)-1 {
		perSec /= 1000
		i++
	}
	return fmt.Sprintf("%7.2f %s", perSec, units[i])
}
