package watch

import (
	"strings"
	"time"
)

// Ticker rotates through frames to show the UI loop is alive.
type Ticker struct {
	frames []string
	index  int
}

func NewTicker() Ticker {
	return Ticker{frames: []string{"⟲", "⟳"}}
}

func (t *Ticker) Tick() {
	t.index = (t.index + 1) % len(t.frames)
}

func (t Ticker) Current() string {
	return t.frames[t.index]
}

// Pulse lights up on incoming notifications and fades over time.
type Pulse struct {
	dots     int
	lastSeen time.Time
}

func (p *Pulse) OnEvent() {
	p.dots = 5
	p.lastSeen = time.Now()
}

func (p *Pulse) Decay() {
	if p.dots == 0 {
		return
	}
	elapsed := time.Since(p.lastSeen)
	switch {
	case elapsed > 10*time.Second:
		p.dots = 0
	case elapsed > 8*time.Second:
		p.dots = 1
	case elapsed > 6*time.Second:
		p.dots = 2
	case elapsed > 4*time.Second:
		p.dots = 3
	case elapsed > 2*time.Second:
		p.dots = 4
	}
}

func (p Pulse) Render(theme Theme) string {
	var out strings.Builder
	for i := 0; i < 5; i++ {
		if i < p.dots {
			out.WriteString(theme.TickerActive.Render("●"))
		} else {
			out.WriteString(theme.TickerInactive.Render("○"))
		}
	}
	return out.String()
}

func (p Pulse) LastEvent() time.Time {
	return p.lastSeen
}
