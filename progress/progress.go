// Package progress drives the "waiting" glyph shown next to pending
// requests. One Indicator serves the whole process; it ticks while any
// request is pending and parks on a condition variable otherwise.
package progress

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultInterval is the delay between two glyphs.
const DefaultInterval = 100 * time.Millisecond

// DefaultPhases is the glyph cycle.
var DefaultPhases = []string{"🌑", "🌒", "🌓", "🌔", "🌕", "🌖", "🌗", "🌘"}

// Source is where pending requests live. Advance sets glyph on the pending
// requests of context (all contexts when empty) and returns how many it touched.
type Source interface {
	Advance(glyph, context string) int
}

// Indicator is the process-wide ticker.
type Indicator struct {
	source Source
	log    zerolog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	phases   []string
	idx      int
	interval time.Duration
	context  string
	wakes    uint64
	stop     chan struct{}
}

// New creates a stopped indicator with the default phases and interval.
func New(source Source, log zerolog.Logger) *Indicator {
	p := &Indicator{
		source:   source,
		log:      log.With().Str("component", "progress").Logger(),
		phases:   DefaultPhases,
		interval: DefaultInterval,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Update replaces the glyph cycle and interval. More than one phase starts
// the ticker, or wakes a parked one; a single phase stops it.
func (p *Indicator) Update(phases []string, interval time.Duration) {
	p.mu.Lock()
	if len(phases) > 0 {
		p.phases = append([]string(nil), phases...)
	}
	if interval > 0 {
		p.interval = interval
	}
	p.idx = 0
	animated := len(p.phases) > 1
	p.mu.Unlock()

	if animated {
		p.Start()
		p.Wake()
	} else {
		p.Stop()
	}
}

// Phase returns the current glyph.
func (p *Indicator) Phase() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.phases) == 0 {
		return ""
	}
	return p.phases[p.idx]
}

// SetActive restricts ticking to one context, typically the focused
// workspace, and wakes the ticker. An empty context ticks everything.
func (p *Indicator) SetActive(context string) {
	p.mu.Lock()
	p.context = context
	p.mu.Unlock()
	p.Wake()
}

// Wake resumes a parked ticker. Call it after submitting a request.
func (p *Indicator) Wake() {
	p.mu.Lock()
	p.wakes++
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Running reports whether the ticker goroutine is active.
func (p *Indicator) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stop != nil
}

// Start launches the ticker goroutine if it is not running.
func (p *Indicator) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		return
	}
	stop := make(chan struct{})
	p.stop = stop
	go p.run(stop)
	p.log.Debug().Dur("interval", p.interval).Msg("Progress ticker started")
}

// Stop terminates the ticker goroutine.
func (p *Indicator) Stop() {
	p.mu.Lock()
	if p.stop == nil {
		p.mu.Unlock()
		return
	}
	close(p.stop)
	p.stop = nil
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *Indicator) run(stop chan struct{}) {
	for {
		p.mu.Lock()
		interval := p.interval
		p.mu.Unlock()

		timer := time.NewTimer(interval)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		p.mu.Lock()
		glyph := ""
		if len(p.phases) > 0 {
			glyph = p.phases[p.idx]
		}
		context := p.context
		seen := p.wakes
		p.mu.Unlock()

		if p.source.Advance(glyph, context) > 0 {
			p.mu.Lock()
			if len(p.phases) > 0 {
				p.idx = (p.idx + 1) % len(p.phases)
			}
			p.mu.Unlock()
			continue
		}

		p.mu.Lock()
		for p.wakes == seen && p.stop == stop {
			p.cond.Wait()
		}
		stopped := p.stop != stop
		p.mu.Unlock()
		if stopped {
			return
		}
	}
}
