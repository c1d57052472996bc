package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSweepInterval is how often expired sessions are looked for when no
// interval is configured.
const DefaultSweepInterval = 10 * time.Second

// Sweeper periodically evicts expired sessions from a Registry. Expiry is
// enforced at the sweep interval's granularity: a session is never evicted
// before its deadline, and at most one interval after it.
type Sweeper struct {
	reg      *Registry
	interval time.Duration
	evict    func(id string) bool
	log      zerolog.Logger
}

// NewSweeper returns a sweeper that calls evict for every expired session.
// evict must tolerate sessions that were already removed.
func NewSweeper(reg *Registry, interval time.Duration, evict func(id string) bool, l zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		reg:      reg,
		interval: interval,
		evict:    evict,
		log:      l.With().Str("component", "sweeper").Logger(),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Sweep()
		}
	}
}

// Sweep runs a single pass and returns the number of sessions it evicted.
func (s *Sweeper) Sweep() int {
	n := 0
	for _, id := range s.reg.Expired(s.reg.Now()) {
		// A concurrent delete may have won the race; that's fine.
		if s.evict(id) {
			n++
			s.log.Info().Str("session", id).Msg("session expired")
		}
	}
	return n
}
