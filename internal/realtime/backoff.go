package realtime

import "time"

// Stage applies Delay to every attempt up to and including UntilAttempt.
// The last stage also covers all later attempts.
type Stage struct {
	UntilAttempt int
	Delay        time.Duration
}

// Policy is a coarse, staged reconnect back-off with an attempt ceiling.
type Policy struct {
	MaxAttempts int
	Stages      []Stage
}

// DefaultPolicy returns the reconnect policy used when none is configured:
// three quick retries, three medium ones, then slow retries up to ten.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 10,
		Stages: []Stage{
			{UntilAttempt: 3, Delay: 1 * time.Second},
			{UntilAttempt: 6, Delay: 5 * time.Second},
			{UntilAttempt: 10, Delay: 15 * time.Second},
		},
	}
}

// Delay returns how long to wait before the given 1-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if len(p.Stages) == 0 {
		return 0
	}
	for _, st := range p.Stages {
		if attempt <= st.UntilAttempt {
			return st.Delay
		}
	}
	return p.Stages[len(p.Stages)-1].Delay
}

// Exhausted reports whether attempts has reached the ceiling.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
