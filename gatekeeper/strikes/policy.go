package strikes

import (
	"fmt"
	"time"
)

// Policy is the escalation table. Strikes below ProbationThreshold only warn; reaching the threshold applies ShortProbation; every strike beyond it applies LongProbation, doubled per additional strike, up to MaxProbation.
//
// At BanThreshold the outcome escalates to a ban. The tracker only records it; removing the member is up to the caller. Zero disables bans.
type Policy struct {
	ProbationThreshold int
	BanThreshold       int
	ShortProbation     time.Duration
	LongProbation      time.Duration
	MaxProbation       time.Duration
	// A new infraction more than this long after the previous one starts counting from zero again.
	DecayHorizon time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		ProbationThreshold: 3,
		BanThreshold:       5,
		ShortProbation:     5 * time.Minute,
		LongProbation:      10 * time.Minute,
		MaxProbation:       24 * time.Hour,
		DecayHorizon:       6 * time.Hour,
	}
}

func (p Policy) Validate() error {
	if p.ProbationThreshold < 1 {
		return fmt.Errorf("probation threshold must be at least 1, got %d", p.ProbationThreshold)
	}
	if p.BanThreshold != 0 && p.BanThreshold < p.ProbationThreshold {
		return fmt.Errorf("ban threshold (%d) is below probation threshold (%d)", p.BanThreshold, p.ProbationThreshold)
	}
	if p.ShortProbation <= 0 || p.LongProbation <= 0 {
		return fmt.Errorf("probation durations must be positive")
	}
	if p.MaxProbation < p.ShortProbation || p.MaxProbation < p.LongProbation {
		return fmt.Errorf("max probation (%s) is shorter than a base duration", p.MaxProbation)
	}
	if p.DecayHorizon <= 0 {
		return fmt.Errorf("decay horizon must be positive")
	}
	return nil
}

// Bans reports whether a strike count has reached the ban threshold.
func (p Policy) Bans(strikes int) bool {
	return p.BanThreshold > 0 && strikes >= p.BanThreshold
}

// ProbationFor returns the probation length applied at the given strike count, or zero for a warning.
func (p Policy) ProbationFor(strikes int) time.Duration {
	switch {
	case strikes < p.ProbationThreshold:
		return 0
	case strikes == p.ProbationThreshold:
		return p.ShortProbation
	}
	d := p.LongProbation
	for i := p.ProbationThreshold + 1; i < strikes; i++ {
		d *= 2
		if d >= p.MaxProbation {
			return p.MaxProbation
		}
	}
	return min(d, p.MaxProbation)
}
