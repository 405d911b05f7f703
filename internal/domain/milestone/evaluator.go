package milestone

import (
	"sort"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/progress"
)

// Policy configures threshold evaluation.
type Policy struct {
	// Grace is added to every pace deadline before an enrollment counts as behind.
	Grace time.Duration
}

// DefaultPolicy returns the default evaluation policy.
func DefaultPolicy() Policy {
	return Policy{Grace: 48 * time.Hour}
}

// Existing summarizes the milestones already stored for one enrollment.
type Existing struct {
	PathCompleted       bool
	CertificateEligible bool
	// Behind holds every behind_schedule milestone, ordered by crossing.
	Behind []*Milestone
}

// Summarize builds Existing from stored milestones.
func Summarize(ms []*Milestone) Existing {
	var ex Existing
	for _, m := range ms {
		switch m.Kind {
		case PathCompleted:
			ex.PathCompleted = true
		case CertificateEligible:
			ex.CertificateEligible = true
		case BehindSchedule:
			ex.Behind = append(ex.Behind, m)
		}
	}
	sort.Slice(ex.Behind, func(i, j int) bool { return ex.Behind[i].Crossing < ex.Behind[j].Crossing })
	return ex
}

// OpenBehindBefore returns the first open behind_schedule milestone with a
// crossing lower than crossing, if any.
func (ex Existing) OpenBehindBefore(crossing int) *Milestone {
	for _, m := range ex.Behind {
		if m.Crossing < crossing && m.IsOpen() {
			return m
		}
	}
	return nil
}

func (ex Existing) hasBehind(crossing int) bool {
	for _, m := range ex.Behind {
		if m.Crossing == crossing {
			return true
		}
	}
	return false
}

// Trigger is a milestone the evaluator wants created.
type Trigger struct {
	Kind     Kind
	Crossing int
}

// Decision is the outcome of one evaluation. The caller persists Triggers,
// resolves ResolveBehind if set, and stores the enrollment flags that Evaluate
// updated in place.
type Decision struct {
	Triggers      []Trigger
	ResolveBehind []*Milestone
}

// Empty reports whether the decision has no effect besides flag updates.
func (d Decision) Empty() bool {
	return len(d.Triggers) == 0 && len(d.ResolveBehind) == 0
}

// Evaluator applies the policy. It is pure: all inputs are passed in and the
// only mutation is to the enrollment's crossing flags.
type Evaluator struct {
	policy Policy
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(policy Policy) *Evaluator {
	return &Evaluator{policy: policy}
}

// Policy returns the evaluator's policy.
func (ev *Evaluator) Policy() Policy {
	return ev.policy
}

// Evaluate checks e against path at asOf.
//
// behind_schedule fires on a not-behind to behind crossing when no earlier
// behind_schedule milestone is still open. Catching up ends the crossing and
// resolves the milestones up to the current crossing, so falling behind again
// produces a new one. Milestones of later crossings are left alone, which keeps
// a replay from resolving a milestone it has not reached yet.
// path_completed and certificate_eligible fire once per enrollment.
func (ev *Evaluator) Evaluate(e *progress.Enrollment, path progress.Path, existing Existing, asOf time.Time) Decision {
	var d Decision

	behind := e.IsBehind(path, asOf, ev.policy.Grace)
	switch {
	case behind && !e.BehindSchedule:
		e.BehindSchedule = true
		e.BehindCrossings++
		c := e.BehindCrossings
		if existing.OpenBehindBefore(c) == nil && !existing.hasBehind(c) {
			d.Triggers = append(d.Triggers, Trigger{Kind: BehindSchedule, Crossing: c})
		}
	case !behind && e.BehindSchedule:
		e.BehindSchedule = false
		for _, m := range existing.Behind {
			if m.Crossing <= e.BehindCrossings && m.ResolvedAt == nil {
				d.ResolveBehind = append(d.ResolveBehind, m)
			}
		}
	}

	if e.IsComplete() {
		if e.CompletedAt == nil {
			at := e.LastAccessedAt
			if at.IsZero() {
				at = asOf
			}
			e.CompletedAt = &at
		}
		if !existing.PathCompleted {
			d.Triggers = append(d.Triggers, Trigger{Kind: PathCompleted, Crossing: 1})
		}
		if !existing.CertificateEligible && e.MeetsPassingScores(path.PassingScore) {
			d.Triggers = append(d.Triggers, Trigger{Kind: CertificateEligible, Crossing: 1})
		}
	}

	return d
}
