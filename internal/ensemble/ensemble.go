// Package ensemble fuses the verdicts of the level-based detector and the
// secondary frame classifier into a single speech decision.
package ensemble

import (
	"fmt"
	"sort"
)

// Policy names accepted by [New].
const (
	PolicyWeighted = "weighted"
	PolicyAny      = "any"
	PolicyAll      = "all"
)

// Default weights for the weighted policy.
const (
	DefaultPrimaryWeight   = 0.3
	DefaultSecondaryWeight = 0.7
)

// Verdicts holds the per-frame outputs of both detectors and whether each one
// took part in the decision.
type Verdicts struct {
	Primary          bool
	Secondary        bool
	PrimaryEnabled   bool
	SecondaryEnabled bool
}

// Combiner turns a pair of detector verdicts into one decision.
type Combiner interface {
	Combine(v Verdicts) bool
	Name() string
}

// Weighted scores each enabled detector by its weight and reports speech when
// the score exceeds 0.5. With a single enabled detector its verdict is used
// unchanged.
type Weighted struct {
	PrimaryWeight   float64
	SecondaryWeight float64
}

// Combine implements [Combiner].
func (w Weighted) Combine(v Verdicts) bool {
	switch {
	case v.PrimaryEnabled && v.SecondaryEnabled:
		return w.Score(v) > 0.5
	case v.PrimaryEnabled:
		return v.Primary
	case v.SecondaryEnabled:
		return v.Secondary
	}
	return false
}

// Score returns the weighted sum of the verdicts of the enabled detectors.
func (w Weighted) Score(v Verdicts) float64 {
	var s float64
	if v.PrimaryEnabled && v.Primary {
		s += w.PrimaryWeight
	}
	if v.SecondaryEnabled && v.Secondary {
		s += w.SecondaryWeight
	}
	return s
}

// Name implements [Combiner].
func (Weighted) Name() string { return PolicyWeighted }

// AnyOf reports speech when any enabled detector does.
type AnyOf struct{}

// Combine implements [Combiner].
func (AnyOf) Combine(v Verdicts) bool {
	return (v.PrimaryEnabled && v.Primary) || (v.SecondaryEnabled && v.Secondary)
}

// Name implements [Combiner].
func (AnyOf) Name() string { return PolicyAny }

// AllOf reports speech only when every enabled detector does. It never reports
// speech when no detector is enabled.
type AllOf struct{}

// Combine implements [Combiner].
func (AllOf) Combine(v Verdicts) bool {
	if !v.PrimaryEnabled && !v.SecondaryEnabled {
		return false
	}
	if v.PrimaryEnabled && !v.Primary {
		return false
	}
	if v.SecondaryEnabled && !v.Secondary {
		return false
	}
	return true
}

// Name implements [Combiner].
func (AllOf) Name() string { return PolicyAll }

// New returns the combiner registered under policy. An empty policy selects
// the weighted combiner. Weights are only used by the weighted policy.
func New(policy string, primaryWeight, secondaryWeight float64) (Combiner, error) {
	switch policy {
	case "", PolicyWeighted:
		if primaryWeight < 0 || secondaryWeight < 0 {
			return nil, fmt.Errorf("ensemble: weights must be >= 0, got %.2f/%.2f", primaryWeight, secondaryWeight)
		}
		return Weighted{PrimaryWeight: primaryWeight, SecondaryWeight: secondaryWeight}, nil
	case PolicyAny:
		return AnyOf{}, nil
	case PolicyAll:
		return AllOf{}, nil
	}
	return nil, fmt.Errorf("ensemble: unknown policy %q (known: %v)", policy, Policies())
}

// Policies returns the accepted policy names in sorted order.
func Policies() []string {
	p := []string{PolicyWeighted, PolicyAny, PolicyAll}
	sort.Strings(p)
	return p
}

// IsValidPolicy reports whether name is accepted by [New].
func IsValidPolicy(name string) bool {
	switch name {
	case "", PolicyWeighted, PolicyAny, PolicyAll:
		return true
	}
	return false
}
