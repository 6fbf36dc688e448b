package risk

import (
	"fmt"
	"strings"
)

// ClassPrivileged is the user classification that receives the override
// policy (the "senior" population).
const ClassPrivileged = "senior"

// ClassStandard is the classification used for everyone else.
const ClassStandard = "standard"

// Policy holds every tunable that shapes local scoring, blending and
// alerting.
type Policy struct {
	AmountStdCap          float64 `json:"ampStdCap"`
	UnseenChannelPenalty  float64 `json:"unseenChannelPenalty"`
	UnseenLocationPenalty float64 `json:"unseenLocationPenalty"`
	OffHoursPenalty       float64 `json:"offHoursPenalty"`
	NewRecipientPenalty   float64 `json:"newRecipientPenalty"`
	BalanceDropPenalty    float64 `json:"balanceDropPenalty"`
	WeightLocal           float64 `json:"weightLocal"`
	WeightGlobal          float64 `json:"weightGlobal"`
	AlertThreshold        float64 `json:"alertThreshold"`
}

// DefaultPolicy returns the base configuration.
func DefaultPolicy() Policy {
	return Policy{
		AmountStdCap:          5.0,
		UnseenChannelPenalty:  0.3,
		UnseenLocationPenalty: 0.3,
		OffHoursPenalty:       0.2,
		NewRecipientPenalty:   0.1,
		BalanceDropPenalty:    0.2,
		WeightLocal:           0.6,
		WeightGlobal:          0.4,
		AlertThreshold:        0.7,
	}
}

// Validate rejects policies that would break the scoring invariants.
func (p Policy) Validate() error {
	if p.AmountStdCap <= 0 {
		return fmt.Errorf("amount std cap must be positive, got %v", p.AmountStdCap)
	}
	penalties := map[string]float64{
		"unseen channel penalty":  p.UnseenChannelPenalty,
		"unseen location penalty": p.UnseenLocationPenalty,
		"off hours penalty":       p.OffHoursPenalty,
		"new recipient penalty":   p.NewRecipientPenalty,
		"balance drop penalty":    p.BalanceDropPenalty,
		"local weight":            p.WeightLocal,
		"global weight":           p.WeightGlobal,
	}
	for name, v := range penalties {
		if v < 0 {
			return fmt.Errorf("%s must not be negative, got %v", name, v)
		}
	}
	if p.AlertThreshold < 0 || p.AlertThreshold > 1 {
		return fmt.Errorf("alert threshold must be within [0,1], got %v", p.AlertThreshold)
	}
	return nil
}

// Overrides replaces individual Policy fields. Nil fields inherit.
type Overrides struct {
	AmountStdCap          *float64 `json:"ampStdCap,omitempty"`
	UnseenChannelPenalty  *float64 `json:"unseenChannelPenalty,omitempty"`
	UnseenLocationPenalty *float64 `json:"unseenLocationPenalty,omitempty"`
	OffHoursPenalty       *float64 `json:"offHoursPenalty,omitempty"`
	NewRecipientPenalty   *float64 `json:"newRecipientPenalty,omitempty"`
	BalanceDropPenalty    *float64 `json:"balanceDropPenalty,omitempty"`
	WeightLocal           *float64 `json:"weightLocal,omitempty"`
	WeightGlobal          *float64 `json:"weightGlobal,omitempty"`
	AlertThreshold        *float64 `json:"alertThreshold,omitempty"`
}

// IsZero reports whether no field is overridden.
func (o Overrides) IsZero() bool {
	return o == Overrides{}
}

// Apply merges o onto p field by field.
func (p Policy) Apply(o Overrides) Policy {
	set := func(dst *float64, v *float64) {
		if v != nil {
			*dst = *v
		}
	}
	set(&p.AmountStdCap, o.AmountStdCap)
	set(&p.UnseenChannelPenalty, o.UnseenChannelPenalty)
	set(&p.UnseenLocationPenalty, o.UnseenLocationPenalty)
	set(&p.OffHoursPenalty, o.OffHoursPenalty)
	set(&p.NewRecipientPenalty, o.NewRecipientPenalty)
	set(&p.BalanceDropPenalty, o.BalanceDropPenalty)
	set(&p.WeightLocal, o.WeightLocal)
	set(&p.WeightGlobal, o.WeightGlobal)
	set(&p.AlertThreshold, o.AlertThreshold)
	return p
}

// PolicySet is the base policy plus per-classification overrides.
type PolicySet struct {
	Base    Policy
	Classes map[string]Overrides
}

// NewPolicySet creates a set with no class overrides.
func NewPolicySet(base Policy) *PolicySet {
	return &PolicySet{Base: base, Classes: make(map[string]Overrides)}
}

// WithClass registers overrides for a classification.
func (s *PolicySet) WithClass(class string, o Overrides) *PolicySet {
	if s.Classes == nil {
		s.Classes = make(map[string]Overrides)
	}
	s.Classes[strings.ToLower(class)] = o
	return s
}

// Resolve returns the effective policy for a classification. Unknown
// classes get the base policy.
func (s *PolicySet) Resolve(class string) Policy {
	o, ok := s.Classes[strings.ToLower(class)]
	if !ok {
		return s.Base
	}
	return s.Base.Apply(o)
}

// Validate checks the base and every resolved class policy.
func (s *PolicySet) Validate() error {
	if err := s.Base.Validate(); err != nil {
		return fmt.Errorf("base policy: %w", err)
	}
	for class := range s.Classes {
		if err := s.Resolve(class).Validate(); err != nil {
			return fmt.Errorf("%s policy: %w", class, err)
		}
	}
	return nil
}
