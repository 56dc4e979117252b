package models

import (
	"fmt"
	"strings"
	"time"
)

// RiskTolerance groups users into recommendation cohorts.
type RiskTolerance string

const (
	RiskConservative RiskTolerance = "conservative"
	RiskModerate     RiskTolerance = "moderate"
	RiskAggressive   RiskTolerance = "aggressive"
)

// ExperienceLevel is carried on the user node and fed into prompts.
type ExperienceLevel string

const (
	ExperienceBeginner     ExperienceLevel = "beginner"
	ExperienceIntermediate ExperienceLevel = "intermediate"
	ExperienceAdvanced     ExperienceLevel = "advanced"
)

// InteractionKind is the edge type between a user and an instrument.
type InteractionKind string

const (
	InvestedIn   InteractionKind = "INVESTED_IN"
	InterestedIn InteractionKind = "INTERESTED_IN"
	Researched   InteractionKind = "RESEARCHED"
)

// InteractionKinds lists every kind in a stable order.
var InteractionKinds = []InteractionKind{InvestedIn, Researched, InterestedIn}

// ParseInteractionKind accepts the edge label in any case.
func ParseInteractionKind(s string) (InteractionKind, error) {
	k := InteractionKind(strings.ToUpper(strings.TrimSpace(s)))
	switch k {
	case InvestedIn, InterestedIn, Researched:
		return k, nil
	}
	return "", fmt.Errorf("unknown interaction kind %q", s)
}

// ParseRiskTolerance falls back to moderate for unknown values.
func ParseRiskTolerance(s string) RiskTolerance {
	switch r := RiskTolerance(strings.ToLower(strings.TrimSpace(s))); r {
	case RiskConservative, RiskModerate, RiskAggressive:
		return r
	}
	return RiskModerate
}

// ParseExperienceLevel falls back to beginner for unknown values.
func ParseExperienceLevel(s string) ExperienceLevel {
	switch e := ExperienceLevel(strings.ToLower(strings.TrimSpace(s))); e {
	case ExperienceBeginner, ExperienceIntermediate, ExperienceAdvanced:
		return e
	}
	return ExperienceBeginner
}

// UserProfile is the user node's attribute set.
type UserProfile struct {
	UserID          string          `json:"userId" validate:"required"`
	RiskTolerance   RiskTolerance   `json:"riskTolerance" validate:"required,risk"`
	ExperienceLevel ExperienceLevel `json:"experienceLevel" validate:"required,experience"`
}

// DefaultProfile is assigned to users created lazily by an interaction.
func DefaultProfile(userID string) UserProfile {
	return UserProfile{UserID: userID, RiskTolerance: RiskModerate, ExperienceLevel: ExperienceBeginner}
}

// Instrument is a tradable symbol node.
type Instrument struct {
	Symbol string `json:"symbol" validate:"required,ticker"`
	Sector string `json:"sector,omitempty"`
	Type   string `json:"type,omitempty"`
}

// Interaction is one weighted user→instrument edge.
type Interaction struct {
	UserID    string          `json:"userId" validate:"required"`
	Symbol    string          `json:"symbol" validate:"required,ticker"`
	Kind      InteractionKind `json:"kind" validate:"required,kind"`
	Weight    float64         `json:"weight"`
	Timestamp time.Time       `json:"timestamp"`
}

// Recommendation is a scored instrument for one user.
type Recommendation struct {
	Symbol string  `json:"symbol"`
	Score  float64 `json:"score"`
}

// PopularInstrument aggregates interaction weight across all users.
type PopularInstrument struct {
	Symbol      string  `json:"symbol"`
	TotalWeight float64 `json:"totalWeight"`
	Users       int     `json:"users"`
}
