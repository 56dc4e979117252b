package models

import (
	"time"

	"github.com/alim08/fin_advisor/pkg/validation"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one persisted chat entry. Seq is the 1-based position in the
// session and is assigned by the history store on read.
type Message struct {
	ID              string    `json:"id" bson:"id" validate:"required"`
	SessionID       string    `json:"sessionId" bson:"-"`
	Seq             int64     `json:"seq" bson:"-"`
	Role            Role      `json:"role" bson:"role" validate:"required,role"`
	Text            string    `json:"text" bson:"content" validate:"required"`
	Timestamp       time.Time `json:"timestamp" bson:"timestamp"`
	Recommendations []string  `json:"recommendations,omitempty" bson:"recommendations,omitempty"`
	Fallback        bool      `json:"fallback,omitempty" bson:"fallback,omitempty"`
}

// Validate validates the Message struct
func (m Message) Validate() error {
	if errs := validation.ValidateStruct(m); len(errs) > 0 {
		return errs
	}
	return nil
}

// Goal is a user's financial goal as stored in the relational store.
type Goal struct {
	ID            int64     `json:"id"`
	UserID        string    `json:"userId"`
	Title         string    `json:"title"`
	TargetAmount  float64   `json:"targetAmount"`
	CurrentAmount float64   `json:"currentAmount"`
	TimeHorizon   string    `json:"timeHorizon"`
	GoalType      string    `json:"goalType"`
	Priority      int       `json:"priority"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Progress returns CurrentAmount as a fraction of TargetAmount.
func (g Goal) Progress() float64 {
	if g.TargetAmount <= 0 {
		return 0
	}
	return g.CurrentAmount / g.TargetAmount
}
