package model

import (
	"time"

	"telegram-session-bot/internal/domain"

	"github.com/oklog/ulid/v2"
)

// Step is one stage of the session generation dialogue.
type Step string

const (
	StepNone      Step = ""
	StepAPIID     Step = "api_id"
	StepAPIHash   Step = "api_hash"
	StepPhone     Step = "phone"
	StepCode      Step = "code"
	StepTwoFactor Step = "twofactor"
)

// Steps lists every dialogue step in flow order.
var Steps = []Step{StepAPIID, StepAPIHash, StepPhone, StepCode, StepTwoFactor}

// Valid reports whether s is one of the known dialogue steps.
func (s Step) Valid() bool {
	switch s {
	case StepAPIID, StepAPIHash, StepPhone, StepCode, StepTwoFactor:
		return true
	}
	return false
}

// HoldsSession reports whether a live auth session may exist at this step.
func (s Step) HoldsSession() bool {
	return s == StepCode || s == StepTwoFactor
}

// DialogueRecord is the per-user state of an in-progress generation flow.
type DialogueRecord struct {
	FlowID    string
	Step      Step
	APIID     *int
	APIHash   string
	Phone     string
	StartedAt time.Time
	UpdatedAt time.Time
}

func NewDialogueRecord() *DialogueRecord {
	now := time.Now()
	return &DialogueRecord{
		FlowID:    ulid.Make().String(),
		Step:      StepAPIID,
		StartedAt: now,
		UpdatedAt: now,
	}
}

// Advance moves the record forward to next. Backward moves are rejected.
func (d *DialogueRecord) Advance(next Step) error {
	if !next.Valid() {
		return domain.ErrUnknownStep
	}
	if stepIndex(next) <= stepIndex(d.Step) {
		return domain.ErrInvalidArgument
	}
	if next == StepTwoFactor && d.Step != StepCode {
		return domain.ErrInvalidArgument
	}
	d.Step = next
	d.Touch()
	return nil
}

func (d *DialogueRecord) Touch() {
	d.UpdatedAt = time.Now()
}

// Clone returns a deep copy of the record.
func (d *DialogueRecord) Clone() *DialogueRecord {
	if d == nil {
		return nil
	}
	cp := *d
	if d.APIID != nil {
		v := *d.APIID
		cp.APIID = &v
	}
	return &cp
}

func stepIndex(s Step) int {
	for i, st := range Steps {
		if st == s {
			return i
		}
	}
	return -1
}
