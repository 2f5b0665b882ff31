// Package session keeps one composer state machine per operator.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"castbot/internal/broadcast"
)

// Phase is the composer state of one operator.
type Phase int

const (
	Idle Phase = iota
	AwaitingBody
	ReadyToConfirm
	AwaitingButtonText
	Sending
)

var phaseNames = [...]string{"idle", "awaiting_body", "ready_to_confirm", "awaiting_button_text", "sending"}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	for i, name := range phaseNames {
		if name == s {
			*p = Phase(i)
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", s)
}

var (
	// ErrInvalidPhase is returned when an event does not apply to the current phase.
	ErrInvalidPhase = errors.New("invalid phase for this action")
	// ErrBusy is returned while a broadcast is being delivered.
	ErrBusy = errors.New("a broadcast is in progress")
)

// Session is the persisted state of one operator.
type Session struct {
	Operator  int64            `json:"operator"`
	Phase     Phase            `json:"phase"`
	Draft     *broadcast.Draft `json:"draft,omitempty"`
	JobID     string           `json:"job_id,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

func (s Session) clone() Session {
	if s.Draft != nil {
		d := s.Draft.Clone()
		s.Draft = &d
	}
	return s
}

// Store persists sessions. Load reports ok=false for unknown operators.
type Store interface {
	Load(ctx context.Context, operator int64) (s Session, ok bool, err error)
	Save(ctx context.Context, s Session) error
	Delete(ctx context.Context, operator int64) error
	List(ctx context.Context) ([]Session, error)
}

func phaseError(action string, p Phase) error {
	if p == Sending {
		return fmt.Errorf("%s: %w", action, ErrBusy)
	}
	return fmt.Errorf("%s in %s: %w", action, p, ErrInvalidPhase)
}
