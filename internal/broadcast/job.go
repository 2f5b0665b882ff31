package broadcast

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrEmptyBody is returned when a job would be created from a draft without text.
var ErrEmptyBody = errors.New("broadcast body is empty")

// RecipientID identifies a broadcast recipient (a Telegram user/chat id).
type RecipientID int64

// Job is an immutable snapshot of a confirmed draft and its recipients.
type Job struct {
	ID        string
	Operator  int64
	CreatedAt time.Time

	content    Content
	recipients []RecipientID
}

// NewJob snapshots d and recipients. Neither argument is retained.
func NewJob(operator int64, d Draft, recipients []RecipientID, now time.Time) (*Job, error) {
	if strings.TrimSpace(d.Body) == "" && d.Source == nil {
		return nil, ErrEmptyBody
	}
	c := d.Clone()
	return &Job{
		ID:        uuid.NewString(),
		Operator:  operator,
		CreatedAt: now,
		content: Content{
			Body:    c.Body,
			Buttons: c.Buttons,
			Source:  c.Source,
		},
		recipients: append([]RecipientID(nil), recipients...),
	}, nil
}

// Content returns the message every recipient receives.
func (j *Job) Content() Content {
	c := j.content
	if len(c.Buttons) > 0 {
		c.Buttons = append([]ButtonSpec(nil), c.Buttons...)
	}
	if c.Source != nil {
		src := *c.Source
		c.Source = &src
	}
	return c
}

// Recipients returns a copy of the recipient snapshot in delivery order.
func (j *Job) Recipients() []RecipientID {
	return append([]RecipientID(nil), j.recipients...)
}

// Total is the number of recipients in the snapshot.
func (j *Job) Total() int { return len(j.recipients) }

// Counters tracks per-recipient outcomes while a job runs.
//
// Succeeded + PermanentlyFailed == Attempted at every step.
type Counters struct {
	Attempted         int `json:"attempted"`
	Succeeded         int `json:"succeeded"`
	PermanentlyFailed int `json:"permanently_failed"`
}

// Report is the final outcome of a job.
type Report struct {
	JobID     string    `json:"job_id"`
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Cancelled bool      `json:"cancelled"`
	StartedAt time.Time `json:"started_at"`
	DoneAt    time.Time `json:"done_at"`
}

func newReport(j *Job, c Counters, cancelled bool, started, done time.Time) Report {
	return Report{
		JobID:     j.ID,
		Total:     j.Total(),
		Succeeded: c.Succeeded,
		Failed:    c.PermanentlyFailed,
		Skipped:   j.Total() - c.Attempted,
		Cancelled: cancelled,
		StartedAt: started,
		DoneAt:    done,
	}
}
