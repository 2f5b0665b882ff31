package broadcast

import (
	"errors"
	"net/url"
	"strings"
)

// ErrMalformedButton is returned by ParseButton when the operator text is not
// of the form "label - url".
var ErrMalformedButton = errors.New("malformed button: expected \"label - url\"")

// ButtonSpec is a single URL button rendered under a broadcast message.
type ButtonSpec struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// MessageRef points at an operator message that can be copied verbatim.
type MessageRef struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int   `json:"message_id"`
}

// Draft is the in-progress composition owned by one operator session.
type Draft struct {
	Body    string       `json:"body"`
	Buttons []ButtonSpec `json:"buttons,omitempty"`
	// Source is set when the body should be delivered as a copy of the
	// operator's original message (keeps formatting and media).
	Source *MessageRef `json:"source,omitempty"`
}

// ParseButton splits raw on the first "-" into label and URL.
//
// Both sides are trimmed. Extra hyphens stay in the URL, so
// "Docs - https://example.com/a-b" is valid. The URL must be absolute
// (scheme and host); Telegram refuses the whole message otherwise.
func ParseButton(raw string) (ButtonSpec, error) {
	label, link, ok := strings.Cut(raw, "-")
	if !ok {
		return ButtonSpec{}, ErrMalformedButton
	}
	label = strings.TrimSpace(label)
	link = strings.TrimSpace(link)
	if label == "" || link == "" {
		return ButtonSpec{}, ErrMalformedButton
	}
	u, err := url.Parse(link)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ButtonSpec{}, ErrMalformedButton
	}
	return ButtonSpec{Label: label, URL: link}, nil
}

// WithButton returns a copy of d with b appended.
func (d Draft) WithButton(b ButtonSpec) Draft {
	out := d.Clone()
	out.Buttons = append(out.Buttons, b)
	return out
}

// Clone deep-copies the draft.
func (d Draft) Clone() Draft {
	out := Draft{Body: d.Body}
	if len(d.Buttons) > 0 {
		out.Buttons = append([]ButtonSpec(nil), d.Buttons...)
	}
	if d.Source != nil {
		src := *d.Source
		out.Source = &src
	}
	return out
}

// Content is what every recipient of a job receives.
type Content struct {
	Body    string
	Buttons []ButtonSpec
	Source  *MessageRef

	// Skip is the number of leading parts of a multi-part body the recipient
	// already has. The dispatcher sets it when it retries a partial delivery.
	Skip int
}
