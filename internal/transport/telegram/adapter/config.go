package adapter

import "time"

type Config struct {
	Token       string
	PollTimeout time.Duration
	// TransientWait is the retry delay reported for 5xx and network errors.
	TransientWait time.Duration
}
