package adapter

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"castbot/internal/broadcast"

	tele "gopkg.in/telebot.v4"
)

// classify maps telebot errors onto the delivery taxonomy:
// flood control and server/network trouble become throttles, client errors
// (blocked bot, unknown chat, bad request) become permanent.
func classify(err error, transient time.Duration) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if transient <= 0 {
		transient = broadcast.DefaultTransientWait
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		wait := time.Duration(flood.RetryAfter) * time.Second
		if wait <= 0 {
			wait = transient
		}
		return broadcast.Throttled(wait, err)
	}
	var fp *tele.FloodError
	if errors.As(err, &fp) && fp != nil {
		return broadcast.Throttled(time.Duration(fp.RetryAfter)*time.Second, err)
	}

	var group tele.GroupError
	if errors.As(err, &group) {
		return broadcast.Permanent("group migrated to supergroup", err)
	}

	var terr *tele.Error
	if errors.As(err, &terr) && terr != nil {
		switch {
		case terr.Code == http.StatusTooManyRequests || terr.Code >= 500:
			return broadcast.Throttled(transient, err)
		case terr.Code >= 400:
			return broadcast.Permanent(reason(terr), err)
		}
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return broadcast.Throttled(transient, err)
	}
	return err
}

func reason(e *tele.Error) string {
	switch e {
	case tele.ErrBlockedByUser:
		return "blocked by user"
	case tele.ErrNotStartedByUser:
		return "bot not started by user"
	case tele.ErrUserIsDeactivated:
		return "user deactivated"
	case tele.ErrChatNotFound:
		return "chat not found"
	}
	d := strings.TrimSpace(e.Description)
	if _, rest, ok := strings.Cut(d, ": "); ok {
		d = rest
	}
	if d == "" {
		return http.StatusText(e.Code)
	}
	return strings.ToLower(d)
}
