// Package console is the operator-facing Telegram flow of the broadcast bot.
//
// It turns commands, inline callbacks and free text into session.Machine
// transitions, renders previews and screens with tgui, and reports job
// progress through the notifier.
package console

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"castbot/internal/broadcast"
	"castbot/internal/recipients"
	"castbot/internal/session"
	"castbot/internal/storage"
	kit "castbot/internal/transport"
	"castbot/internal/transport/telegram/router"
	logx "castbot/pkg/logx"
)

// callback namespace for every inline button of the console.
const cbNamespace = "bc"

const (
	actNew     = "new"
	actAdd     = "add"
	actConfirm = "confirm"
	actStart   = "start"
	actCancel  = "cancel"
	actExport  = "export"
	actRuns    = "runs"
)

// Broadcaster runs confirmed jobs.
type Broadcaster interface {
	Submit(ctx context.Context, job *broadcast.Job, obs broadcast.Observer) error
	Running(jobID string) bool
	ActiveFor(operator int64) (string, bool)
	Status(jobID string) (broadcast.JobStatus, bool)
}

// Settings are the hot-reloadable knobs of the console.
type Settings struct {
	// Spacing feeds the estimate screen.
	Spacing         time.Duration
	CopyMessages    bool
	RegisterOnStart bool
	RunsPageSize    int
}

// Deps are the collaborators of a Console. Store, Registrar and Notifier
// are optional.
type Deps struct {
	Machine     *session.Machine
	Broadcaster Broadcaster
	Directory   broadcast.Directory
	Registrar   recipients.Registrar
	Store       storage.Store
	Notifier    router.NotifierPort
	Adapter     kit.Adapter
	Log         logx.Logger
}

type Console struct {
	Deps
	settings atomic.Pointer[Settings]
}

func New(d Deps, s Settings) *Console {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	c := &Console{Deps: d}
	c.Apply(s)
	return c
}

// Apply swaps the settings; running jobs are unaffected.
func (c *Console) Apply(s Settings) {
	if s.RunsPageSize <= 0 {
		s.RunsPageSize = 5
	}
	c.settings.Store(&s)
}

func (c *Console) cfg() Settings { return *c.settings.Load() }

// Commands returns the console's router commands.
func (c *Console) Commands() []router.Command {
	return []router.Command{
		{
			Route:       "start",
			Description: "register and show a greeting",
			Usage:       "/start",
			Access:      router.AccessEveryone,
			Timeout:     10 * time.Second,
			Handle:      c.cmdStart,
		},
		{
			Route:       "broadcast",
			Aliases:     []string{"bc", "users"},
			Description: "recipient count and broadcast menu",
			Usage:       "/broadcast",
			Access:      router.AccessOwnerOnly,
			Timeout:     15 * time.Second,
			Handle:      c.cmdBroadcast,
		},
		{
			Route:       "export",
			Description: "download recipient ids as users.txt",
			Usage:       "/export",
			Access:      router.AccessOwnerOnly,
			Timeout:     time.Minute,
			Handle:      c.cmdExport,
		},
		{
			Route:       "status",
			Description: "progress of your running broadcast",
			Usage:       "/status",
			Access:      router.AccessOwnerOnly,
			Timeout:     10 * time.Second,
			Handle:      c.cmdStatus,
		},
		{
			Route:       "runs",
			Description: "recent broadcast runs",
			Usage:       "/runs",
			Access:      router.AccessOwnerOnly,
			Timeout:     10 * time.Second,
			Handle:      c.cmdRuns,
		},
		{
			Route:       "cancel",
			Description: "discard the current draft",
			Usage:       "/cancel",
			Access:      router.AccessOwnerOnly,
			Timeout:     10 * time.Second,
			Handle:      c.cmdCancel,
		},
	}
}

// Callbacks returns the inline-button routes under the "bc" namespace.
func (c *Console) Callbacks() []router.CallbackRoute {
	route := func(action, desc string, timeout time.Duration, h router.CallbackHandlerFunc) router.CallbackRoute {
		return router.CallbackRoute{Namespace: cbNamespace, Action: action, Description: desc, Timeout: timeout, Handle: h}
	}
	return []router.CallbackRoute{
		route(actNew, "open a new draft", 10*time.Second, c.cbNew),
		route(actAdd, "add a URL button", 10*time.Second, c.cbAdd),
		route(actConfirm, "show the estimate", 15*time.Second, c.cbConfirm),
		route(actStart, "start the broadcast", 30*time.Second, c.cbStart),
		route(actCancel, "discard the draft", 10*time.Second, c.cbCancel),
		route(actExport, "export recipient ids", time.Minute, c.cbExport),
		route(actRuns, "run history page", 10*time.Second, c.cbRuns),
	}
}

// reply sends text to the request chat and logs failures.
func (c *Console) reply(ctx context.Context, req *router.Request, msg messageView) {
	if _, err := msg.Send(ctx, c.Adapter, req.Chat); err != nil {
		req.Logger.Warn("reply failed", logx.Err(err))
	}
}

// notify goes through the async notifier and falls back to a direct send.
func (c *Console) notify(ctx context.Context, to kit.ChatTarget, msg messageView) {
	if c.Notifier != nil {
		err := c.Notifier.Notify(ctx, msg.Notification(to))
		if err == nil {
			return
		}
		c.Log.Debug("notifier unavailable; sending directly", logx.Err(err))
	}
	if _, err := msg.Send(ctx, c.Adapter, to); err != nil {
		c.Log.Warn("console send failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
}

func (c *Console) audit(ctx context.Context, e storage.AuditEntry) {
	if c.Store == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if err := c.Store.AppendAudit(actx, e); err != nil && !errors.Is(err, storage.ErrDisabled) {
		c.Log.Warn("audit append failed", logx.String("action", e.Action), logx.Err(err))
	}
}

// phaseMessage explains a rejected transition to the operator.
func phaseMessage(err error) string {
	switch {
	case errors.Is(err, session.ErrBusy):
		return "A broadcast is in progress. Wait for the report before starting another one."
	case errors.Is(err, session.ErrInvalidPhase):
		return "That action is not available right now. Use /broadcast to start over."
	case errors.Is(err, broadcast.ErrEmptyBody):
		return "The message is empty. Send some text."
	default:
		return "Something went wrong, try again."
	}
}
