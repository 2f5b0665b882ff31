package console

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"castbot/internal/broadcast"
	"castbot/internal/recipients"
	"castbot/internal/session"
	"castbot/internal/storage"
	kit "castbot/internal/transport"
	"castbot/internal/transport/telegram/router"
	logx "castbot/pkg/logx"
	"castbot/pkg/tgui"
)

const runsFetchLimit = 50

func isOwner(req *router.Request) bool {
	for _, id := range req.OwnerUserID {
		if id == req.FromID {
			return true
		}
	}
	return false
}

func (c *Console) cmdStart(ctx context.Context, req *router.Request) error {
	if c.cfg().RegisterOnStart && c.Registrar != nil && req.FromID != 0 && req.Chat.ChatID == req.FromID {
		if err := c.Registrar.Register(ctx, req.FromID); err != nil {
			req.Logger.Warn("recipient register failed", logx.Err(err))
		}
	}
	b := tgui.New().Title("👋", "Hello!")
	if isOwner(req) {
		b.Line("Use /broadcast to message every recipient, /runs for history.")
	} else {
		b.Line("You are subscribed to announcements.")
	}
	c.reply(ctx, req, b.Build())
	return nil
}

// cmdBroadcast shows the recipient count screen. Like the original menu it
// resets an unsent draft.
func (c *Console) cmdBroadcast(ctx context.Context, req *router.Request) error {
	s, err := c.Machine.Get(ctx, req.FromID)
	if err != nil {
		return err
	}
	sending := s.Phase == session.Sending
	if !sending && s.Phase != session.Idle {
		if _, err := c.Machine.Cancel(ctx, req.FromID); err != nil {
			return err
		}
	}
	return c.showCount(ctx, req, sending)
}

func (c *Console) showCount(ctx context.Context, req *router.Request, sending bool) error {
	n, err := c.Directory.Count(ctx)
	if err != nil {
		req.Logger.Warn("recipient count failed", logx.Err(err))
		c.reply(ctx, req, tgui.New().Line("Recipient directory is unavailable, try again later.").Build())
		return nil
	}
	c.reply(ctx, req, countView(n, sending))
	return nil
}

func (c *Console) cmdCancel(ctx context.Context, req *router.Request) error {
	return c.cancelDraft(ctx, req)
}

func (c *Console) cbCancel(ctx context.Context, req *router.Request, _ string) error {
	return c.cancelDraft(ctx, req)
}

func (c *Console) cancelDraft(ctx context.Context, req *router.Request) error {
	before, err := c.Machine.Get(ctx, req.FromID)
	if err != nil {
		return err
	}
	if _, err := c.Machine.Cancel(ctx, req.FromID); err != nil {
		c.reply(ctx, req, tgui.New().Line(phaseMessage(err)).Build())
		return nil
	}
	if before.Phase != session.Idle {
		c.audit(ctx, storage.AuditEntry{OperatorID: req.FromID, Username: req.Username, Action: "cancel", Target: before.Phase.String()})
	}
	c.reply(ctx, req, tgui.New().Line("Draft discarded.").Build())
	return c.showCount(ctx, req, false)
}

func (c *Console) cbNew(ctx context.Context, req *router.Request, _ string) error {
	if _, err := c.Machine.Open(ctx, req.FromID); err != nil {
		c.reply(ctx, req, tgui.New().Line(phaseMessage(err)).Build())
		return nil
	}
	c.reply(ctx, req, askBodyView())
	return nil
}

func (c *Console) cbAdd(ctx context.Context, req *router.Request, _ string) error {
	if _, err := c.Machine.BeginAddButton(ctx, req.FromID); err != nil {
		c.reply(ctx, req, tgui.New().Line(phaseMessage(err)).Build())
		return nil
	}
	c.reply(ctx, req, askButtonView())
	return nil
}

// cbConfirm shows the estimate screen. Recipients are only snapshotted when
// the operator presses Start.
func (c *Console) cbConfirm(ctx context.Context, req *router.Request, _ string) error {
	s, err := c.Machine.Get(ctx, req.FromID)
	if err != nil {
		return err
	}
	if s.Phase != session.ReadyToConfirm {
		c.reply(ctx, req, tgui.New().Line(phaseMessage(session.ErrInvalidPhase)).Build())
		return nil
	}
	n, err := c.Directory.Count(ctx)
	if err != nil {
		req.Logger.Warn("recipient count failed", logx.Err(err))
		c.reply(ctx, req, tgui.New().Line("Broadcast could not start: the recipient directory is unavailable. Your draft is kept.").Build())
		return nil
	}
	c.reply(ctx, req, estimateView(n, c.cfg().Spacing))
	return nil
}

func (c *Console) cbStart(ctx context.Context, req *router.Request, _ string) error {
	op := req.FromID
	before, err := c.Machine.Get(ctx, op)
	if err != nil {
		return err
	}
	job, err := c.Machine.Confirm(ctx, op, c.Directory)
	switch {
	case broadcast.IsDirectoryUnavailable(err):
		req.Logger.Warn("broadcast could not start", logx.Err(err))
		c.audit(ctx, storage.AuditEntry{OperatorID: op, Username: req.Username, Action: "confirm", Error: err.Error()})
		c.reply(ctx, req, tgui.New().Line("Broadcast could not start: the recipient directory is unavailable. Your draft is kept, press Start to retry.").
			Inline(composeKeyboard(draftOf(before))).Build())
		return nil
	case err != nil:
		c.reply(ctx, req, tgui.New().Line(phaseMessage(err)).Build())
		return nil
	}

	obs := &jobObserver{c: c, chat: req.Chat, username: req.Username}
	if err := c.Broadcaster.Submit(ctx, job, obs); err != nil {
		req.Logger.Error("broadcast submit failed", logx.String("job", job.ID), logx.Err(err))
		if rerr := c.Machine.Restore(context.WithoutCancel(ctx), op, job.ID, draftOf(before)); rerr != nil {
			req.Logger.Warn("draft restore failed", logx.Err(rerr))
		}
		c.audit(ctx, storage.AuditEntry{OperatorID: op, Username: req.Username, Action: "confirm", JobID: job.ID, Error: err.Error()})
		c.reply(ctx, req, tgui.New().Line("Broadcast could not start: "+err.Error()).Build())
		return nil
	}

	c.audit(ctx, storage.AuditEntry{OperatorID: op, Username: req.Username, Action: "confirm", JobID: job.ID, Target: strconv.Itoa(job.Total())})
	req.Logger.Info("broadcast started", logx.String("job", job.ID), logx.Int("recipients", job.Total()))
	c.reply(ctx, req, tgui.New().Title("📣", "Broadcast started").KV("Recipients", strconv.Itoa(job.Total())).Build())
	return nil
}

func draftOf(s session.Session) broadcast.Draft {
	if s.Draft == nil {
		return broadcast.Draft{}
	}
	return s.Draft.Clone()
}

func (c *Console) cmdExport(ctx context.Context, req *router.Request) error {
	return c.export(ctx, req)
}

func (c *Console) cbExport(ctx context.Context, req *router.Request, _ string) error {
	return c.export(ctx, req)
}

func (c *Console) export(ctx context.Context, req *router.Request) error {
	ds, ok := c.Adapter.(kit.DocumentSender)
	if !ok {
		c.reply(ctx, req, tgui.New().Line("This transport cannot send files.").Build())
		return nil
	}
	ids, err := c.Directory.List(ctx)
	if err != nil {
		req.Logger.Warn("recipient export failed", logx.Err(err))
		c.reply(ctx, req, tgui.New().Line("Recipient directory is unavailable, try again later.").Build())
		return nil
	}
	var buf bytes.Buffer
	if err := recipients.WriteIDs(&buf, ids); err != nil {
		return err
	}
	doc := kit.Document{FileName: "users.txt", Caption: fmt.Sprintf("%d recipients", len(ids)), Reader: &buf}
	if _, err := ds.SendDocument(ctx, req.Chat, doc); err != nil {
		return fmt.Errorf("send users.txt: %w", err)
	}
	c.audit(ctx, storage.AuditEntry{OperatorID: req.FromID, Username: req.Username, Action: "export", OK: len(ids)})
	return nil
}

func (c *Console) cmdStatus(ctx context.Context, req *router.Request) error {
	id, ok := c.Broadcaster.ActiveFor(req.FromID)
	if !ok {
		c.reply(ctx, req, tgui.New().Line("No broadcast is running.").Build())
		return nil
	}
	st, ok := c.Broadcaster.Status(id)
	if !ok {
		return fmt.Errorf("status of %s: not tracked", id)
	}
	c.reply(ctx, req, statusView(st, time.Now()))
	return nil
}

func (c *Console) cmdRuns(ctx context.Context, req *router.Request) error {
	return c.showRuns(ctx, req, 0, false)
}

func (c *Console) cbRuns(ctx context.Context, req *router.Request, payload string) error {
	idx, _ := strconv.Atoi(strings.TrimSpace(payload))
	return c.showRuns(ctx, req, idx, true)
}

func (c *Console) showRuns(ctx context.Context, req *router.Request, index int, edit bool) error {
	if c.Store == nil {
		c.reply(ctx, req, tgui.New().Line("Run history needs storage to be enabled.").Build())
		return nil
	}
	runs, err := c.Store.RecentRuns(ctx, runsFetchLimit)
	if err != nil {
		return fmt.Errorf("recent runs: %w", err)
	}
	view := runsView(runs, index, c.cfg().RunsPageSize)
	if edit && req.MessageID != 0 {
		ref := req.Chat.Ref(req.MessageID)
		if err := view.Edit(ctx, c.Adapter, ref); err == nil {
			return nil
		}
	}
	c.reply(ctx, req, view)
	return nil
}

// HandleText routes operator messages that are not commands by session phase.
func (c *Console) HandleText(ctx context.Context, req *router.Request) error {
	s, err := c.Machine.Get(ctx, req.FromID)
	if err != nil {
		return err
	}
	switch s.Phase {
	case session.AwaitingBody:
		return c.takeBody(ctx, req)
	case session.AwaitingButtonText:
		return c.takeButton(ctx, req)
	case session.Sending:
		c.reply(ctx, req, tgui.New().Line(phaseMessage(session.ErrBusy)).Build())
	case session.ReadyToConfirm:
		c.reply(ctx, req, tgui.New().Line("Use the buttons under the preview, or /cancel.").Build())
	default:
		c.reply(ctx, req, tgui.New().Line("Use /broadcast to compose a message.").Build())
	}
	return nil
}

func (c *Console) takeBody(ctx context.Context, req *router.Request) error {
	msg := req.Update.Message
	hasMedia := msg != nil && msg.HasMedia
	copyMode := c.cfg().CopyMessages
	if hasMedia && !copyMode {
		c.reply(ctx, req, tgui.New().Line("Media can only be broadcast with copy_messages enabled. Send text instead.").Build())
		return nil
	}

	body := req.Text
	if strings.TrimSpace(body) == "" && hasMedia {
		body = "(media)"
	}
	var src *broadcast.MessageRef
	if copyMode && req.MessageID != 0 {
		src = &broadcast.MessageRef{ChatID: req.Chat.ChatID, MessageID: req.MessageID}
	}
	s, err := c.Machine.SetBody(ctx, req.FromID, body, src)
	if err != nil {
		c.reply(ctx, req, tgui.New().Line(phaseMessage(err)).Build())
		return nil
	}
	c.preview(ctx, req, s)
	return nil
}

func (c *Console) takeButton(ctx context.Context, req *router.Request) error {
	s, err := c.Machine.AppendButton(ctx, req.FromID, req.Text)
	if errors.Is(err, broadcast.ErrMalformedButton) {
		c.reply(ctx, req, tgui.New().Line("That does not look like a button.").RawLine(buttonFormatHint).Build())
		return nil
	}
	if err != nil {
		c.reply(ctx, req, tgui.New().Line(phaseMessage(err)).Build())
		return nil
	}
	c.preview(ctx, req, s)
	return nil
}

// preview shows the draft as recipients will get it. In copy mode the
// operator's own message is copied back with the compose keyboard.
func (c *Console) preview(ctx context.Context, req *router.Request, s session.Session) {
	d := draftOf(s)
	if cp, ok := c.Adapter.(kit.Copier); ok && c.cfg().CopyMessages && d.Source != nil {
		from := kit.MessageRef{ChatID: d.Source.ChatID, MessageID: d.Source.MessageID}
		opt := &kit.SendOptions{ReplyMarkupAdapter: composeKeyboard(d).Markup()}
		_, err := cp.CopyMessage(ctx, req.Chat, from, opt)
		if err == nil {
			return
		}
		req.Logger.Warn("preview copy failed; falling back to text", logx.Err(err))
	}
	c.reply(ctx, req, previewView(d))
}

// jobObserver reports one job back to the operator chat that started it.
type jobObserver struct {
	c        *Console
	chat     kit.ChatTarget
	username string
}

func (o *jobObserver) Progress(ctx context.Context, job *broadcast.Job, percent int) {
	o.c.notify(ctx, o.chat, progressView(percent))
}

func (o *jobObserver) Finished(ctx context.Context, job *broadcast.Job, rep broadcast.Report) {
	// the run context is already cancelled on shutdown; the session must still be released
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := o.c.Machine.Finish(fctx, job.Operator, job.ID); err != nil {
		o.c.Log.Error("session finish failed", logx.String("job", job.ID), logx.Err(err))
	}
	o.c.audit(fctx, storage.AuditEntry{
		OperatorID: job.Operator,
		Username:   o.username,
		Action:     "finish",
		JobID:      job.ID,
		Target:     strconv.Itoa(rep.Total),
		OK:         rep.Succeeded,
		Fail:       rep.Failed,
		TookMS:     rep.DoneAt.Sub(rep.StartedAt).Milliseconds(),
	})
	o.c.notify(fctx, o.chat, reportView(rep))
}
