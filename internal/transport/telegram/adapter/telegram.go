package adapter

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"castbot/internal/broadcast"
	rtsup "castbot/internal/runtime/supervisor"
	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
	"castbot/pkg/tgui"

	tele "gopkg.in/telebot.v4"
)

// Adapter bridges telebot to the transport kit and implements
// broadcast.Transport for bulk delivery.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // chan<- kit.Update
	runMu   sync.Mutex
	running bool

	// sup owns the poll loop and the drop reporter; created on Start.
	sup *rtsup.Supervisor

	// droppedUpdates counts updates dropped because the router was slower than polling.
	droppedUpdates atomic.Uint64

	menuMu   sync.Mutex
	menuHash uint64
}

var _ broadcast.Transport = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.TransientWait <= 0 {
		cfg.TransientWait = broadcast.DefaultTransientWait
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

// Supervisor returns the adapter's supervisor (nil if not started).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) registerHandlers() {
	onMessage := func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		msg := &kit.Message{
			ID:           m.ID,
			ChatID:       m.Chat.ID,
			ThreadID:     m.ThreadID,
			FromID:       m.Sender.ID,
			FromUsername: m.Sender.Username,
			Text:         m.Text,
			IsGroup:      m.Chat.Type != tele.ChatPrivate,
		}
		if m.Text == "" {
			msg.Text = m.Caption
			msg.HasMedia = true
		}
		a.sendUpdate(kit.Update{Kind: kit.UpdateMessage, Message: msg})
		return nil
	}
	a.bot.Handle(tele.OnText, onMessage)
	a.bot.Handle(tele.OnMedia, onMessage)

	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		m := c.Message()
		if cb == nil || m == nil || cb.Sender == nil {
			return nil
		}
		a.sendUpdate(kit.Update{
			Kind: kit.UpdateCallback,
			Callback: &kit.Callback{
				ID:        cb.ID,
				ChatID:    m.Chat.ID,
				ThreadID:  m.ThreadID,
				FromID:    cb.Sender.ID,
				MessageID: m.ID,
				Data:      cb.Data,
			},
		})
		return nil
	})
}

func (a *Adapter) sendUpdate(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.droppedUpdates.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	reportDrops := func() {
		if n := a.droppedUpdates.Swap(0); n > 0 {
			a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
		}
	}
	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				reportDrops()
				return
			case <-ticker.C:
				reportDrops()
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// bot.Start blocks until Stop; restart it if it returns on its own.
	sup.GoRestart0("telebot.poll", func(context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

// Stop never blocks shutdown for longer than a short grace window.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.Uint64("dropped_updates_pending", a.droppedUpdates.Load()))
	sup.Cancel()
	go a.bot.Stop()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

func (a *Adapter) sendOptions(to kit.ChatTarget, opt *kit.SendOptions, withMarkup bool) *tele.SendOptions {
	so := &tele.SendOptions{ThreadID: to.ThreadID}
	if opt == nil {
		return so
	}
	so.ParseMode = opt.ParseMode
	so.DisableWebPagePreview = opt.DisablePreview
	if withMarkup {
		if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok {
			so.ReplyMarkup = rm
		}
	}
	return so
}

// SendText sends text, split into Telegram-sized chunks. Markup goes on the
// last chunk so buttons sit under the whole text. Errors are classified (see
// classify).
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	first, _, err := a.sendChunks(ctx, to, text, opt, 0)
	return first, err
}

// sendChunks sends the chunks of text from index skip on. sent counts the
// chunks the chat has, skipped ones included, when it returns.
func (a *Adapter) sendChunks(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions, skip int) (first kit.MessageRef, sent int, err error) {
	parseMode := ""
	if opt != nil {
		parseMode = opt.ParseMode
	}
	chunks := splitText(text, textLimit, parseMode)
	chat := &tele.Chat{ID: to.ChatID}
	last := len(chunks) - 1

	sent = min(max(skip, 0), len(chunks))
	for i := sent; i <= last; i++ {
		if err := ctx.Err(); err != nil {
			return first, sent, err
		}
		msg, err := a.bot.Send(chat, chunks[i], a.sendOptions(to, opt, i == last))
		if err != nil {
			return first, sent, classify(err, a.cfg.TransientWait)
		}
		if first == (kit.MessageRef{}) {
			first = to.Ref(msg.ID)
		}
		sent++
	}
	return first, sent, nil
}

// EditText edits ref in place; overflow chunks are sent as new messages.
func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	parseMode := ""
	if opt != nil {
		parseMode = opt.ParseMode
	}
	to := ref.Chat()
	chunks := splitText(text, textLimit, parseMode)

	last := len(chunks) - 1

	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	if _, err := a.bot.Edit(m, chunks[0], a.sendOptions(to, opt, last == 0)); err != nil {
		if errors.Is(err, tele.ErrSameMessageContent) || errors.Is(err, tele.ErrMessageNotModified) {
			return nil
		}
		return classify(err, a.cfg.TransientWait)
	}
	chat := &tele.Chat{ID: to.ChatID}
	for i := 1; i <= last; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.bot.Send(chat, chunks[i], a.sendOptions(to, opt, i == last)); err != nil {
			return classify(err, a.cfg.TransientWait)
		}
	}
	return nil
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
}

// CopyMessage re-sends an existing message without the "forwarded from" header.
func (a *Adapter) CopyMessage(ctx context.Context, to kit.ChatTarget, from kit.MessageRef, opt *kit.SendOptions) (kit.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	src := tele.StoredMessage{MessageID: itoa(from.MessageID), ChatID: from.ChatID}
	msg, err := a.bot.Copy(&tele.Chat{ID: to.ChatID}, src, a.sendOptions(to, opt, true))
	if err != nil {
		return kit.MessageRef{}, classify(err, a.cfg.TransientWait)
	}
	return to.Ref(msg.ID), nil
}

// SendDocument uploads doc.Reader as a file attachment.
func (a *Adapter) SendDocument(ctx context.Context, to kit.ChatTarget, doc kit.Document) (kit.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	d := &tele.Document{File: tele.FromReader(doc.Reader), FileName: doc.FileName, Caption: doc.Caption}
	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, d, &tele.SendOptions{ThreadID: to.ThreadID})
	if err != nil {
		return kit.MessageRef{}, classify(err, a.cfg.TransientWait)
	}
	return to.Ref(msg.ID), nil
}

// Deliver sends one broadcast to one recipient: a copy of the source message
// when set, plain text otherwise, with the URL buttons attached. A long text
// goes out in parts; a failure after some parts reports how many went
// through, and a retry with c.Skip set to that count resumes after them.
func (a *Adapter) Deliver(ctx context.Context, to broadcast.RecipientID, c broadcast.Content) error {
	target := kit.ChatTarget{ChatID: int64(to)}
	opt := &kit.SendOptions{}
	if rm := URLMarkup(c.Buttons); rm != nil {
		opt.ReplyMarkupAdapter = rm
	}
	if c.Source != nil {
		_, err := a.CopyMessage(ctx, target, kit.MessageRef{ChatID: c.Source.ChatID, MessageID: c.Source.MessageID}, opt)
		return err
	}
	_, sent, err := a.sendChunks(ctx, target, c.Body, opt, c.Skip)
	if err != nil && sent > 0 {
		return broadcast.Partial(sent, err)
	}
	return err
}

// URLMarkup renders one URL button per row, in draft order.
func URLMarkup(buttons []broadcast.ButtonSpec) *tele.ReplyMarkup {
	if len(buttons) == 0 {
		return nil
	}
	kb := tgui.NewInline()
	for _, b := range buttons {
		kb.URL(b.Label, b.URL)
	}
	return kb.Markup()
}

// UpdateMenuCommands replaces the bot command menu when it changed.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	out := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		d = tgui.TruncRunes(d, 256)
		h.Write([]byte(c.Command))
		h.Write([]byte{0})
		h.Write([]byte(d))
		h.Write([]byte{0})
		out = append(out, tele.Command{Text: c.Command, Description: d})
		if len(out) >= 100 {
			break
		}
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(out); err != nil {
		return err
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(out)))
	return nil
}
