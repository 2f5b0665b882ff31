package router

import (
	"context"
	"hash/fnv"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"castbot/internal/config"
	rtsup "castbot/internal/runtime/supervisor"
	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	// Route is a space separated path such as "broadcast" or "runs clear".
	Route       string
	Aliases     []string // extra single-token names, e.g. "bc"
	Description string
	Usage       string
	Access      Access

	Timeout time.Duration
	Handle  HandlerFunc
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

// TextHandlerFunc receives owner messages that are not commands.
type TextHandlerFunc func(ctx context.Context, req *Request) error

// CallbackAccess controls who can press an inline button. The zero value is
// owner-only.
type CallbackAccess int

const (
	CallbackAccessOwnerOnly CallbackAccess = iota
	CallbackAccessEveryone
)

// CallbackRoute handles callback data of the form "namespace:action[:payload]".
type CallbackRoute struct {
	Namespace   string
	Action      string
	Description string
	Access      CallbackAccess
	Timeout     time.Duration
	Handle      CallbackHandlerFunc
}

type Request struct {
	Update    kit.Update
	Chat      kit.ChatTarget
	FromID    int64
	Username  string
	MessageID int
	Text      string   // message text or caption
	Path      []string // matched route tokens
	Command   string   // route, "text" or "cb:<ns>:<action>"
	Args      []string
	Payload   string

	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	Adapter     kit.Adapter
	Config      *config.Config
	Logger      logx.Logger
	Services    *Services
	OwnerUserID []int64
}

func (r *Request) Reply(ctx context.Context, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	return r.Adapter.SendText(ctx, r.Chat, text, opt)
}

type Services struct {
	Notifier NotifierPort

	// AppSupervisor is set by the app once started; nil in tests.
	AppSupervisor *rtsup.Supervisor

	// RuntimeSupervisors holds supervisors that only exist while running,
	// such as the router's own worker pool.
	RuntimeSupervisors *rtsup.Registry
}

type NotifierPort interface {
	Notify(ctx context.Context, n kit.Notification) error
}

type CommandManager struct {
	mu     sync.RWMutex
	cat    *catalog
	cbs    map[string]CallbackRoute // "ns:action"
	text   TextHandlerFunc
	owners []int64

	log     logx.Logger
	adapter kit.Adapter
	cfgm    *config.ConfigManager
	serv    *Services
	flood   *floodGuard

	runMu sync.Mutex
	sup   *rtsup.Supervisor

	// shards keep updates from one chat in arrival order.
	shards []chan func()
}

const (
	shardQueueCap = 64
	routerName    = "telegram.router"
)

func NewCommandManager(log logx.Logger, adapter kit.Adapter, cfgm *config.ConfigManager, serv *Services, owners []int64) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	shards := make([]chan func(), max(2, runtime.NumCPU()))
	for i := range shards {
		shards[i] = make(chan func(), shardQueueCap)
	}
	return &CommandManager{
		cat:     newCatalog(nil),
		cbs:     map[string]CallbackRoute{},
		owners:  slices.Clone(owners),
		log:     log,
		adapter: adapter,
		cfgm:    cfgm,
		serv:    serv,
		flood:   newFloodGuard(1, 3),
		shards:  shards,
	}
}

// Supervisor returns the worker pool supervisor, or nil when not running.
func (m *CommandManager) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.sup
}

func (m *CommandManager) setSupervisor(sup *rtsup.Supervisor) {
	m.runMu.Lock()
	m.sup = sup
	m.runMu.Unlock()
	if m.serv != nil {
		m.serv.RuntimeSupervisors.Set(routerName, sup)
	}
}

func (m *CommandManager) catalog() *catalog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cat
}

func (m *CommandManager) shardFor(chatID int64) int {
	h := fnv.New32a()
	_, _ = h.Write(strconv.AppendInt(nil, chatID, 10))
	return int(h.Sum32() % uint32(len(m.shards)))
}

// submit queues job on the chat's shard. It reports false when the shard is
// full or already closed.
func (m *CommandManager) submit(chatID int64, job func()) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case m.shards[m.shardFor(chatID)] <- job:
		return true
	default:
		return false
	}
}

// SetOwners replaces the owner list; safe during hot reload.
func (m *CommandManager) SetOwners(owners []int64) {
	m.mu.Lock()
	m.owners = slices.Clone(owners)
	m.mu.Unlock()
}

func (m *CommandManager) isOwner(id int64) ([]int64, bool) {
	m.mu.RLock()
	owners := slices.Clone(m.owners)
	m.mu.RUnlock()
	return owners, slices.Contains(owners, id)
}

// SetTextHandler installs the handler for owner messages without a leading "/".
func (m *CommandManager) SetTextHandler(h TextHandlerFunc) {
	m.mu.Lock()
	m.text = h
	m.mu.Unlock()
}

// SetRegistry replaces the commands and callbacks and pushes the new command
// menu to the adapter in the background. /help is always added.
func (m *CommandManager) SetRegistry(cmds []Command, cbs []CallbackRoute) {
	cmds = append(slices.Clone(cmds), Command{
		Route:       "help",
		Aliases:     []string{"h"},
		Description: "show help",
		Usage:       "/help [cmd] [sub...]",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			_, err := req.Reply(ctx, m.helpText(req.Args), &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
			return err
		},
	})
	cat := newCatalog(cmds)

	routes := make(map[string]CallbackRoute, len(cbs))
	for _, r := range cbs {
		ns, action := strings.TrimSpace(r.Namespace), strings.TrimSpace(r.Action)
		if ns == "" || action == "" || r.Handle == nil {
			continue
		}
		routes[ns+":"+action] = r
	}

	m.mu.Lock()
	m.cat = cat
	m.cbs = routes
	m.mu.Unlock()

	up, ok := m.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	menu := cat.menu()
	push := func(parent context.Context) {
		ctx, cancel := context.WithTimeout(parent, 5*time.Second)
		defer cancel()
		if err := up.UpdateMenuCommands(ctx, menu); err != nil {
			m.log.Debug("menu update failed", logx.Err(err))
		}
	}
	if m.serv != nil && m.serv.AppSupervisor != nil {
		m.serv.AppSupervisor.Go0("telegram.menu.update", push)
	} else {
		go push(context.Background())
	}
}

// DispatchLoop routes updates until ctx ends or updates closes. Handlers run
// on per-chat shards under a restartable worker pool.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(m.log.With(logx.String("comp", routerName))),
		rtsup.WithCancelOnError(false),
	)
	m.setSupervisor(sup)
	m.log.Info("command dispatcher started", logx.Int("workers", len(m.shards)), logx.Int("shard_queue_cap", shardQueueCap))

	for i, jobs := range m.shards {
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			return m.work(c, i, jobs)
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		for _, ch := range m.shards {
			close(ch)
		}
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.setSupervisor(nil)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				m.log.Info("updates channel closed")
				return nil
			}
			m.routeUpdate(ctx, up)
		}
	}
}

func (m *CommandManager) work(ctx context.Context, idx int, jobs <-chan func()) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job, ok := <-jobs:
			if !ok {
				return nil
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
					}
				}()
				job()
			}()
		}
	}
}

func (m *CommandManager) routeUpdate(ctx context.Context, up kit.Update) {
	switch {
	case up.Kind == kit.UpdateMessage && up.Message != nil:
		m.routeMessage(ctx, up)
	case up.Kind == kit.UpdateCallback && up.Callback != nil:
		m.routeCallback(ctx, up)
	}
}

// commandWord strips the leading "/" and a "@botname" suffix.
func commandWord(tok string) string {
	word := strings.TrimPrefix(tok, "/")
	if at := strings.IndexByte(word, '@'); at >= 0 {
		word = word[:at]
	}
	return word
}

func (m *CommandManager) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		m.routeText(ctx, up)
		return
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	owners, owner := m.isOwner(msg.FromID)
	if !owner && !m.flood.allow(msg.FromID) {
		m.log.Debug("command dropped by flood guard", logx.Int64("from_id", msg.FromID))
		return
	}

	chat := msg.Chat()
	key, cmd, args, ok := m.catalog().resolve(commandWord(parts[0]), parts[1:])
	switch {
	case !ok:
		_, _ = m.adapter.SendText(ctx, chat, "unknown command, try /help", nil)
		return
	case cmd == nil:
		_, _ = m.adapter.SendText(ctx, chat, m.helpText(strings.Fields(key)), &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
		return
	case cmd.Access == AccessOwnerOnly && !owner:
		_, _ = m.adapter.SendText(ctx, chat, "unauthorized", nil)
		return
	}

	req := m.newRequest(up, chat, msg.FromID, key, owners)
	req.Username = msg.FromUsername
	req.MessageID = msg.ID
	req.Text = msg.Text
	req.Path = strings.Fields(key)
	req.RawArgs = args
	req.Args, req.Flags, req.BoolFlags = parseFlags(args)

	h := Chain(cmd.Handle, Observe(m.log), Timeout(cmd.Timeout))
	if !m.submit(msg.ChatID, func() { _ = h(ctx, req) }) {
		_, _ = m.adapter.SendText(ctx, chat, "busy, try again", nil)
	}
}

func (m *CommandManager) routeText(ctx context.Context, up kit.Update) {
	msg := up.Message
	m.mu.RLock()
	h := m.text
	m.mu.RUnlock()
	if h == nil || msg.IsGroup {
		return
	}
	owners, owner := m.isOwner(msg.FromID)
	if !owner {
		return
	}
	chat := msg.Chat()
	req := m.newRequest(up, chat, msg.FromID, "text", owners)
	req.Username = msg.FromUsername
	req.MessageID = msg.ID
	req.Text = msg.Text

	final := Chain(HandlerFunc(h), Observe(m.log))
	if !m.submit(msg.ChatID, func() { _ = final(ctx, req) }) {
		_, _ = m.adapter.SendText(ctx, chat, "busy, try again", nil)
	}
}

func (m *CommandManager) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	ns, rest, ok := strings.Cut(strings.TrimSpace(cb.Data), ":")
	if !ok {
		return
	}
	action, payload, _ := strings.Cut(rest, ":")

	m.mu.RLock()
	route, found := m.cbs[ns+":"+action]
	m.mu.RUnlock()
	if !found {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	owners, owner := m.isOwner(cb.FromID)
	if route.Access == CallbackAccessOwnerOnly && !owner {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "forbidden")
		return
	}

	chat := cb.Chat()
	req := m.newRequest(up, chat, cb.FromID, "cb:"+ns+":"+action, owners)
	req.MessageID = cb.MessageID
	req.Payload = payload

	h := Chain(func(c context.Context, r *Request) error { return route.Handle(c, r, payload) },
		Observe(m.log), Timeout(route.Timeout))
	if !m.submit(cb.ChatID, func() {
		_ = h(ctx, req)
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
	}) {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "busy")
	}
}

func (m *CommandManager) newRequest(up kit.Update, chat kit.ChatTarget, fromID int64, command string, owners []int64) *Request {
	rid := newReqID()
	var cfg *config.Config
	if m.cfgm != nil {
		cfg = m.cfgm.Get()
	}
	return &Request{
		Update:  up,
		Chat:    chat,
		FromID:  fromID,
		Command: command,
		ReqID:   rid,
		Adapter: m.adapter,
		Config:  cfg,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat.ChatID),
			logx.Int64("from_id", fromID),
			logx.String("cmd", command),
		),
		Services:    m.serv,
		OwnerUserID: owners,
	}
}
