package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"slotpost/internal/dispatch"
	"slotpost/internal/eventbus"
	"slotpost/internal/ingest"
	"slotpost/internal/queue"
	rtsup "slotpost/internal/runtime/supervisor"
	"slotpost/internal/slots"
	"slotpost/internal/storage"
	kit "slotpost/internal/transport"
	logx "slotpost/pkg/logx"
)

// submitTimeout bounds one content submission, store write included.
const submitTimeout = 15 * time.Second

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type Request struct {
	Update       kit.Update
	Chat         kit.ChatTarget
	FromID       int64
	FromUsername string
	Command      string
	Args         []string
	ReqID        string

	Adapter  kit.Adapter
	Logger   logx.Logger
	Services *Services
}

// Reply sends a plain reply to the request chat.
func (r *Request) Reply(ctx context.Context, text string) {
	if _, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true}); err != nil {
		r.Logger.Warn("reply failed", logx.Err(err))
	}
}

// ReplyHTML sends a reply with ParseMode=HTML.
func (r *Request) ReplyHTML(ctx context.Context, text string) {
	if _, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"}); err != nil {
		r.Logger.Warn("reply failed", logx.Err(err))
	}
}

type QueuePort interface {
	List(ctx context.Context, f queue.ListFilter) ([]queue.Item, error)
	Counts(ctx context.Context) (map[queue.State]int64, error)
	Cancel(ctx context.Context, id int64) (queue.Item, error)
	CancelPending(ctx context.Context) (int64, error)
}

type AuditPort interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type IngestPort interface {
	Allowed(m *kit.Message) bool
	Submit(ctx context.Context, sub ingest.Submission) (queue.Item, bool, error)
}

type LoopPort interface {
	LastTick() time.Time
	PendingResolutions() int
}

type Services struct {
	Queue      QueuePort
	Audit      AuditPort // optional
	Ingest     IngestPort
	Schedule   *slots.Holder
	Suspension *dispatch.Suspension
	Loop       LoopPort     // optional
	Bus        eventbus.Bus // optional

	// AppSupervisor is set by the app once started. Nil in tests.
	AppSupervisor *rtsup.Supervisor
}

type CommandManager struct {
	mu    sync.RWMutex
	cmds  map[string]*Command
	alias map[string]*Command
	order []string

	owners []int64

	log     logx.Logger
	adapter kit.Adapter
	serv    *Services

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, serv *Services, owners []int64) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if serv == nil {
		serv = &Services{}
	}
	return &CommandManager{
		cmds:    map[string]*Command{},
		alias:   map[string]*Command{},
		log:     log.With(logx.String("comp", "telegram.router")),
		adapter: adapter,
		serv:    serv,
		owners:  append([]int64(nil), owners...),
		jobs:    make(chan func(), 256),
	}
}

// Supervisor returns the worker pool supervisor (nil if not running).
func (m *CommandManager) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *CommandManager) setSupervisor(sup *rtsup.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel being closed).
func (m *CommandManager) tryEnqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// SetOwners updates the owner list. Safe to call during hot-reload.
func (m *CommandManager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *CommandManager) ownersSnapshot() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int64(nil), m.owners...)
}

// isOwner applies the owner list; with no owners configured any private chat counts.
func isOwner(msg *kit.Message, owners []int64) bool {
	if len(owners) == 0 {
		return msg.IsPrivate
	}
	for _, o := range owners {
		if o == msg.FromID {
			return true
		}
	}
	return false
}

// SetRegistry installs the command set. /help is always added.
func (m *CommandManager) SetRegistry(cmds []Command) {
	cmds = append(cmds, Command{
		Name:        "help",
		Aliases:     []string{"h"},
		Description: "show help",
		Usage:       "/help",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			req.ReplyHTML(ctx, m.helpText(req))
			return nil
		},
	})

	byName := map[string]*Command{}
	alias := map[string]*Command{}
	order := make([]string, 0, len(cmds))
	for i := range cmds {
		c := cmds[i]
		name := sanitizeTelegramCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		if _, dup := byName[name]; !dup {
			order = append(order, name)
		}
		byName[name] = &c
		for _, a := range c.Aliases {
			if a = sanitizeTelegramCommand(a); a != "" && a != name {
				alias[a] = &c
			}
		}
	}

	m.mu.Lock()
	m.cmds, m.alias, m.order = byName, alias, order
	m.mu.Unlock()

	up, ok := m.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	menu := buildMenuCommands(m.commands())
	run := func(parent context.Context) {
		ctx, cancel := context.WithTimeout(parent, 5*time.Second)
		defer cancel()
		if err := up.UpdateMenuCommands(ctx, menu); err != nil {
			m.log.Warn("menu update failed", logx.Err(err))
		}
	}
	if m.serv.AppSupervisor != nil {
		m.serv.AppSupervisor.Go0("telegram.menu.update", run)
	} else {
		go run(context.Background())
	}
}

// commands returns the registry in registration order.
func (m *CommandManager) commands() []Command {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Command, 0, len(m.order))
	for _, n := range m.order {
		out = append(out, *m.cmds[n])
	}
	return out
}

func (m *CommandManager) lookup(word string) (*Command, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.cmds[word]; ok {
		return c, true
	}
	c, ok := m.alias[word]
	return c, ok
}

func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := max(runtime.NumCPU(), 2)

	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(m.log),
		rtsup.WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)
	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					m.runJob(idx, job)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
		)
	}

	defer func() {
		m.setSupervisor(sup, false)
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.setSupervisor(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.routeUpdate(ctx, up)
		}
	}
}

func (m *CommandManager) runJob(worker int, job func()) {
	if job == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	job()
}

func (m *CommandManager) routeUpdate(root context.Context, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	text := strings.TrimSpace(up.Message.Text)
	if strings.HasPrefix(text, "/") {
		m.routeCommand(root, up, text)
		return
	}
	m.routeContent(root, up)
}

func (m *CommandManager) routeCommand(root context.Context, up kit.Update, text string) {
	msg := up.Message
	word, args := splitCommand(text)
	if word == "" {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	cmd, ok := m.lookup(word)
	if !ok {
		if msg.IsPrivate {
			_, _ = m.adapter.SendText(root, chat, "unknown command, try /help", nil)
		}
		return
	}
	if cmd.Access == AccessOwnerOnly && !isOwner(msg, m.ownersSnapshot()) {
		_, _ = m.adapter.SendText(root, chat, "unauthorized", nil)
		return
	}

	m.run(root, m.newRequest(up, cmd.Name, args), cmd.Handle, cmd.Timeout)
}

// routeContent feeds a non-command message to ingestion.
func (m *CommandManager) routeContent(root context.Context, up kit.Update) {
	msg := up.Message
	ing := m.serv.Ingest
	if ing == nil {
		return
	}
	if !ing.Allowed(msg) {
		if msg.IsPrivate {
			_, _ = m.adapter.SendText(root, kit.ChatTarget{ChatID: msg.ChatID}, "you are not allowed to submit posts", nil)
		}
		return
	}
	m.run(root, m.newRequest(up, "submit", nil), handleSubmit, submitTimeout)
}

// run hands a request to the worker pool, or replies busy when it is full.
func (m *CommandManager) run(root context.Context, req *Request, h HandlerFunc, timeout time.Duration) {
	final := chain(h, recoverPanics, logRequests, withTimeout(timeout))
	if !m.tryEnqueue(func() { _ = final(root, req) }) {
		req.Reply(root, "busy, try again")
	}
}

func (m *CommandManager) newRequest(up kit.Update, command string, args []string) *Request {
	msg := up.Message
	rid := newReqID()
	return &Request{
		Update:       up,
		Chat:         kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		Command:      command,
		Args:         args,
		ReqID:        rid,
		Adapter:      m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", command),
		),
		Services: m.serv,
	}
}
