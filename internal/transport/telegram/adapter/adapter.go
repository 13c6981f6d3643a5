package adapter

import (
	"cmp"
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "slotpost/internal/runtime/supervisor"
	kit "slotpost/internal/transport"
	logx "slotpost/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// APIURL overrides the Bot API endpoint (self-hosted server); empty uses the default.
	APIURL string
	// SendTimeout bounds every Bot API request, so an abandoned channel post
	// ends close to the publish timeout. Zero keeps telebot's client.
	SendTimeout time.Duration
}

// Adapter receives operator messages by long polling and sends plain
// replies. The publisher shares its bot session.
type Adapter struct {
	bot *tele.Bot
	log logx.Logger

	// inbox is where handlers forward updates; nil while stopped.
	inbox   atomic.Pointer[chan<- kit.Update]
	dropped atomic.Uint64

	mu  sync.Mutex
	sup *rtsup.Supervisor

	menuMu sync.Mutex
	menu   []tele.Command
}

const (
	defaultPollTimeout = 10 * time.Second
	dropReportEvery    = 5 * time.Second
	stopGrace          = 2 * time.Second

	// pollSlack is the headroom getUpdates needs over the long-poll timeout.
	pollSlack = 5 * time.Second
)

// httpClient returns nil when cfg leaves telebot's default client in place.
func httpClient(cfg Config, poll time.Duration) *http.Client {
	if cfg.SendTimeout <= 0 {
		return nil
	}
	return &http.Client{Timeout: max(cfg.SendTimeout, poll+pollSlack)}
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "telegram.adapter"))
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}
	b, err := tele.NewBot(tele.Settings{
		URL:    cfg.APIURL,
		Token:  cfg.Token,
		Client: httpClient(cfg, timeout),
		Poller: &tele.LongPoller{Timeout: timeout, AllowedUpdates: []string{"message"}},
		OnError: func(err error, _ tele.Context) {
			log.Warn("telebot error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	a := &Adapter{bot: b, log: log}
	b.Handle(tele.OnText, a.forward)
	b.Handle(tele.OnPhoto, a.forward)
	return a, nil
}

func (a *Adapter) Bot() *tele.Bot { return a.bot }

// forward hands a message to the inbox without blocking the poller.
func (a *Adapter) forward(c tele.Context) error {
	m := toMessage(c.Message())
	p := a.inbox.Load()
	if m == nil || p == nil {
		return nil
	}
	select {
	case *p <- kit.Update{Kind: kit.UpdateMessage, Message: m}:
	default:
		a.dropped.Add(1)
	}
	return nil
}

// toMessage maps a telebot message. Photos carry the largest size telebot
// resolved; service messages without sender are ignored.
func toMessage(m *tele.Message) *kit.Message {
	if m == nil || m.Chat == nil || m.Sender == nil {
		return nil
	}
	out := &kit.Message{
		ID:           m.ID,
		ChatID:       m.Chat.ID,
		ThreadID:     m.ThreadID,
		FromID:       m.Sender.ID,
		FromUsername: m.Sender.Username,
		Text:         m.Text,
		IsPrivate:    m.Chat.Type == tele.ChatPrivate,
		Date:         m.Time(),
		Caption:      m.Caption,
	}
	if p := m.Photo; p != nil && p.FileID != "" {
		out.Photo = &kit.Photo{FileID: p.FileID, UniqueID: p.UniqueID, Width: p.Width, Height: p.Height}
	}
	return out
}

// Start begins long polling into out. A second call is a no-op.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup != nil {
		return nil
	}
	a.inbox.Store(&out)
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log))
	a.sup = sup

	sup.Go0("updates.drops", func(c context.Context) {
		t := time.NewTicker(dropReportEvery)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDrops(cap(out))
				return
			case <-t.C:
				a.reportDrops(cap(out))
			}
		}
	})
	sup.Go0("telebot.stop", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// bot.Start blocks until bot.Stop; an early return is restarted.
	sup.GoRestart("telebot.poll", func(context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) reportDrops(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

// Stop ends polling. A getUpdates call in flight is abandoned after a short
// grace period.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.sup = nil
	a.mu.Unlock()
	a.inbox.Store(nil)
	if sup == nil {
		return nil
	}
	a.log.Info("stopping")
	sup.Cancel()

	wctx, cancel := context.WithTimeout(ctx, stopGrace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		a.log.Warn("telegram stop incomplete", logx.Err(err))
	}
	return nil
}

const telegramTextLimit = 4000

// splitText splits long replies into chunks Telegram accepts. It prefers
// newline boundaries and, in HTML mode, avoids cutting inside a tag.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// SendText replies to an operator chat. Long text is split; the first message is returned.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range splitText(text, telegramTextLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             tele.ParseMode(opt.ParseMode),
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// UpdateMenuCommands sets the bot command menu, skipping the call when the
// list is unchanged.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	list := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := cmp.Or(c.Description, c.Command)
		if len(d) > 256 {
			d = d[:256]
		}
		list = append(list, tele.Command{Text: c.Command, Description: d})
	}
	list = list[:min(len(list), 100)]

	a.menuMu.Lock()
	defer a.menuMu.Unlock()
	same := slices.EqualFunc(a.menu, list, func(x, y tele.Command) bool {
		return x.Text == y.Text && x.Description == y.Description
	})
	if a.menu != nil && same {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(list); err != nil {
		return err
	}
	a.menu = list
	a.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}
