package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "slotpost/internal/transport"
)

const (
	chatLineLimit = 3500
	chatSendLimit = 10 * time.Second
)

type chatLine struct {
	to   kit.ChatTarget
	text string
}

// chatSink is a zerolog.LevelWriter that mirrors log lines into a Telegram
// chat. Writes never block: lines over the rate limit or beyond a full
// queue are dropped.
type chatSink struct {
	sender Sender
	lines  chan chatLine

	mu      sync.Mutex
	to      kit.ChatTarget
	min     zerolog.Level
	limiter *rate.Limiter
	cancel  context.CancelFunc
	done    chan struct{}
}

func newChatSink(sender Sender) *chatSink {
	return &chatSink{
		sender:  sender,
		lines:   make(chan chatLine, 256),
		min:     zerolog.WarnLevel,
		limiter: rate.NewLimiter(1, 1),
	}
}

func (c *chatSink) setTarget(chatID int64, threadID int) {
	c.mu.Lock()
	c.to.ChatID = chatID
	if threadID != 0 {
		c.to.ThreadID = threadID
	}
	c.mu.Unlock()
}

// configure applies cfg and starts the sender goroutine on first enable.
func (c *chatSink) configure(cfg TelegramConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.min = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	rps := max(cfg.RatePerSec, 1)
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.ThreadID != 0 {
		c.to.ThreadID = cfg.ThreadID
	}
	if cfg.Enabled && c.cancel == nil && c.sender != nil {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel, c.done = cancel, make(chan struct{})
		go c.run(ctx, c.done)
	}
}

func (c *chatSink) stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *chatSink) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
	for {
		select {
		case <-ctx.Done():
			return
		case l := <-c.lines:
			sctx, cancel := context.WithTimeout(ctx, chatSendLimit)
			_, _ = c.sender.SendText(sctx, l.to, l.text, opt)
			cancel()
		}
	}
}

func (c *chatSink) Write(p []byte) (int, error) {
	return c.WriteLevel(zerolog.InfoLevel, p)
}

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	to, floor, lim := c.to, c.min, c.limiter
	c.mu.Unlock()
	if to.ChatID == 0 || level < floor || !lim.Allow() {
		return len(p), nil
	}
	if text := formatTelegramLine(p); text != "" {
		select {
		case c.lines <- chatLine{to: to, text: text}:
		default:
		}
	}
	return len(p), nil
}

// formatTelegramLine renders one zerolog JSON line as compact HTML: the
// level and message, then the remaining keys sorted.
func formatTelegramLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(p), &m); err != nil {
		return html.EscapeString(clip(strings.TrimSpace(string(p)), chatLineLimit))
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "<b>%s</b> ", strings.ToUpper(lvl))
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(html.EscapeString(msg))

	delete(m, zerolog.TimestampFieldName)
	delete(m, zerolog.LevelFieldName)
	delete(m, zerolog.MessageFieldName)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		limit := 600
		if k == "stack" {
			limit = 900
		}
		fmt.Fprintf(&b, "\n<code>%s</code>=%s", html.EscapeString(k), html.EscapeString(clip(fmt.Sprint(m[k]), limit)))
	}
	return clip(b.String(), chatLineLimit)
}

func clip(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
