package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"slotpost/internal/dispatch"
	"slotpost/internal/queue"
	logx "slotpost/pkg/logx"
)

// Sender is the part of *tele.Bot the publisher needs.
type Sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type PublisherConfig struct {
	// Channel is "@username" or a numeric chat id.
	Channel        string
	ParseMode      string
	DisablePreview bool
	// MinInterval spaces consecutive posts; zero means one per second.
	MinInterval time.Duration
}

// channelName addresses a public channel by username.
type channelName string

func (c channelName) Recipient() string { return string(c) }

// ParseChannel turns a configured channel reference into a recipient.
func ParseChannel(s string) (tele.Recipient, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("channel is empty")
	}
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return &tele.Chat{ID: id}, nil
	}
	if !strings.HasPrefix(s, "@") {
		s = "@" + s
	}
	if len(s) < 2 || strings.ContainsAny(s[1:], " @/") {
		return nil, fmt.Errorf("invalid channel %q", s)
	}
	return channelName(s), nil
}

// errSendInFlight means an abandoned send has not returned yet.
var errSendInFlight = errors.New("previous send still in flight")

// Publisher posts queue items to the target channel.
type Publisher struct {
	send    Sender
	to      tele.Recipient
	cfg     PublisherConfig
	limiter *rate.Limiter
	log     logx.Logger

	// inflight holds one token while Sender.Send runs. A publish that gives
	// up waiting leaves the token with the send goroutine, which returns it
	// only when Send does, so at most one send reaches the channel at a time.
	inflight chan struct{}
}

var _ dispatch.Publisher = (*Publisher)(nil)

func NewPublisher(send Sender, cfg PublisherConfig, log logx.Logger) (*Publisher, error) {
	if send == nil {
		return nil, errors.New("publisher: nil sender")
	}
	to, err := ParseChannel(cfg.Channel)
	if err != nil {
		return nil, fmt.Errorf("publisher: %w", err)
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Publisher{
		send:    send,
		to:      to,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		log:     log.With(logx.String("comp", "telegram.publisher"), logx.String("channel", to.Recipient())),

		inflight: make(chan struct{}, 1),
	}, nil
}

// Publish sends the payload and returns the channel message id as the ref.
// Errors are classified for the dispatcher. When ctx ends before an earlier,
// abandoned send has returned, Publish fails as transient without sending.
func (p *Publisher) Publish(ctx context.Context, it queue.Item) (dispatch.PublishResult, error) {
	select {
	case p.inflight <- struct{}{}:
	case <-ctx.Done():
		p.log.Warn("publish skipped", logx.Int64("item_id", it.ID), logx.Err(errSendInFlight))
		return dispatch.PublishResult{}, &queue.TransientError{Err: fmt.Errorf("%w: %w", errSendInFlight, ctx.Err())}
	}
	release := func() { <-p.inflight }

	if err := p.limiter.Wait(ctx); err != nil {
		release()
		return dispatch.PublishResult{}, &queue.TransientError{Err: err}
	}

	opts := &tele.SendOptions{
		ParseMode:             tele.ParseMode(p.cfg.ParseMode),
		DisableWebPagePreview: p.cfg.DisablePreview,
	}
	var what interface{}
	switch it.Payload.Kind {
	case queue.KindText:
		what = it.Payload.Text
	case queue.KindPhoto:
		what = &tele.Photo{File: tele.File{FileID: it.Payload.FileID}, Caption: it.Payload.Caption}
	default:
		release()
		return dispatch.PublishResult{}, fmt.Errorf("unsupported payload kind %q", it.Payload.Kind)
	}

	type result struct {
		msg *tele.Message
		err error
	}
	// telebot has no context support; give up waiting when ctx expires.
	done := make(chan result, 1)
	go func() {
		defer release()
		msg, err := p.send.Send(p.to, what, opts)
		done <- result{msg: msg, err: err}
	}()

	select {
	case <-ctx.Done():
		p.log.Warn("publish timed out", logx.Int64("item_id", it.ID), logx.Err(ctx.Err()))
		return dispatch.PublishResult{}, &queue.TransientError{Err: ctx.Err()}
	case r := <-done:
		if r.err != nil {
			return dispatch.PublishResult{}, Classify(r.err)
		}
		ref := ""
		if r.msg != nil {
			ref = strconv.Itoa(r.msg.ID)
		}
		return dispatch.PublishResult{Ref: ref}, nil
	}
}

// Descriptions that mean the bot can no longer post to the channel.
var authMarkers = []string{
	"unauthorized",
	"forbidden",
	"chat not found",
	"not enough rights",
	"need administrator rights",
	"bot was kicked",
	"chat_write_forbidden",
	"group chat was upgraded",
}

// Classify maps a Bot API error to the queue error taxonomy.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &queue.RateLimitedError{RetryAfter: time.Duration(flood.RetryAfter) * time.Second, Err: err}
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return queue.AuthError(err)
		case http.StatusTooManyRequests:
			return &queue.RateLimitedError{RetryAfter: time.Second, Err: err}
		}
		if hasAuthMarker(apiErr.Description) {
			return queue.AuthError(err)
		}
		return &queue.TransientError{Err: err}
	}
	if hasAuthMarker(err.Error()) {
		return queue.AuthError(err)
	}
	return &queue.TransientError{Err: err}
}

func hasAuthMarker(s string) bool {
	s = strings.ToLower(s)
	for _, m := range authMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
