package adapter

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"slotpost/internal/queue"
	logx "slotpost/pkg/logx"
)

func TestSplitText(t *testing.T) {
	t.Parallel()
	if got := splitText("short", 10, ""); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text = %q", got)
	}

	long := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitText(long, 10, "")
	if len(got) != 2 || got[0] != strings.Repeat("a", 6) || got[1] != strings.Repeat("b", 6) {
		t.Fatalf("newline split = %q", got)
	}

	html := strings.Repeat("x", 8) + "<b>bold</b>"
	got = splitText(html, 10, "HTML")
	if strings.Contains(got[0], "<") {
		t.Fatalf("chunk split inside tag: %q", got)
	}
	if strings.Join(got, "") != html {
		t.Fatalf("chunks lost text: %q", got)
	}
}

func TestToMessage(t *testing.T) {
	t.Parallel()
	if toMessage(nil) != nil || toMessage(&tele.Message{Chat: &tele.Chat{ID: 1}}) != nil {
		t.Fatal("messages without chat or sender should be ignored")
	}
	m := toMessage(&tele.Message{
		ID:       11,
		Unixtime: time.Date(2026, 6, 10, 9, 0, 0, 0, time.UTC).Unix(),
		Chat:     &tele.Chat{ID: 42, Type: tele.ChatPrivate},
		Sender:   &tele.User{ID: 7, Username: "owner"},
		Caption:  "sunset",
		Photo:    &tele.Photo{File: tele.File{FileID: "AgAD", UniqueID: "u1"}, Width: 1280, Height: 720},
	})
	if m == nil || !m.IsPrivate || m.FromID != 7 || m.ChatID != 42 || m.Caption != "sunset" {
		t.Fatalf("message = %+v", m)
	}
	if m.Photo == nil || m.Photo.FileID != "AgAD" || m.Photo.Width != 1280 {
		t.Fatalf("photo = %+v", m.Photo)
	}
	if !m.Date.Equal(time.Date(2026, 6, 10, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("date = %s", m.Date)
	}
}

func TestParseChannel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "@slotpost", want: "@slotpost"},
		{in: "slotpost", want: "@slotpost"},
		{in: "-1001234567890", want: "-1001234567890"},
		{in: "", wantErr: true},
		{in: "@bad name", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			r, err := ParseChannel(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseChannel(%q) should fail", tt.in)
				}
				return
			}
			if err != nil || r.Recipient() != tt.want {
				t.Fatalf("ParseChannel(%q) = %v, %v", tt.in, r, err)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	if Classify(nil) != nil {
		t.Fatal("nil error should stay nil")
	}

	var rl *queue.RateLimitedError
	if err := Classify(tele.FloodError{RetryAfter: 12}); !errors.As(err, &rl) || rl.RetryAfter != 12*time.Second {
		t.Fatalf("flood: %#v", err)
	}

	tests := []struct {
		name string
		err  error
		auth bool
	}{
		{name: "401", err: &tele.Error{Code: 401, Description: "Unauthorized"}, auth: true},
		{name: "403", err: &tele.Error{Code: 403, Description: "Forbidden: bot is not a member of the channel chat"}, auth: true},
		{name: "chat not found", err: &tele.Error{Code: 400, Description: "Bad Request: chat not found"}, auth: true},
		{name: "bad request", err: &tele.Error{Code: 400, Description: "Bad Request: message text is empty"}},
		{name: "server", err: &tele.Error{Code: 502, Description: "Bad Gateway"}},
		{name: "network", err: errors.New("dial tcp: i/o timeout")},
		{name: "plain forbidden", err: errors.New("telegram: Forbidden: bot was kicked from the channel chat (403)"), auth: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Classify(tt.err)
			if errors.Is(got, queue.ErrAuthorizationFailed) != tt.auth {
				t.Fatalf("Classify(%v) = %v, auth want %v", tt.err, got, tt.auth)
			}
			var te *queue.TransientError
			if !tt.auth && !errors.As(got, &te) {
				t.Fatalf("Classify(%v) = %T, want transient", tt.err, got)
			}
		})
	}
}

type fakeSender struct {
	to   string
	what interface{}
	opts []interface{}
	msg  *tele.Message
	err  error
}

func (f *fakeSender) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	f.to, f.what, f.opts = to.Recipient(), what, opts
	return f.msg, f.err
}

func TestPublisher(t *testing.T) {
	t.Parallel()
	s := &fakeSender{msg: &tele.Message{ID: 321}}
	p, err := NewPublisher(s, PublisherConfig{Channel: "@slotpost", ParseMode: "HTML", MinInterval: time.Millisecond}, logx.Nop())
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	ctx := context.Background()

	res, err := p.Publish(ctx, queue.Item{ID: 1, Payload: queue.Payload{Kind: queue.KindText, Text: "hello"}})
	if err != nil || res.Ref != "321" {
		t.Fatalf("text publish = %+v, %v", res, err)
	}
	if s.to != "@slotpost" || s.what != "hello" {
		t.Fatalf("sent %v to %s", s.what, s.to)
	}
	if o, ok := s.opts[0].(*tele.SendOptions); !ok || o.ParseMode != "HTML" {
		t.Fatalf("options = %#v", s.opts)
	}

	if _, err := p.Publish(ctx, queue.Item{ID: 2, Payload: queue.Payload{Kind: queue.KindPhoto, FileID: "AgAD", Caption: "c"}}); err != nil {
		t.Fatalf("photo publish: %v", err)
	}
	if ph, ok := s.what.(*tele.Photo); !ok || ph.FileID != "AgAD" || ph.Caption != "c" {
		t.Fatalf("photo payload = %#v", s.what)
	}

	s.err = &tele.Error{Code: 403, Description: "Forbidden"}
	if _, err := p.Publish(ctx, queue.Item{ID: 3, Payload: queue.Payload{Kind: queue.KindText, Text: "x"}}); !errors.Is(err, queue.ErrAuthorizationFailed) {
		t.Fatalf("err = %v, want authorization failure", err)
	}
}

// gatedSender blocks every Send until gate is closed and records how many
// sends overlapped.
type gatedSender struct {
	gate   chan struct{}
	calls  atomic.Int32
	active atomic.Int32
	peak   atomic.Int32
}

func (g *gatedSender) Send(tele.Recipient, interface{}, ...interface{}) (*tele.Message, error) {
	n := g.calls.Add(1)
	cur := g.active.Add(1)
	for {
		p := g.peak.Load()
		if cur <= p || g.peak.CompareAndSwap(p, cur) {
			break
		}
	}
	<-g.gate
	g.active.Add(-1)
	return &tele.Message{ID: int(n)}, nil
}

func TestPublisherSingleFlightAfterTimeout(t *testing.T) {
	t.Parallel()
	s := &gatedSender{gate: make(chan struct{})}
	p, err := NewPublisher(s, PublisherConfig{Channel: "@slotpost", MinInterval: time.Millisecond}, logx.Nop())
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	item := queue.Item{ID: 1, Payload: queue.Payload{Kind: queue.KindText, Text: "hello"}}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	_, err = p.Publish(ctx, item)
	cancel()
	var te *queue.TransientError
	if !errors.As(err, &te) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("timed out publish = %v, want transient deadline error", err)
	}

	// the first send is still blocked; the next publish must not start another
	ctx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
	_, err = p.Publish(ctx, item)
	cancel()
	if !errors.As(err, &te) || !errors.Is(err, errSendInFlight) {
		t.Fatalf("overlapping publish = %v, want transient in-flight error", err)
	}
	if got := s.calls.Load(); got != 1 {
		t.Fatalf("sends = %d, want 1 while the first is in flight", got)
	}

	close(s.gate)
	res, err := p.Publish(context.Background(), item)
	if err != nil || res.Ref != "2" {
		t.Fatalf("publish after release = %+v, %v", res, err)
	}
	if got := s.peak.Load(); got != 1 {
		t.Fatalf("peak concurrent sends = %d, want 1", got)
	}
}

func TestHTTPClientTimeout(t *testing.T) {
	t.Parallel()
	if c := httpClient(Config{}, 10*time.Second); c != nil {
		t.Fatalf("zero send timeout should keep the default client, got %v", c.Timeout)
	}
	if c := httpClient(Config{SendTimeout: 30 * time.Second}, 10*time.Second); c == nil || c.Timeout != 30*time.Second {
		t.Fatalf("client = %+v, want 30s timeout", c)
	}
	// long polling still needs room above the poll timeout
	if c := httpClient(Config{SendTimeout: 5 * time.Second}, 10*time.Second); c == nil || c.Timeout != 10*time.Second+pollSlack {
		t.Fatalf("client = %+v, want poll timeout plus slack", c)
	}
}
