package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"slotpost/internal/eventbus"
	"slotpost/internal/queue"
	kit "slotpost/internal/transport"
	logx "slotpost/pkg/logx"
)

type memEnqueuer struct {
	items  []queue.NewItem
	tokens map[string]int64
}

func (m *memEnqueuer) Enqueue(_ context.Context, in queue.NewItem) (queue.Item, bool, error) {
	if in.DedupToken != "" {
		if id, ok := m.tokens[in.DedupToken]; ok {
			return queue.Item{ID: id, State: queue.StatePending}, true, nil
		}
	}
	m.items = append(m.items, in)
	id := int64(len(m.items))
	if in.DedupToken != "" {
		m.tokens[in.DedupToken] = id
	}
	return queue.Item{ID: id, Payload: in.Payload, CreatedAt: in.CreatedAt, State: queue.StatePending}, false, nil
}

func TestFromMessage(t *testing.T) {
	t.Parallel()
	date := time.Date(2026, 6, 10, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		msg     *kit.Message
		want    queue.Payload
		wantErr error
	}{
		{
			name: "text",
			msg:  &kit.Message{ID: 5, ChatID: 42, Text: "  hello  ", Date: date},
			want: queue.Payload{Kind: queue.KindText, Text: "hello"},
		},
		{
			name: "photo",
			msg:  &kit.Message{ID: 6, ChatID: 42, Photo: &kit.Photo{FileID: "AgAD"}, Caption: "look", Date: date},
			want: queue.Payload{Kind: queue.KindPhoto, FileID: "AgAD", Caption: "look"},
		},
		{name: "empty", msg: &kit.Message{ID: 7, ChatID: 42}, wantErr: ErrUnsupported},
		{name: "nil", wantErr: ErrUnsupported},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sub, err := FromMessage(tt.msg)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("FromMessage: %v", err)
			}
			if sub.Payload != tt.want {
				t.Fatalf("payload = %+v, want %+v", sub.Payload, tt.want)
			}
			if !strings.HasPrefix(sub.Token, "tg:42:") || !sub.ReceivedAt.Equal(date) {
				t.Fatalf("submission = %+v", sub)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		p    queue.Payload
		want error
	}{
		{name: "ok text", p: queue.Payload{Kind: queue.KindText, Text: "x"}},
		{name: "blank text", p: queue.Payload{Kind: queue.KindText, Text: "  "}, want: ErrEmptyPayload},
		{name: "long text", p: queue.Payload{Kind: queue.KindText, Text: strings.Repeat("я", MaxTextRunes+1)}, want: ErrPayloadTooLarge},
		{name: "max text", p: queue.Payload{Kind: queue.KindText, Text: strings.Repeat("я", MaxTextRunes)}},
		{name: "photo no file", p: queue.Payload{Kind: queue.KindPhoto}, want: ErrEmptyPayload},
		{name: "long caption", p: queue.Payload{Kind: queue.KindPhoto, FileID: "f", Caption: strings.Repeat("a", MaxCaptionRunes+1)}, want: ErrPayloadTooLarge},
		{name: "unknown", p: queue.Payload{Kind: "video"}, want: ErrUnsupported},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(tt.p)
			if tt.want == nil && err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSubmitDedupAndEvents(t *testing.T) {
	t.Parallel()
	store := &memEnqueuer{tokens: map[string]int64{}}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	a := New(store, nil, bus, logx.Nop())

	msg := &kit.Message{ID: 9, ChatID: 1, Text: "hi", Date: time.Now()}
	sub, err := FromMessage(msg)
	if err != nil {
		t.Fatalf("FromMessage: %v", err)
	}
	first, dup, err := a.Submit(context.Background(), sub)
	if err != nil || dup {
		t.Fatalf("first Submit: dup=%v err=%v", dup, err)
	}
	again, dup, err := a.Submit(context.Background(), sub)
	if err != nil || !dup || again.ID != first.ID {
		t.Fatalf("redelivery: id=%d dup=%v err=%v", again.ID, dup, err)
	}
	if len(store.items) != 1 {
		t.Fatalf("enqueued %d items, want 1", len(store.items))
	}
	if e := <-events; e.Type != eventbus.TypeEnqueued {
		t.Fatalf("event = %s", e.Type)
	}
	select {
	case e := <-events:
		t.Fatalf("unexpected event for duplicate: %s", e.Type)
	default:
	}

	if _, _, err := a.Submit(context.Background(), Submission{Payload: queue.Payload{Kind: queue.KindText}}); !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("empty submit err = %v", err)
	}
}

func TestAllowed(t *testing.T) {
	t.Parallel()
	a := New(&memEnqueuer{}, nil, nil, logx.Nop())
	if !a.Allowed(&kit.Message{FromID: 5, IsPrivate: true}) {
		t.Fatal("empty owner list should allow private chats")
	}
	if a.Allowed(&kit.Message{FromID: 5}) {
		t.Fatal("empty owner list should reject group chats")
	}
	a.SetOwners([]int64{7})
	if a.Allowed(&kit.Message{FromID: 5, IsPrivate: true}) || !a.Allowed(&kit.Message{FromID: 7}) {
		t.Fatal("owner list not enforced")
	}
}
