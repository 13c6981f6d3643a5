package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	kit "slotpost/internal/transport"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

type TelegramConfig struct {
	Enabled    bool
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

// Sender is the part of the transport adapter the chat sink needs.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// Service owns the sinks. Apply rebuilds them; every Logger derived from
// the Service follows.
type Service struct {
	root atomic.Pointer[zerolog.Logger]
	chat *chatSink

	mu   sync.Mutex
	file *os.File
}

var globalsOnce sync.Once

func setGlobals() {
	globalsOnce.Do(func() {
		zerolog.TimeFieldFormat = timeFormat
		zerolog.ErrorFieldName = "err"
	})
}

// New applies cfg and returns the service with its root logger.
func New(cfg Config, sender Sender) (*Service, Logger) {
	setGlobals()
	s := &Service{chat: newChatSink(sender)}
	boot := build(parseLevel(cfg.Level, zerolog.InfoLevel), newConsoleWriter(Stdout()))
	s.root.Store(&boot)
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) Logger() Logger { return Logger{root: s.current} }

func (s *Service) current() zerolog.Logger { return *s.root.Load() }

// SetTelegramTarget points the chat sink at a chat and optional forum
// thread. chatID 0 mutes it.
func (s *Service) SetTelegramTarget(chatID int64, threadID int) {
	s.chat.setTarget(chatID, threadID)
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, newConsoleWriter(Stdout()))
	}
	var file *os.File
	if cfg.File.Enabled {
		f, err := openLogFile(cfg.File.Path)
		if err != nil {
			fmt.Fprintf(Stderr(), "logx: %v\n", err)
		} else {
			file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	s.chat.configure(cfg.Telegram)
	if cfg.Telegram.Enabled {
		writers = append(writers, s.chat)
	}
	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(Stdout()))
	}

	zl := build(parseLevel(cfg.Level, zerolog.InfoLevel), writers...)
	s.root.Store(&zl)
	// the old root may still be mid-write; close its file only after the swap
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = file
}

func (s *Service) Close() error {
	s.chat.stop()
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "./slotpost.log"
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

func build(level zerolog.Level, writers ...io.Writer) zerolog.Logger {
	var w io.Writer = writers[0]
	if len(writers) > 1 {
		w = zerolog.MultiLevelWriter(writers...)
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// newConsoleWriter renders the comp field as a "[comp]" message prefix.
func newConsoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: timeFormat,
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
		FormatPrepare: func(evt map[string]any) error {
			comp, _ := evt["comp"].(string)
			if comp == "" {
				return nil
			}
			msg, _ := evt[zerolog.MessageFieldName].(string)
			evt[zerolog.MessageFieldName] = "[" + comp + "] " + msg
			delete(evt, "comp")
			return nil
		},
	}
}

func Stdout() io.Writer { return os.Stdout }

func Stderr() io.Writer { return os.Stderr }
