package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type entryPayload struct {
	Source   string            `json:"source"`
	Level    string            `json:"level"`
	Message  string            `json:"message"`
	Time     time.Time         `json:"time"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Sender posts log entries to a collector from a bounded queue. Entries are
// dropped when the queue is full so logging never blocks the caller.
type Sender struct {
	baseURL string
	apiKey  string
	source  string
	client  *http.Client
	ch      chan entryPayload
	done    chan struct{}
	once    sync.Once
}

func NewSender(baseURL, apiKey, source string) *Sender {
	return &Sender{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		source:  source,
		client:  &http.Client{Timeout: 3 * time.Second},
		ch:      make(chan entryPayload, 200),
		done:    make(chan struct{}),
	}
}

func (s *Sender) Start() {
	go func() {
		defer close(s.done)
		for payload := range s.ch {
			s.post(payload)
		}
	}()
}

// Stop drains what is queued and waits for the sender goroutine.
func (s *Sender) Stop() {
	s.once.Do(func() {
		close(s.ch)
		<-s.done
	})
}

func (s *Sender) post(payload entryPayload) {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequest(http.MethodPost, s.baseURL+"/v1/logs", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return
	}
	_ = resp.Body.Close()
}

// Tee returns logger with an extra core that forwards entries to s.
func Tee(logger *zap.Logger, s *Sender, level zapcore.LevelEnabler) *zap.Logger {
	sink := &sinkCore{level: level, sender: s}
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, sink)
	}))
}

type sinkCore struct {
	level  zapcore.LevelEnabler
	fields []zapcore.Field
	sender *Sender
}

func (c *sinkCore) Enabled(level zapcore.Level) bool {
	return c.level.Enabled(level)
}

func (c *sinkCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = append(append([]zapcore.Field(nil), c.fields...), fields...)
	return &clone
}

func (c *sinkCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return checked.AddCore(entry, c)
	}
	return checked
}

func (c *sinkCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	metadata := make(map[string]string, len(enc.Fields))
	for k, v := range enc.Fields {
		metadata[k] = fmt.Sprint(v)
	}
	payload := entryPayload{
		Source:   c.sender.source,
		Level:    entry.Level.String(),
		Message:  entry.Message,
		Time:     entry.Time,
		Metadata: metadata,
	}
	select {
	case c.sender.ch <- payload:
	default:
	}
	return nil
}

func (c *sinkCore) Sync() error { return nil }
