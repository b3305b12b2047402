// Package natsintake feeds change events published on NATS into the
// automation dispatcher. Each message body is a change event in the same
// JSON shape the webhook accepts; request/reply callers get the same
// response document back.
package natsintake

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/liamcoop/automations/automation"
	"github.com/liamcoop/automations/internal/logger"
)

// Processor handles one change event
type Processor interface {
	Process(ctx context.Context, event *automation.ChangeEvent) *automation.ProcessResult
}

// Subscriber consumes change events from a NATS subject. Members of the
// same queue group share the subject's messages.
type Subscriber struct {
	conn      *nats.Conn
	processor Processor
	subject   string
	queue     string

	sub *nats.Subscription
	ctx context.Context
	mu  sync.Mutex
}

// NewSubscriber creates a subscriber; call Start to begin consuming
func NewSubscriber(conn *nats.Conn, processor Processor, subject, queue string) *Subscriber {
	return &Subscriber{
		conn:      conn,
		processor: processor,
		subject:   subject,
		queue:     queue,
	}
}

// Start subscribes to the subject. Messages are handled until ctx is done
// or Stop is called; ctx is passed to every Process call.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sub != nil {
		return fmt.Errorf("subscriber for %s already started", s.subject)
	}

	s.ctx = ctx
	sub, err := s.conn.QueueSubscribe(s.subject, s.queue, s.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.subject, err)
	}
	s.sub = sub

	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()

	logger.Info("NATS intake subscribed", "subject", s.subject, "queue", s.queue)
	return nil
}

// Stop drains the subscription, letting in-flight messages finish
func (s *Subscriber) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sub == nil {
		return nil
	}
	err := s.sub.Drain()
	s.sub = nil
	if err != nil {
		return fmt.Errorf("failed to drain subscription: %w", err)
	}
	return nil
}

func (s *Subscriber) handle(msg *nats.Msg) {
	event, err := automation.DecodeChangeEvent(msg.Data)
	var result *automation.ProcessResult
	if err != nil {
		logger.Warn("Rejected NATS change event", "subject", msg.Subject, "error", err)
		result = &automation.ProcessResult{Status: automation.StatusFailed, Err: err}
	} else {
		result = s.processor.Process(s.ctx, event)
	}

	if msg.Reply == "" {
		return
	}

	body, err := json.Marshal(result.Body())
	if err != nil {
		logger.Error("Failed to encode NATS reply", "subject", msg.Subject, "error", err)
		return
	}
	if err := msg.Respond(body); err != nil {
		logger.Warn("Failed to send NATS reply", "subject", msg.Subject, "error", err)
	}
}
