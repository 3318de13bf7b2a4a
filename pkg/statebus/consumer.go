// Package statebus carries policy decisions from the detection side into
// the command pipeline.
package statebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"ransomeye/pkg/denial"
	"ransomeye/pkg/metrics"
	"ransomeye/pkg/models"
)

type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
}

// Consumer delivers messages in partition order. Commit acknowledges a
// message after it has been handled.
type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Commit(ctx context.Context, msg Message) error
	Close() error
}

// DecisionHandler runs one decision through the pipeline. A denial is a
// normal outcome and is only logged.
type DecisionHandler func(ctx context.Context, d models.PolicyDecision) error

// DecisionConsumer reads PolicyDecision messages and hands each to Handle.
// A decision without an idempotency token gets one derived from its topic
// position, so a redelivered message is refused as a replay instead of
// issuing a second command.
type DecisionConsumer struct {
	Consumer Consumer
	Handle   DecisionHandler
	Metrics  *metrics.Registry
	Logf     func(format string, args ...any)
	// Backoff is the pause after a read error.
	Backoff time.Duration
}

func (c *DecisionConsumer) logf(format string, args ...any) {
	if c.Logf != nil {
		c.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Decode parses a message into a decision and fills the derived token.
func Decode(msg Message) (models.PolicyDecision, error) {
	var d models.PolicyDecision
	if err := json.Unmarshal(msg.Value, &d); err != nil {
		return d, fmt.Errorf("decode decision: %w", err)
	}
	if strings.TrimSpace(d.RecommendedAction) == "" || strings.TrimSpace(d.TargetID) == "" {
		return d, errors.New("decision needs recommended_action and target_id")
	}
	if strings.TrimSpace(d.IdempotencyToken) == "" {
		d.IdempotencyToken = fmt.Sprintf("bus:%s:%d:%d", msg.Topic, msg.Partition, msg.Offset)
	}
	return d, nil
}

// Run consumes until ctx is cancelled. It returns nil on cancellation.
func (c *DecisionConsumer) Run(ctx context.Context) error {
	if c.Consumer == nil || c.Handle == nil {
		return errors.New("statebus: consumer and handler required")
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}
	for {
		msg, err := c.Consumer.ReadMessage(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.logf("statebus read failed: %v", err)
			c.Metrics.IncStage("INTAKE", "READ_ERROR", "")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}
		c.process(ctx, msg)
		if err := c.Consumer.Commit(ctx, msg); err != nil && ctx.Err() == nil {
			c.logf("statebus commit topic=%s partition=%d offset=%d failed: %v", msg.Topic, msg.Partition, msg.Offset, err)
			c.Metrics.IncStage("INTAKE", "COMMIT_ERROR", "")
		}
	}
}

func (c *DecisionConsumer) process(ctx context.Context, msg Message) {
	d, err := Decode(msg)
	if err != nil {
		c.logf("statebus drop topic=%s partition=%d offset=%d: %v", msg.Topic, msg.Partition, msg.Offset, err)
		c.Metrics.IncStage("INTAKE", "DROPPED", string(denial.SchemaInvalid))
		return
	}
	if err := c.Handle(ctx, d); err != nil {
		code := denial.CodeOf(err)
		if code == "" {
			c.logf("statebus decision incident=%s action=%s failed: %v", d.IncidentID, d.RecommendedAction, err)
			c.Metrics.IncStage("INTAKE", "ERROR", "")
			return
		}
		c.logf("statebus decision incident=%s action=%s denied code=%s", d.IncidentID, d.RecommendedAction, code)
		c.Metrics.IncStage("INTAKE", "DENY", string(code))
		return
	}
	c.Metrics.IncStage("INTAKE", "ALLOW", "")
}
