package statebus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ransomeye/pkg/denial"
	"ransomeye/pkg/metrics"
	"ransomeye/pkg/models"
)

// chanConsumer replays a fixed script of reads, then blocks until ctx ends.
type chanConsumer struct {
	reads chan read

	mu        sync.Mutex
	committed []int64
	commitErr error
}

type read struct {
	msg Message
	err error
}

func (c *chanConsumer) ReadMessage(ctx context.Context) (Message, error) {
	select {
	case r := <-c.reads:
		return r.msg, r.err
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (c *chanConsumer) Commit(_ context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.commitErr != nil {
		return c.commitErr
	}
	c.committed = append(c.committed, msg.Offset)
	return nil
}

func (c *chanConsumer) commits() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.committed...)
}

func (c *chanConsumer) Close() error { return nil }

func TestDecodeDerivesToken(t *testing.T) {
	d, err := Decode(Message{Topic: "decisions", Partition: 1, Offset: 9,
		Value: []byte(`{"incident_id":"inc-1","recommended_action":"BLOCK_PROCESS","target_id":"h-1","confidence":0.9}`)})
	if err != nil {
		t.Fatal(err)
	}
	if d.IdempotencyToken != "bus:decisions:1:9" {
		t.Fatalf("token %q", d.IdempotencyToken)
	}
	d, _ = Decode(Message{Value: []byte(`{"recommended_action":"LOCK_USER","target_id":"u","idempotency_token":"given"}`)})
	if d.IdempotencyToken != "given" {
		t.Fatalf("explicit token replaced: %q", d.IdempotencyToken)
	}
	for _, bad := range []string{`{`, `{"target_id":"h"}`, `{"recommended_action":"BLOCK_PROCESS"}`} {
		if _, err := Decode(Message{Value: []byte(bad)}); err == nil {
			t.Fatalf("%s: expected decode error", bad)
		}
	}
}

func TestDecisionConsumerRun(t *testing.T) {
	src := &chanConsumer{reads: make(chan read, 8)}
	src.reads <- read{msg: Message{Offset: 1, Value: []byte(`{"incident_id":"i","recommended_action":"BLOCK_PROCESS","target_id":"h"}`)}}
	src.reads <- read{err: errors.New("broker gone")}
	src.reads <- read{msg: Message{Offset: 2, Value: []byte(`not json`)}}
	src.reads <- read{msg: Message{Offset: 3, Value: []byte(`{"incident_id":"i","recommended_action":"ISOLATE_HOST","target_id":"h"}`)}}

	var (
		mu   sync.Mutex
		seen []models.PolicyDecision
		done = make(chan struct{})
	)
	reg := metrics.NewRegistry()
	c := &DecisionConsumer{
		Consumer: src,
		Metrics:  reg,
		Backoff:  time.Millisecond,
		Logf:     func(string, ...any) {},
		Handle: func(_ context.Context, d models.PolicyDecision) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, d)
			if len(seen) == 2 {
				close(done)
				return denial.New("APPROVAL", denial.ApprovalRequired, "pending")
			}
			return nil
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not process decisions")
	}
	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("run returned %v on cancel", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0].IdempotencyToken != "bus::0:1" || seen[1].RecommendedAction != "ISOLATE_HOST" {
		t.Fatalf("unexpected decisions %+v", seen)
	}
	counts := map[string]int{}
	for _, s := range reg.Snapshot().Stages {
		counts[s.Outcome+"/"+s.Code] += int(s.Count)
	}
	if counts["ALLOW/"] != 1 || counts["DENY/APPROVAL_REQUIRED"] != 1 || counts["DROPPED/SCHEMA_INVALID"] != 1 || counts["READ_ERROR/"] != 1 {
		t.Fatalf("unexpected intake counts %v", counts)
	}
	// Dropped and denied messages are acknowledged too; only read errors are not.
	if got := src.commits(); len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("unexpected commits %v", got)
	}
}

func TestDecisionConsumerCountsCommitFailures(t *testing.T) {
	src := &chanConsumer{reads: make(chan read, 1), commitErr: errors.New("rebalance")}
	src.reads <- read{msg: Message{Offset: 7, Value: []byte(`{"recommended_action":"BLOCK_PROCESS","target_id":"h"}`)}}
	reg := metrics.NewRegistry()
	handled := make(chan struct{})
	c := &DecisionConsumer{
		Consumer: src,
		Metrics:  reg,
		Logf:     func(string, ...any) {},
		Handle: func(context.Context, models.PolicyDecision) error {
			close(handled)
			return nil
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()
	<-handled
	deadline := time.Now().Add(2 * time.Second)
	for {
		n := 0
		for _, s := range reg.Snapshot().Stages {
			if s.Outcome == "COMMIT_ERROR" {
				n += int(s.Count)
			}
		}
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("commit failure was not counted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-errc
}

func TestDecisionConsumerRequiresWiring(t *testing.T) {
	if err := (&DecisionConsumer{}).Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
