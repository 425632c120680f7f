package ingestion_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/event"
	"PoolLedger/internal/ingestion"
	"PoolLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// ============================================================================
// Integration: NATS JetStream
// ============================================================================

func connectTestNATS(t *testing.T) jetstream.JetStream {
	t.Helper()
	testutil.RequireIntegration(t)

	nc, js, err := ingestion.ConnectNATS(testutil.TestNATSURL(), zerolog.Nop())
	if err != nil {
		t.Skipf("test nats not available: %v", err)
	}
	t.Cleanup(nc.Close)
	return js
}

// uniqueAsset keeps runs apart on the shared streams.
func uniqueAsset() string {
	return fmt.Sprintf("T%d", time.Now().UnixNano())
}

func TestSubscriber_DeliversCommands(t *testing.T) {
	js := connectTestNATS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := ingestion.EnsureStreams(ctx, js, zerolog.Nop()); err != nil {
		t.Fatalf("ensure streams: %v", err)
	}

	cmdChan := make(chan ingestion.RawCommand, 16)
	sub := ingestion.NewNATSSubscriber(js, cmdChan, zerolog.Nop())
	if err := sub.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Stop()

	asset := uniqueAsset()
	requestID := uuid.NewString()
	body, _ := json.Marshal(map[string]string{
		"request_id": requestID,
		"principal":  principalID,
		"asset":      asset,
		"amount":     "42",
	})
	if _, err := js.Publish(ctx, ingestion.CommandSubject(core.OpBorrow, asset), body); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			t.Fatal("command not delivered")
		case raw := <-cmdChan:
			// leftovers from earlier runs are acked and skipped
			raw.AckFunc()
			req, err := ingestion.ParseCommand(raw)
			if err != nil || req.RequestID != requestID {
				continue
			}
			if req.Op != core.OpBorrow || req.Asset != asset || req.Amount.Uint64() != 42 {
				t.Errorf("got %+v", req)
			}
			return
		}
	}
}

func TestSubscriber_KeysCommandByMessageID(t *testing.T) {
	js := connectTestNATS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := ingestion.EnsureStreams(ctx, js, zerolog.Nop()); err != nil {
		t.Fatalf("ensure streams: %v", err)
	}

	cmdChan := make(chan ingestion.RawCommand, 16)
	sub := ingestion.NewNATSSubscriber(js, cmdChan, zerolog.Nop())
	if err := sub.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Stop()

	asset := uniqueAsset()
	msgID := uuid.NewString()
	body, _ := json.Marshal(map[string]string{
		"principal": principalID,
		"asset":     asset,
		"amount":    "7",
	})
	if _, err := js.Publish(ctx, ingestion.CommandSubject(core.OpSupply, asset), body, jetstream.WithMsgID(msgID)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			t.Fatal("command not delivered")
		case raw := <-cmdChan:
			raw.AckFunc()
			if raw.MsgID != msgID {
				continue
			}
			req, err := ingestion.ParseCommand(raw)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if req.RequestID != msgID {
				t.Errorf("request id: got %q, want %q", req.RequestID, msgID)
			}
			return
		}
	}
}

func TestOutboundPublisher_DeduplicatesBySequence(t *testing.T) {
	js := connectTestNATS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := ingestion.EnsureOutboundStream(ctx, js, zerolog.Nop()); err != nil {
		t.Fatalf("ensure outbound stream: %v", err)
	}

	asset := uniqueAsset()
	base := time.Now().UnixNano()
	output := func(seq int64) core.CoreOutput {
		return core.CoreOutput{Envelope: &event.EventEnvelope{
			Sequence:  seq,
			EventType: event.EventTypeDeposit,
			Asset:     asset,
			Payload:   []byte(`{}`),
			Timestamp: time.Now().UTC(),
		}}
	}

	in := make(chan core.CoreOutput, 3)
	in <- output(base)
	in <- output(base) // republished after a restart
	in <- output(base + 1)
	close(in)
	if err := ingestion.NewOutboundPublisher(js, in, zerolog.Nop()).Run(ctx); err != nil {
		t.Fatalf("publisher: %v", err)
	}

	cons, err := js.OrderedConsumer(ctx, "POOL_LEDGER_EVENTS", jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{"pool.ledger.events.Deposit." + asset},
	})
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	batch, err := cons.Fetch(10, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	var seqs []int64
	for msg := range batch.Messages() {
		var pe ingestion.PublishableEvent
		if err := json.Unmarshal(msg.Data(), &pe); err != nil {
			t.Fatalf("decode: %v", err)
		}
		seqs = append(seqs, pe.Sequence)
	}
	if len(seqs) != 2 || seqs[0] != base || seqs[1] != base+1 {
		t.Errorf("got sequences %v, want [%d %d]", seqs, base, base+1)
	}
}
