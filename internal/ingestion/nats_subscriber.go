package ingestion

import (
	"context"
	"fmt"
	"time"

	"PoolLedger/internal/core"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const commandStream = "POOL_COMMANDS"

// NATSSubscriber subscribes to the JetStream command subjects and hands
// each message to the dispatcher over cmdChan.
type NATSSubscriber struct {
	js        jetstream.JetStream
	cmdChan   chan<- RawCommand
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawCommand is a command message as received, before parsing.
type RawCommand struct {
	Subject   string
	Op        core.Op
	Data      []byte
	MsgID     string // stable across redeliveries of the same message
	Timestamp time.Time
	AckFunc   func() // processed (or already processed)
	NakFunc   func() // transient failure, redeliver
	TermFunc  func() // permanently invalid, never redeliver
}

// SubjectConfig binds one command subject to an operation.
type SubjectConfig struct {
	Subject      string
	Op           core.Op
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns one durable consumer per operation.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "pool.commands.supply.>", Op: core.OpSupply, ConsumerName: "ledger-supply", StreamName: commandStream},
		{Subject: "pool.commands.withdraw.>", Op: core.OpWithdraw, ConsumerName: "ledger-withdraw", StreamName: commandStream},
		{Subject: "pool.commands.borrow.>", Op: core.OpBorrow, ConsumerName: "ledger-borrow", StreamName: commandStream},
		{Subject: "pool.commands.repay.>", Op: core.OpRepay, ConsumerName: "ledger-repay", StreamName: commandStream},
	}
}

// CommandSubject is the subject a producer publishes op for asset on.
func CommandSubject(op core.Op, asset string) string {
	return fmt.Sprintf("pool.commands.%s.%s", op, asset)
}

func NewNATSSubscriber(js jetstream.JetStream, cmdChan chan<- RawCommand, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		cmdChan: cmdChan,
		logger:  logger,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		op := cfg.Op
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawCommand{
				Subject:   msg.Subject(),
				Op:        op,
				Data:      msg.Data(),
				MsgID:     messageID(msg),
				Timestamp: time.Now(),
				AckFunc:   func() { _ = msg.Ack() },
				NakFunc:   func() { _ = msg.Nak() },
				TermFunc:  func() { _ = msg.Term() },
			}

			select {
			case ns.cmdChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// messageID identifies msg independently of its delivery: the publisher's
// Nats-Msg-Id when set, the stream sequence otherwise.
func messageID(msg jetstream.Msg) string {
	if id := msg.Headers().Get(nats.MsgIdHdr); id != "" {
		return id
	}
	meta, err := msg.Metadata()
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s:%d", meta.Stream, meta.Sequence.Stream)
}

// EnsureStreams creates the command stream if it doesn't exist.
// WorkQueue retention: a command is gone once a consumer acks it.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       commandStream,
		Subjects:   []string{"pool.commands.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.WorkQueuePolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", commandStream, err)
	}
	logger.Info().Str("stream", commandStream).Msg("ensured stream")
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("poolledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
