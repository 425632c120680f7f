package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/persistence"

	"github.com/rs/zerolog"
)

// ErrSnapshotAhead means the newest snapshot covers outcomes the event
// log does not hold yet.
var ErrSnapshotAhead = errors.New("snapshot is ahead of the event log")

// recoverPool restores the latest verified snapshot, then replays the log
// from the outcome after it. Replay recomputes every state hash and fails
// on the first mismatch.
func recoverPool(ctx context.Context, pool *core.Pool, snapMgr *persistence.SnapshotManager, metrics *observability.Metrics, logger zerolog.Logger) error {
	start := time.Now()
	from := int64(0)

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load snapshot, replaying the full log")
		snap = nil
	}
	if snap != nil {
		st, err := snap.State()
		if err != nil {
			return fmt.Errorf("decode snapshot %d: %w", snap.Sequence, err)
		}
		if err := pool.RestoreFromSnapshot(ctx, st); err != nil {
			return fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
		}
		from = snap.Sequence + 1
		logger.Info().Int64("sequence", snap.Sequence).Msg("restored snapshot")
	} else {
		logger.Info().Msg("no snapshot found, cold start from sequence 0")
	}

	const page = 1000
	replayed := 0
	for {
		records, err := snapMgr.LoadReplay(ctx, from, page)
		if err != nil {
			return fmt.Errorf("load log from %d: %w", from, err)
		}
		if len(records) == 0 {
			break
		}
		n, err := pool.Replay(ctx, records)
		replayed += n
		if err != nil {
			return fmt.Errorf("replay from %d: %w", from, err)
		}
		from = records[len(records)-1].Envelope.Sequence + 1
	}

	if snap != nil && replayed == 0 {
		latest, err := snapMgr.GetLatestSequence(ctx)
		if err != nil {
			return err
		}
		if latest < snap.Sequence {
			return fmt.Errorf("%w: snapshot %d, log %d", ErrSnapshotAhead, snap.Sequence, latest)
		}
	}

	if metrics != nil {
		metrics.ReplayEventsTotal.Add(float64(replayed))
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
		metrics.CoreSequence.Set(float64(pool.Sequence()))
	}
	logger.Info().
		Int("replayed", replayed).
		Int64("sequence", pool.Sequence()).
		Dur("took", time.Since(start)).
		Msg("recovery complete")
	return nil
}

// runPeriodicSnapshots takes a snapshot whenever interval outcomes have
// committed since the last one.
func runPeriodicSnapshots(
	ctx context.Context,
	pool *core.Pool,
	snapMgr *persistence.SnapshotManager,
	interval int64,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	if interval <= 0 {
		interval = 100_000
	}

	lastSnapshotSeq := pool.Sequence()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			currentSeq := pool.Sequence()
			if currentSeq-lastSnapshotSeq < interval {
				continue
			}
			if err := takeSnapshot(ctx, pool, snapMgr, metrics); err != nil {
				logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			lastSnapshotSeq = currentSeq
			logger.Info().Int64("sequence", currentSeq).Msg("periodic snapshot")
		}
	}
}

// takeSnapshot captures the pool's state and persists it. The snapshot is
// only written once the event log has caught up with it, so recovery never
// restores past the last durable outcome.
func takeSnapshot(ctx context.Context, pool *core.Pool, snapMgr *persistence.SnapshotManager, metrics *observability.Metrics) error {
	start := time.Now()

	st := pool.CreateSnapshotState()
	if st.Sequence < 0 {
		return nil
	}
	latest, err := snapMgr.GetLatestSequence(ctx)
	if err != nil {
		return fmt.Errorf("latest logged sequence: %w", err)
	}
	if latest < st.Sequence {
		return fmt.Errorf("event log at %d, pool at %d: persistence lagging", latest, st.Sequence)
	}

	data := persistence.SnapshotFromState(st, time.Now().UTC())
	size, err := snapMgr.SaveSnapshot(ctx, data)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	// created from live state, which the log has just been checked against
	if err := snapMgr.MarkVerified(ctx, data.Sequence); err != nil {
		return fmt.Errorf("mark snapshot verified: %w", err)
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotSizeBytes.Set(float64(size))
		metrics.SnapshotLastSeq.Set(float64(data.Sequence))
	}
	return nil
}

// monitorChannels publishes channel occupancy gauges once a second.
func monitorChannels(ctx context.Context, metrics *observability.Metrics, channels map[string]func() (int, int)) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, probe := range channels {
				size, capacity := probe()
				metrics.SetChannelMetrics(name, size, capacity)
			}
		}
	}
}
