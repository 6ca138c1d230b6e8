package cluster

import (
	"context"
	"errors"

	"github.com/lumadb/rsm/pkg/storage"
	"go.uber.org/zap"
)

// TriggerSnapshot makes the node capture a snapshot at its applied index
// and compact the log, regardless of the snapshot count.
func (n *Node) TriggerSnapshot(ctx context.Context) error {
	if err := n.checkRunning(); err != nil {
		return err
	}
	respc := make(chan error, 1)
	select {
	case n.snapc <- respc:
	case <-ctx.Done():
		return ctx.Err()
	case <-n.stopc:
		return n.Err()
	}
	select {
	case err := <-respc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// maybeSnapshot runs on the run loop. Without force it only snapshots once
// the configured number of entries has been applied since the last one.
func (n *Node) maybeSnapshot(force bool) error {
	applied := n.machine.Applied()
	last := n.snapIndex.Load()
	if applied <= last {
		return nil
	}
	count := n.config.Snapshot.Count
	if !force && (count == 0 || applied-last < count) {
		return nil
	}

	data, index, err := n.machine.Snapshot()
	if err != nil {
		return err
	}
	payload, err := encodeSnapshot(&snapshotEnvelope{Membership: n.members.state(), Machine: data})
	if err != nil {
		return err
	}
	cs, err := n.storage.ConfState()
	if err != nil {
		return err
	}
	snap, err := n.storage.CreateSnapshot(index, &cs, payload)
	if err != nil {
		if errors.Is(err, storage.ErrSnapOutOfDate) {
			return nil
		}
		return err
	}
	n.snapIndex.Store(index)

	compacted, err := n.compact(index)
	if err != nil {
		return err
	}
	n.logger.Info("Created snapshot",
		zap.Uint64("index", snap.Metadata.Index),
		zap.Uint64("term", snap.Metadata.Term),
		zap.Int("bytes", len(payload)),
		zap.Uint64("compacted_to", compacted))
	return nil
}

// compact drops the entries older than index minus the catch-up window.
func (n *Node) compact(index uint64) (uint64, error) {
	keep := n.config.Snapshot.CatchUpEntries
	if index <= keep {
		return 0, nil
	}
	upTo := index - keep
	first, err := n.storage.FirstIndex()
	if err != nil {
		return 0, err
	}
	if upTo <= first {
		return 0, nil
	}
	if err := n.storage.Compact(upTo); err != nil {
		var ce *storage.CompactionError
		if errors.As(err, &ce) {
			n.logger.Warn("Skipping compaction", zap.Error(err))
			return 0, nil
		}
		return 0, err
	}
	return upTo, nil
}
