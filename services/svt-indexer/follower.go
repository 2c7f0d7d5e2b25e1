package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"svtchain/core/types"
	"svtchain/observability/metrics"
)

const followerReadLimit = 1 << 20 // 1 MiB per batch

// blockEvents mirrors the node's websocket batch payload.
type blockEvents struct {
	Height uint64        `json:"height"`
	Events []types.Event `json:"events"`
}

// ChainFollower consumes the node's event stream and archives every event,
// enqueueing webhook fan-out for newly seen ones. The stream cursor resumes
// from the last archived height, and event digests make replays idempotent.
type ChainFollower struct {
	store          *SQLiteStore
	queue          *DeliveryQueue
	wsURL          string
	reconnectDelay time.Duration
	nowFn          func() time.Time
	logger         *slog.Logger
}

func NewChainFollower(store *SQLiteStore, queue *DeliveryQueue, wsURL string, reconnectDelay time.Duration, logger *slog.Logger) *ChainFollower {
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChainFollower{
		store:          store,
		queue:          queue,
		wsURL:          wsURL,
		reconnectDelay: reconnectDelay,
		nowFn:          time.Now,
		logger:         logger,
	}
}

// Run follows the stream until the context is cancelled, reconnecting with a
// fixed delay after stream errors.
func (f *ChainFollower) Run(ctx context.Context) {
	for {
		if err := f.follow(ctx); err != nil && ctx.Err() == nil {
			f.logger.Warn("event stream interrupted", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(f.reconnectDelay):
		}
	}
}

func (f *ChainFollower) follow(ctx context.Context) error {
	cursor, err := f.store.LastArchivedHeight(ctx)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, f.streamURL(cursor), nil)
	if err != nil {
		return fmt.Errorf("dial event stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "follower stopped")
	conn.SetReadLimit(followerReadLimit)

	f.logger.Info("following event stream", "cursor", cursor)
	archived := cursor
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var batch blockEvents
		if err := json.Unmarshal(data, &batch); err != nil {
			f.logger.Warn("malformed event batch", "error", err)
			continue
		}
		if err := f.archiveBatch(ctx, batch); err != nil {
			return err
		}
		if batch.Height > archived {
			archived = batch.Height
			if err := f.store.UpdateArchivedHeight(ctx, archived); err != nil {
				return fmt.Errorf("advance cursor: %w", err)
			}
			metrics.Indexer().SetCursorHeight(archived)
		}
	}
}

// archiveBatch writes each event in the batch, enqueueing fan-out only for
// digests not already present so reconnect replays deliver once.
func (f *ChainFollower) archiveBatch(ctx context.Context, batch blockEvents) error {
	for position, evt := range batch.Events {
		archived := ArchivedEvent{
			Digest:     eventDigest(batch.Height, position, evt),
			Height:     batch.Height,
			Position:   position,
			Type:       evt.Type,
			Attributes: evt.Attributes,
			ArchivedAt: f.nowFn().UTC(),
		}
		inserted, err := f.store.InsertEvent(ctx, archived)
		if err != nil {
			return fmt.Errorf("archive event at height %d: %w", batch.Height, err)
		}
		if !inserted {
			continue
		}
		metrics.Indexer().ObserveEventArchived(evt.Type)
		f.queue.Enqueue(archived)
	}
	return nil
}

func (f *ChainFollower) streamURL(cursor uint64) string {
	if cursor == 0 {
		return f.wsURL
	}
	sep := "?"
	if strings.Contains(f.wsURL, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%scursor=%d", f.wsURL, sep, cursor)
}
