// Package countersync dispatches the best-effort post-encrypt counter
// push to the remote session-backup row asynchronously, so a slow or
// unavailable remote store never blocks KeyManager.Encrypt.
//
// Grounded directly on internal/queue/message_queue.go's Redis
// Streams XAdd-based MessageQueue, adapted from message-delivery
// events to counter-sync events.
package countersync

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultStreamKey = "session_counter_sync"

// Event is one best-effort counter update to push to RemoteKeyStore.
type Event struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	Epoch          uint32 `json:"epoch"`
	Counter        uint64 `json:"counter"`
}

// Queue wraps a Redis Streams producer/consumer pair for Events.
type Queue struct {
	client    *redis.Client
	streamKey string
	logger    *log.Logger
}

// New wires a Queue over client. An empty streamKey uses the default.
func New(client *redis.Client, streamKey string) *Queue {
	if streamKey == "" {
		streamKey = defaultStreamKey
	}
	return &Queue{
		client:    client,
		streamKey: streamKey,
		logger:    log.New(os.Stdout, "[COUNTERSYNC] ", log.Ldate|log.Ltime|log.LUTC),
	}
}

// Enqueue pushes ev onto the stream. Enqueue failures are logged by
// the caller as a warning, never surfaced as an Encrypt failure — the
// push is explicitly best-effort.
func (q *Queue) Enqueue(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("countersync: marshal event: %w", err)
	}
	_, err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.streamKey,
		Values: map[string]interface{}{"data": string(data)},
	}).Result()
	if err != nil {
		return fmt.Errorf("countersync: xadd: %w", err)
	}
	return nil
}

// StartConsumer runs a Redis Streams consumer-group loop over Events,
// grounded directly on internal/queue/message_queue.go's StartConsumer
// (XGroupCreateMkStream, blocking XReadGroup, handler, XAck). It blocks
// until ctx is cancelled; the caller runs it in its own goroutine.
func (q *Queue) StartConsumer(ctx context.Context, consumerGroup, consumerName string, handler func(context.Context, Event) error) {
	if err := q.client.XGroupCreateMkStream(ctx, q.streamKey, consumerGroup, "0").Err(); err != nil && !isBusyGroupErr(err) {
		q.logger.Printf("warning: failed to create consumer group %s: %v", consumerGroup, err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: consumerName,
			Streams:  []string{q.streamKey, ">"},
			Count:    10,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			q.logger.Printf("warning: xreadgroup failed: %v", err)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				raw, ok := msg.Values["data"].(string)
				if !ok {
					q.logger.Printf("warning: skipping malformed stream entry %s", msg.ID)
					continue
				}
				var ev Event
				if err := json.Unmarshal([]byte(raw), &ev); err != nil {
					q.logger.Printf("warning: skipping unparseable stream entry %s: %v", msg.ID, err)
					continue
				}
				if err := handler(ctx, ev); err != nil {
					q.logger.Printf("warning: counter sync handler failed for %s/%d: %v", ev.ConversationID, ev.Epoch, err)
					continue
				}
				if err := q.client.XAck(ctx, q.streamKey, consumerGroup, msg.ID).Err(); err != nil {
					q.logger.Printf("warning: xack failed for %s: %v", msg.ID, err)
				}
			}
		}
	}
}

func isBusyGroupErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

// Drain reads up to count pending events from the stream starting
// after lastID (use "0" to read from the beginning), for a consumer
// process that applies them to RemoteKeyStore.
func (q *Queue) Drain(ctx context.Context, lastID string, count int64) ([]Event, string, error) {
	start := "("
	if lastID != "" {
		start += lastID
	} else {
		start += "0"
	}
	results, err := q.client.XRange(ctx, q.streamKey, start, "+").Result()
	if err != nil {
		return nil, lastID, fmt.Errorf("countersync: xrange: %w", err)
	}
	if int64(len(results)) > count && count > 0 {
		results = results[:count]
	}

	var events []Event
	newLastID := lastID
	for _, msg := range results {
		raw, ok := msg.Values["data"].(string)
		if !ok {
			q.logger.Printf("warning: skipping malformed stream entry %s", msg.ID)
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			q.logger.Printf("warning: skipping unparseable stream entry %s: %v", msg.ID, err)
			continue
		}
		events = append(events, ev)
		newLastID = msg.ID
	}
	return events, newLastID, nil
}
