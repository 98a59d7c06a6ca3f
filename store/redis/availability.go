/*
Package redis mirrors committed stock availability into Redis.

PURPOSE:
  Order-taking screens and other read-only consumers need the available
  quantity of a product without touching the transactional store. After
  each stock unit of work commits, the inventory service hands the fresh
  snapshot to this publisher, which writes it to a hash and announces the
  change on a channel.

KEYS:
  stock:avail:{ENTITY_TYPE}:{entityID}:{productID}   hash (available, reserved, updated_at)
  stock:avail:events                                 pub/sub channel, JSON snapshot

CONSISTENCY:
  Redis is a cache. The snapshot row in SQLite stays authoritative; a lost
  publish is repaired by the next change or by a snapshot rebuild.
*/
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/warp/stock-ledger/generic"
	"github.com/warp/stock-ledger/inventory"
)

const (
	keyPrefix     = "stock:avail"
	EventsChannel = keyPrefix + ":events"
)

// Options configure the Redis connection.
type Options struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// TTL of an availability hash. Zero keeps it until overwritten.
	TTL time.Duration
}

// NewClient opens a client and checks the server answers.
func NewClient(ctx context.Context, opts Options) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return client, nil
}

// AvailabilityKey names the hash holding one entity/product availability.
func AvailabilityKey(entity generic.EntityRef, productID string) string {
	return fmt.Sprintf("%s:%s:%s:%s", keyPrefix, entity.Type, entity.ID, productID)
}

// Publisher implements inventory.Publisher.
type Publisher struct {
	client goredis.UniversalClient
	ttl    time.Duration
}

var _ inventory.Publisher = (*Publisher)(nil)

func NewPublisher(client goredis.UniversalClient, ttl time.Duration) *Publisher {
	return &Publisher{client: client, ttl: ttl}
}

// PublishAvailability writes the hash and the change event in one MULTI.
func (p *Publisher) PublishAvailability(ctx context.Context, snap inventory.Snapshot) error {
	event, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	key := AvailabilityKey(snap.Entity, snap.ProductID)
	_, err = p.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"available", snap.AvailableQty,
			"reserved", snap.ReservedQty,
			"updated_at", snap.UpdatedAt.UTC().Format(time.RFC3339Nano),
		)
		if p.ttl > 0 {
			pipe.Expire(ctx, key, p.ttl)
		}
		pipe.Publish(ctx, EventsChannel, event)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish availability %s: %w", key, err)
	}
	return nil
}

// Availability reads back a mirrored snapshot. A missing key returns
// ErrNotFound.
func (p *Publisher) Availability(ctx context.Context, entity generic.EntityRef, productID string) (*inventory.Snapshot, error) {
	key := AvailabilityKey(entity, productID)
	fields, err := p.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("read availability %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", generic.ErrNotFound, key)
	}

	snap := &inventory.Snapshot{Entity: entity, ProductID: productID}
	if snap.AvailableQty, err = strconv.ParseInt(fields["available"], 10, 64); err != nil {
		return nil, fmt.Errorf("corrupt availability %s: %w", key, err)
	}
	snap.ReservedQty, _ = strconv.ParseInt(fields["reserved"], 10, 64)
	snap.UpdatedAt, _ = time.Parse(time.RFC3339Nano, fields["updated_at"])
	return snap, nil
}
