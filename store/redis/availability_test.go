package redis_test

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/warp/stock-ledger/generic"
	"github.com/warp/stock-ledger/inventory"
	"github.com/warp/stock-ledger/store/redis"
)

func TestAvailabilityKey(t *testing.T) {
	assert.Equal(t, "stock:avail:WAREHOUSE:W1:P1", redis.AvailabilityKey(generic.Warehouse("W1"), "P1"))
	assert.Equal(t, "stock:avail:DISTRIBUTOR:D9:SKU-7", redis.AvailabilityKey(generic.Distributor("D9"), "SKU-7"))
}

func TestPublishAvailability_Unreachable(t *testing.T) {
	// GIVEN: A client pointed at a closed port
	client := goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	pub := redis.NewPublisher(client, time.Minute)

	// WHEN
	err := pub.PublishAvailability(context.Background(), inventory.Snapshot{
		Entity: generic.Warehouse("W1"), ProductID: "P1", AvailableQty: 3, UpdatedAt: time.Now(),
	})

	// THEN: The error names the key so the mirror gap can be traced
	assert.ErrorContains(t, err, "stock:avail:WAREHOUSE:W1:P1")
}

func TestNewClient_PingFails(t *testing.T) {
	_, err := redis.NewClient(context.Background(), redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
	})

	assert.ErrorContains(t, err, "redis ping 127.0.0.1:1")
}
