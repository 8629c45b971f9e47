/*
Package blacklist provides a read-through cache in front of an
installment.Blacklist.

PURPOSE:
  The blacklist is consulted on every plan creation. Cache decides
  (customer, store) lookups in Redis for a TTL and falls back to the
  underlying source on a miss.

KEYS:
  blacklist:<customer>:<store>   "1" or "0"
  blacklist-idx:<customer>       set of the keys above, for Invalidate
  blacklist-customers            set of customers with cached keys, for InvalidateAll

  Ids are query-escaped, so a ':' inside an id cannot forge another key.

COHERENCE:
  Every writer of the blacklist table must invalidate: Invalidate after
  adding or removing a customer's rows, InvalidateAll after a wipe.

FAILURE MODE:
  A Redis error never fails plan creation: it is logged and the lookup
  goes to the source. Only a source error is returned.
*/
package blacklist

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/installment-engine/installment"
)

// ErrMiss is returned by KV.Get for a missing key.
var ErrMiss = errors.New("cache miss")

// DefaultTTL is used when NewCache is given a non-positive TTL.
const DefaultTTL = 10 * time.Minute

// KV is the subset of Redis the cache needs. RedisClient implements it.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	SAdd(ctx context.Context, key string, members ...any) error
	SMembers(ctx context.Context, key string) ([]string, error)
}

// Cache implements installment.Blacklist.
type Cache struct {
	source installment.Blacklist
	kv     KV
	ttl    time.Duration
	log    logrus.FieldLogger
}

func NewCache(source installment.Blacklist, kv KV, ttl time.Duration, log logrus.FieldLogger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Cache{source: source, kv: kv, ttl: ttl, log: log.WithField("component", "blacklist_cache")}
}

func (c *Cache) IsBlacklisted(ctx context.Context, customerID installment.CustomerID, storeID installment.StoreID) (bool, error) {
	key := entryKey(customerID, storeID)

	v, err := c.kv.Get(ctx, key)
	switch {
	case err == nil:
		return v == "1", nil
	case errors.Is(err, ErrMiss):
	default:
		c.log.WithError(err).WithField("key", key).Warn("blacklist cache read failed, using source")
	}

	listed, err := c.source.IsBlacklisted(ctx, customerID, storeID)
	if err != nil {
		return false, err
	}

	value := "0"
	if listed {
		value = "1"
	}
	if err := c.kv.Set(ctx, key, value, c.ttl); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("blacklist cache write failed")
		return listed, nil
	}
	if err := c.kv.SAdd(ctx, indexKey(customerID), key); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("blacklist cache index write failed")
	}
	if err := c.kv.SAdd(ctx, customersKey, string(customerID)); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("blacklist cache index write failed")
	}
	return listed, nil
}

// Invalidate drops every cached decision for the customer. Call it after
// changing the customer's blacklist rows.
func (c *Cache) Invalidate(ctx context.Context, customerID installment.CustomerID) error {
	idx := indexKey(customerID)
	keys, err := c.kv.SMembers(ctx, idx)
	if err != nil {
		return err
	}
	return c.kv.Del(ctx, append(keys, idx)...)
}

// InvalidateAll drops every cached decision. Call it after wiping the
// blacklist table.
func (c *Cache) InvalidateAll(ctx context.Context) error {
	ids, err := c.kv.SMembers(ctx, customersKey)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range ids {
		if err := c.Invalidate(ctx, installment.CustomerID(id)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.kv.Del(ctx, customersKey); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

const customersKey = "blacklist-customers"

func entryKey(c installment.CustomerID, s installment.StoreID) string {
	return "blacklist:" + url.QueryEscape(string(c)) + ":" + url.QueryEscape(string(s))
}

func indexKey(c installment.CustomerID) string {
	return "blacklist-idx:" + url.QueryEscape(string(c))
}
