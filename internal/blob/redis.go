package blob

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
)

const (
	fieldData         = "data"
	fieldContentType  = "content_type"
	fieldCacheControl = "cache_control"
	fieldGeneration   = "generation"
)

// Redis keeps each blob in a hash under prefix+key
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis creates a Redis-backed Store
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(key string) string {
	return r.prefix + "blob:" + key
}

// Exists reports whether key holds an object
func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check blob %s: %w", key, err)
	}
	return n > 0, nil
}

// Download returns the object under key
func (r *Redis) Download(ctx context.Context, key string) (*Object, error) {
	fields, err := r.client.HGetAll(ctx, r.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to download blob %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	gen, _ := strconv.ParseInt(fields[fieldGeneration], 10, 64)
	return &Object{
		Data:         []byte(fields[fieldData]),
		ContentType:  fields[fieldContentType],
		CacheControl: fields[fieldCacheControl],
		Generation:   gen,
	}, nil
}

// Save writes the object inside a WATCH/MULTI transaction so a conditional
// save fails if another writer got there first.
func (r *Redis) Save(ctx context.Context, key string, data []byte, opts SaveOptions) (int64, error) {
	rkey := r.key(key)
	var next int64

	txf := func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, rkey, fieldGeneration).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if opts.IfGeneration != nil && *opts.IfGeneration != current {
			return ErrPreconditionFailed
		}
		next = current + 1

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, rkey,
				fieldData, data,
				fieldContentType, opts.ContentType,
				fieldCacheControl, opts.CacheControl,
				fieldGeneration, next,
			)
			return nil
		})
		return err
	}

	err := r.client.Watch(ctx, txf, rkey)
	switch {
	case err == nil:
		return next, nil
	case errors.Is(err, ErrPreconditionFailed), errors.Is(err, redis.TxFailedErr):
		return 0, ErrPreconditionFailed
	default:
		return 0, fmt.Errorf("failed to save blob %s: %w", key, err)
	}
}
