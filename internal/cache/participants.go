// Package cache keeps hot membership lookups out of the database.
package cache

import (
	"context"
	"errors"
	"slices"
	"time"

	"go-chat-core/internal/chat"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// MemberSource is the slice of the Directory the cache reads through.
type MemberSource interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	Participants(ctx context.Context, conversationID string) ([]string, error)
}

// Participants caches each conversation's participant ids as a Redis set.
// Any Redis failure falls back to the Directory.
type Participants struct {
	client *redis.Client
	source MemberSource
	ttl    time.Duration
	log    *zap.Logger
}

var _ chat.ParticipantCache = (*Participants)(nil)

func NewParticipants(client *redis.Client, source MemberSource, ttl time.Duration, log *zap.Logger) *Participants {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Participants{client: client, source: source, ttl: ttl, log: log.Named("cache")}
}

func participantsKey(conversationID string) string {
	return "conv:" + conversationID + ":participants"
}

// versionKey counts invalidations of a conversation's set. A fill only lands
// when the count is unchanged since the directory read it was built from.
func versionKey(conversationID string) string {
	return "conv:" + conversationID + ":participants:version"
}

var errStaleFill = errors.New("participants changed during fill")

func (p *Participants) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	key := participantsKey(conversationID)

	var exists *redis.IntCmd
	var member *redis.BoolCmd
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		exists = pipe.Exists(ctx, key)
		member = pipe.SIsMember(ctx, key, userID)
		return nil
	})
	if err != nil {
		p.log.Warn("⚠️ participant cache unavailable", zap.Error(err))
		return p.source.IsParticipant(ctx, conversationID, userID)
	}
	if exists.Val() == 1 {
		return member.Val(), nil
	}

	version, verr := p.version(ctx, conversationID)
	ids, err := p.source.Participants(ctx, conversationID)
	if err != nil {
		return false, err
	}
	if verr != nil {
		p.log.Warn("⚠️ participant cache fill skipped", zap.String("conversation_id", conversationID), zap.Error(verr))
	} else {
		p.fill(ctx, conversationID, version, ids)
	}
	return slices.Contains(ids, userID), nil
}

func (p *Participants) version(ctx context.Context, conversationID string) (int64, error) {
	n, err := p.client.Get(ctx, versionKey(conversationID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// fill writes ids unless the conversation was invalidated after version was read.
func (p *Participants) fill(ctx context.Context, conversationID string, version int64, ids []string) {
	if len(ids) == 0 {
		return
	}
	key, vkey := participantsKey(conversationID), versionKey(conversationID)
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	err := p.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, vkey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != version {
			return errStaleFill
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SAdd(ctx, key, members...)
			pipe.Expire(ctx, key, p.ttl)
			return nil
		})
		return err
	}, vkey)
	switch {
	case err == nil:
	case errors.Is(err, errStaleFill), errors.Is(err, redis.TxFailedErr):
		p.log.Debug("participant cache fill dropped", zap.String("key", key))
	default:
		p.log.Warn("⚠️ participant cache fill failed", zap.String("key", key), zap.Error(err))
	}
}

// Invalidate drops the cached set and bumps its version so fills started
// before the change are discarded.
func (p *Participants) Invalidate(ctx context.Context, conversationID string) {
	vkey := versionKey(conversationID)
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, vkey)
		pipe.Expire(ctx, vkey, p.ttl)
		pipe.Del(ctx, participantsKey(conversationID))
		return nil
	})
	if err != nil {
		p.log.Warn("⚠️ participant cache invalidation failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
}
