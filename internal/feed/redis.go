package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisPresence keeps presence documents in Redis. Each document is a JSON
// value under <prefix>:presence:<uid>, and every write publishes the new
// document on a channel of the same name.
type RedisPresence struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

// NewRedisPresence creates a presence adapter. prefix defaults to "chatsync".
func NewRedisPresence(client *redis.Client, prefix string, logger *zap.Logger) *RedisPresence {
	if prefix == "" {
		prefix = "chatsync"
	}
	return &RedisPresence{client: client, prefix: prefix, logger: logger.Named("feed.presence"), now: time.Now}
}

func (r *RedisPresence) key(userID string) string {
	return fmt.Sprintf("%s:presence:%s", r.prefix, userID)
}

// Get returns the stored document of userID, or a zero document if none exists.
func (r *RedisPresence) Get(ctx context.Context, userID string) (PresenceDocument, bool, error) {
	b, err := r.client.Get(ctx, r.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return PresenceDocument{UserID: userID}, false, nil
	}
	if err != nil {
		return PresenceDocument{}, false, err
	}
	var doc PresenceDocument
	if err := json.Unmarshal(b, &doc); err != nil {
		return PresenceDocument{}, false, fmt.Errorf("decode presence %s: %w", userID, err)
	}
	doc.UserID = userID
	return doc, true, nil
}

// SubscribePresence delivers the current document of userID followed by each
// published replacement.
func (r *RedisPresence) SubscribePresence(ctx context.Context, userID string) (*PresenceSubscription, error) {
	ps := r.client.Subscribe(ctx, r.key(userID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe presence %s: %w", userID, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := newSubscription[PresenceDocument](16, func() {
		cancel()
		_ = ps.Close()
	})
	go r.run(ctx, userID, sub, ps)
	return sub, nil
}

func (r *RedisPresence) run(ctx context.Context, userID string, sub *PresenceSubscription, ps *redis.PubSub) {
	defer close(sub.ch)
	log := r.logger.With(zap.String("user_id", userID))

	// Subscribed before reading, so a write in between is delivered twice
	// rather than lost.
	if doc, ok, err := r.Get(ctx, userID); err != nil {
		log.Warn("initial presence read failed", zap.Error(err))
	} else if ok && !sub.send(ctx, doc) {
		return
	}

	ch := ps.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var doc PresenceDocument
			if err := json.Unmarshal([]byte(msg.Payload), &doc); err != nil {
				log.Warn("decode presence", zap.Error(err))
				continue
			}
			doc.UserID = userID
			if !sub.send(ctx, doc) {
				return
			}
		case <-sub.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// SetPresence replaces the whole document of doc.UserID and publishes it.
func (r *RedisPresence) SetPresence(ctx context.Context, doc PresenceDocument) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	key := r.key(doc.UserID)
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, key, b, 0)
		p.Publish(ctx, key, b)
		return nil
	})
	return err
}

// SetHere records which conversation userID has open; presence.NoConversation clears it.
func (r *RedisPresence) SetHere(ctx context.Context, userID, conversationID string) error {
	return r.update(ctx, userID, func(d *PresenceDocument) {
		d.HereConversationID = conversationID
		d.HereTimestamp = r.now().UnixMilli()
		d.LastTimeSeen = r.now().UnixMilli()
	})
}

// SetTyping records whether userID is typing.
func (r *RedisPresence) SetTyping(ctx context.Context, userID string, typing bool) error {
	return r.update(ctx, userID, func(d *PresenceDocument) { d.Typing = typing })
}

// update applies fn to the stored document under optimistic locking.
func (r *RedisPresence) update(ctx context.Context, userID string, fn func(*PresenceDocument)) error {
	key := r.key(userID)
	txf := func(tx *redis.Tx) error {
		doc := PresenceDocument{UserID: userID}
		b, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(b, &doc); err != nil {
				return fmt.Errorf("decode presence %s: %w", userID, err)
			}
		}
		doc.UserID = userID
		fn(&doc)
		out, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, out, 0)
			p.Publish(ctx, key, out)
			return nil
		})
		return err
	}

	for i := 0; i < 3; i++ {
		err := r.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("update presence %s: %w", userID, redis.TxFailedErr)
}
