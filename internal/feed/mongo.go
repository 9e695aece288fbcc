package feed

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/retry"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Checkpointer persists change stream resume tokens across restarts.
type Checkpointer interface {
	Checkpoint(ctx context.Context, key string) (string, error)
	SetCheckpoint(ctx context.Context, key, value string) error
}

// MongoOptions tunes the Mongo feed.
type MongoOptions struct {
	Collection   string
	InitialLimit int
	Resubscribe  retry.Policy
}

// Mongo serves message changes from a MongoDB collection through change streams.
type Mongo struct {
	coll        *mongo.Collection
	checkpoints Checkpointer
	opts        MongoOptions
	logger      *zap.Logger
}

// NewMongo creates a Mongo feed on db. checkpoints may be nil.
func NewMongo(db *mongo.Database, checkpoints Checkpointer, opts MongoOptions, logger *zap.Logger) *Mongo {
	if opts.Collection == "" {
		opts.Collection = "messages"
	}
	if opts.InitialLimit <= 0 {
		opts.InitialLimit = 50
	}
	if opts.Resubscribe.Attempts <= 0 {
		opts.Resubscribe = retry.Policy{Attempts: 1 << 20, Base: 500 * time.Millisecond, Max: 30 * time.Second}
	}
	return &Mongo{
		coll:        db.Collection(opts.Collection),
		checkpoints: checkpoints,
		opts:        opts,
		logger:      logger.Named("feed.mongo"),
	}
}

// EnsureIndexes creates the indexes paging and stream filtering rely on.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	_, err := m.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "message_time_stamp", Value: -1}, {Key: "_id", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("create message index: %w", err)
	}
	return nil
}

// Subscribe opens a change stream for conversationID. The stream is opened
// before the initial read so no change falls between the two. Transport
// errors reopen the stream from the last resume token.
func (m *Mongo) Subscribe(ctx context.Context, conversationID string) (*ChangeSubscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	sub := newSubscription[ChangeEvent](256, cancel)

	cs, err := m.watch(ctx, conversationID)
	if err != nil {
		cancel()
		return nil, err
	}
	go m.run(ctx, conversationID, sub, cs)
	return sub, nil
}

func (m *Mongo) checkpointKey(conversationID string) string {
	return "feed.resume." + conversationID
}

func (m *Mongo) watch(ctx context.Context, conversationID string) (*mongo.ChangeStream, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{"insert", "update", "replace"}}}},
			{Key: "fullDocument.conversation_id", Value: conversationID},
		}}},
	}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if token := m.resumeToken(ctx, conversationID); token != nil {
		opts.SetResumeAfter(token)
	}

	cs, err := m.coll.Watch(ctx, pipeline, opts)
	if err != nil && opts.ResumeAfter != nil {
		// The token may have aged out of the oplog; start fresh.
		m.logger.Warn("resume failed, watching from now",
			zap.String("conversation_id", conversationID), zap.Error(err))
		cs, err = m.coll.Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	}
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", conversationID, err)
	}
	return cs, nil
}

func (m *Mongo) run(ctx context.Context, conversationID string, sub *ChangeSubscription, cs *mongo.ChangeStream) {
	defer close(sub.ch)
	log := m.logger.With(zap.String("conversation_id", conversationID), zap.String("subscription_id", sub.ID))

	if err := m.initial(ctx, conversationID, sub); err != nil && ctx.Err() == nil {
		log.Warn("initial load failed", zap.Error(err))
	}

	for {
		err := m.drain(ctx, conversationID, sub, cs)
		_ = cs.Close(context.Background())
		if ctx.Err() != nil {
			return
		}
		log.Warn("change stream interrupted, resubscribing", zap.Error(err))

		err = m.opts.Resubscribe.Do(ctx, func() error {
			var werr error
			cs, werr = m.watch(ctx, conversationID)
			return werr
		}, func(attempt int, err error, wait time.Duration) {
			log.Debug("resubscribe failed", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		})
		if err != nil {
			if ctx.Err() == nil {
				log.Error("giving up on change stream", zap.Error(err))
			}
			return
		}
	}
}

func (m *Mongo) initial(ctx context.Context, conversationID string, sub *ChangeSubscription) error {
	docs, err := m.FetchOlder(ctx, conversationID, 0, m.opts.InitialLimit)
	if err != nil {
		return err
	}
	for i := len(docs) - 1; i >= 0; i-- {
		if !sub.send(ctx, Added(docs[i])) {
			return nil
		}
	}
	return nil
}

type changeDoc struct {
	OperationType string      `bson:"operationType"`
	FullDocument  *RawMessage `bson:"fullDocument"`
	DocumentKey   struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
	UpdateDescription struct {
		UpdatedFields bson.M `bson:"updatedFields"`
	} `bson:"updateDescription"`
}

func (m *Mongo) drain(ctx context.Context, conversationID string, sub *ChangeSubscription, cs *mongo.ChangeStream) error {
	for cs.Next(ctx) {
		var ch changeDoc
		if err := cs.Decode(&ch); err != nil {
			m.logger.Warn("decode change", zap.Error(err))
			continue
		}
		ev, ok := toChangeEvent(ch)
		if ok && !sub.send(ctx, ev) {
			return nil
		}
		if cs.RemainingBatchLength() == 0 {
			m.saveResumeToken(ctx, conversationID, cs.ResumeToken())
		}
	}
	if err := cs.Err(); err != nil {
		return err
	}
	return errors.New("change stream closed")
}

func toChangeEvent(ch changeDoc) (ChangeEvent, bool) {
	switch ch.OperationType {
	case "insert", "replace":
		if ch.FullDocument == nil {
			return ChangeEvent{}, false
		}
		return Added(*ch.FullDocument), true
	case "update":
		v, ok := ch.UpdateDescription.UpdatedFields["message_seen"]
		if !ok {
			return ChangeEvent{}, false
		}
		seen, _ := v.(bool)
		return Modified(ch.DocumentKey.ID, seen), true
	}
	return ChangeEvent{}, false
}

func (m *Mongo) resumeToken(ctx context.Context, conversationID string) bson.Raw {
	if m.checkpoints == nil {
		return nil
	}
	v, err := m.checkpoints.Checkpoint(ctx, m.checkpointKey(conversationID))
	if err != nil || v == "" {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil
	}
	return bson.Raw(raw)
}

func (m *Mongo) saveResumeToken(ctx context.Context, conversationID string, token bson.Raw) {
	if m.checkpoints == nil || len(token) == 0 {
		return
	}
	if err := m.checkpoints.SetCheckpoint(ctx, m.checkpointKey(conversationID), base64.StdEncoding.EncodeToString(token)); err != nil {
		m.logger.Debug("save resume token", zap.Error(err))
	}
}

// FetchOlder returns up to limit messages created at or before beforeMillis,
// newest first. beforeMillis 0 means no upper bound.
func (m *Mongo) FetchOlder(ctx context.Context, conversationID string, beforeMillis int64, limit int) ([]RawMessage, error) {
	filter := bson.D{{Key: "conversation_id", Value: conversationID}}
	if beforeMillis > 0 {
		filter = append(filter, bson.E{Key: "message_time_stamp", Value: bson.D{{Key: "$lte", Value: time.UnixMilli(beforeMillis)}}})
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "message_time_stamp", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))

	cur, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find older: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var docs []RawMessage
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode older: %w", err)
	}
	return docs, nil
}

// Append writes msg once. The server clock sets message_time_stamp on first
// insert; repeating the call for the same id changes nothing.
func (m *Mongo) Append(ctx context.Context, msg RawMessage) error {
	set := bson.D{
		{Key: "conversation_id", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$conversation_id", msg.ConversationID}}}},
		{Key: "message_text_content", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$message_text_content", msg.Text}}}},
		{Key: "message_userId", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$message_userId", msg.UserID}}}},
		{Key: "message_time_stamp", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$message_time_stamp", "$$NOW"}}}},
		{Key: "message_seen", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$message_seen", false}}}},
		{Key: "message_image", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$message_image", msg.Image}}}},
		{Key: "message_ad_available", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$message_ad_available", msg.AdAvailable}}}},
		{Key: "message_premium", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$message_premium", msg.Premium}}}},
		{Key: "message_flagged", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$message_flagged", msg.Flagged}}}},
	}
	update := mongo.Pipeline{{{Key: "$set", Value: set}}}
	_, err := m.coll.UpdateByID(ctx, msg.ID, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("append %s: %w", msg.ID, err)
	}
	return nil
}

// MarkSeen sets message_seen on the given messages. Documents already seen
// are left alone so no redundant change events are produced.
func (m *Mongo) MarkSeen(ctx context.Context, conversationID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	filter := bson.D{
		{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}},
		{Key: "conversation_id", Value: conversationID},
		{Key: "message_seen", Value: bson.D{{Key: "$ne", Value: true}}},
	}
	_, err := m.coll.UpdateMany(ctx, filter, bson.D{{Key: "$set", Value: bson.D{{Key: "message_seen", Value: true}}}})
	if err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	return nil
}
