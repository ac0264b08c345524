package services

import (
	"context"
	"errors"
	"time"

	"github.com/salmart/salmart-backend/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const messagesCollection = "messages"

// MongoMessageStore keeps one document per message in the messages collection.
type MongoMessageStore struct {
	col *mongo.Collection
}

func NewMongoMessageStore(db *mongo.Database) *MongoMessageStore {
	return &MongoMessageStore{col: db.Collection(messagesCollection)}
}

// EnsureChatIndexes configures indexes for the messages collection.
// Called on startup from main after Mongo has connected.
func (s *MongoMessageStore) EnsureChatIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			// conversation history, both directions
			Keys: bson.D{
				{Key: "sender_id", Value: 1},
				{Key: "receiver_id", Value: 1},
				{Key: "created_at", Value: 1},
			},
			Options: options.Index().SetName("idx_pair_created"),
		},
		{
			// unread counts
			Keys: bson.D{
				{Key: "receiver_id", Value: 1},
				{Key: "status", Value: 1},
			},
			Options: options.Index().SetName("idx_receiver_status"),
		},
		{
			// resend dedupe
			Keys: bson.D{
				{Key: "sender_id", Value: 1},
				{Key: "client_temp_id", Value: 1},
			},
			Options: options.Index().SetName("idx_sender_temp").
				SetPartialFilterExpression(bson.M{"client_temp_id": bson.M{"$exists": true}}),
		},
	}

	for _, m := range indexes {
		if _, err := s.col.Indexes().CreateOne(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *MongoMessageStore) Append(ctx context.Context, msg *models.Message) (*models.Message, error) {
	m, err := prepareAppend(msg, time.Now())
	if err != nil {
		return nil, err
	}
	if _, err := s.col.InsertOne(ctx, m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *MongoMessageStore) ListBetween(ctx context.Context, userA, userB string) ([]models.Message, error) {
	filter := bson.M{
		"$or": bson.A{
			bson.M{"sender_id": userA, "receiver_id": userB},
			bson.M{"sender_id": userB, "receiver_id": userA},
		},
	}
	opts := options.Find().SetSort(bson.D{
		{Key: "created_at", Value: 1},
		{Key: "_id", Value: 1},
	})

	cur, err := s.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	msgs := make([]models.Message, 0)
	if err := cur.All(ctx, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *MongoMessageStore) FindByClientTempID(ctx context.Context, senderID, tempID string) (*models.Message, error) {
	var m models.Message
	err := s.col.FindOne(ctx, bson.M{"sender_id": senderID, "client_temp_id": tempID}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *MongoMessageStore) MarkSeen(ctx context.Context, ids []primitive.ObjectID, receiverID string) ([]models.Message, error) {
	return s.advance(ctx, ids, receiverID, models.MessageStatusSeen,
		bson.M{"$ne": models.MessageStatusSeen})
}

func (s *MongoMessageStore) MarkDelivered(ctx context.Context, ids []primitive.ObjectID, receiverID string) ([]models.Message, error) {
	return s.advance(ctx, ids, receiverID, models.MessageStatusDelivered,
		models.MessageStatusSent)
}

// advance updates one message at a time so the result holds exactly the documents
// this call changed. The status filter keeps concurrent callers from both
// reporting the same transition.
func (s *MongoMessageStore) advance(ctx context.Context, ids []primitive.ObjectID, receiverID string, to models.DeliveryStatus, from any) ([]models.Message, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	changed := make([]models.Message, 0, len(ids))

	for _, id := range dedupeIDs(ids) {
		filter := bson.M{"_id": id, "receiver_id": receiverID, "status": from}
		var m models.Message
		err := s.col.FindOneAndUpdate(ctx, filter, bson.M{"$set": bson.M{"status": to}}, opts).Decode(&m)
		if errors.Is(err, mongo.ErrNoDocuments) {
			continue
		}
		if err != nil {
			return changed, err
		}
		changed = append(changed, m)
	}
	return changed, nil
}

func (s *MongoMessageStore) SetBargainStatus(ctx context.Context, id primitive.ObjectID, status models.BargainStatus) (*models.Message, error) {
	update := bson.M{"$set": bson.M{"bargain_status": status}}
	if status == "" {
		update = bson.M{"$unset": bson.M{"bargain_status": ""}}
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var m models.Message
	if err := s.col.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, opts).Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *MongoMessageStore) UnreadCount(ctx context.Context, receiverID string) (int64, error) {
	return s.col.CountDocuments(ctx, bson.M{
		"receiver_id": receiverID,
		"status":      bson.M{"$ne": models.MessageStatusSeen},
	})
}

func (s *MongoMessageStore) ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"$or": bson.A{
			bson.M{"sender_id": userID},
			bson.M{"receiver_id": userID},
		}}}},
		{{Key: "$sort", Value: bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}}},
		{{Key: "$group", Value: bson.M{
			"_id": bson.M{"$cond": bson.A{
				bson.M{"$eq": bson.A{"$sender_id", userID}}, "$receiver_id", "$sender_id",
			}},
			"last": bson.M{"$first": "$$ROOT"},
			"unread": bson.M{"$sum": bson.M{"$cond": bson.A{
				bson.M{"$and": bson.A{
					bson.M{"$eq": bson.A{"$receiver_id", userID}},
					bson.M{"$ne": bson.A{"$status", models.MessageStatusSeen}},
				}},
				1, 0,
			}}},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "last.created_at", Value: -1}}}},
	}

	cur, err := s.col.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var rows []struct {
		CounterpartyID string         `bson:"_id"`
		Last           models.Message `bson:"last"`
		Unread         int64          `bson:"unread"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}

	out := make([]models.ConversationSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.ConversationSummary{
			CounterpartyID: r.CounterpartyID,
			LastMessage:    r.Last,
			Unread:         r.Unread,
		})
	}
	return out, nil
}

func dedupeIDs(ids []primitive.ObjectID) []primitive.ObjectID {
	seen := make(map[primitive.ObjectID]bool, len(ids))
	out := make([]primitive.ObjectID, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
