package store

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"embeddedtest/logger"
	"embeddedtest/models"
)

// Mongo stores deliveries in the "deliveries" collection. The zero value is
// usable but every call returns ErrNotInitialized.
type Mongo struct {
	client     *mongo.Client
	deliveries *mongo.Collection
}

// NewMongo connects to uri, pings the primary and ensures indexes.
func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	m := &Mongo{client: client, deliveries: client.Database(database).Collection("deliveries")}
	if err := m.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	logger.Info("mongo initialized", logger.FieldKV("database", database))
	return m, nil
}

func (m *Mongo) Close(ctx context.Context) error {
	if m.client == nil {
		return nil
	}
	return m.client.Disconnect(ctx)
}

func (m *Mongo) Ping(ctx context.Context) error {
	if m.client == nil {
		return ErrNotInitialized
	}
	return m.client.Ping(ctx, readpref.Primary())
}

// InsertDelivery upserts on message_id so redelivered records are ignored.
func (m *Mongo) InsertDelivery(ctx context.Context, d models.Delivery) error {
	if m.deliveries == nil {
		return ErrNotInitialized
	}
	filter := bson.M{"message_id": d.MessageID}
	update := bson.M{"$setOnInsert": d}
	_, err := m.deliveries.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("insert delivery %s: %w", d.MessageID, err)
	}
	return nil
}

func (m *Mongo) ListDeliveries(ctx context.Context, limit int) ([]models.Delivery, error) {
	if m.deliveries == nil {
		return nil, ErrNotInitialized
	}
	opts := options.Find().SetSort(bson.D{{Key: "received_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := m.deliveries.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("find deliveries: %w", err)
	}
	defer cur.Close(ctx)

	out := []models.Delivery{}
	for cur.Next(ctx) {
		var d models.Delivery
		if err := cur.Decode(&d); err != nil {
			return nil, fmt.Errorf("decode delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, cur.Err()
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	_, err := m.deliveries.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "message_id", Value: 1}}, Options: options.Index().SetUnique(true).SetName("uniq_message_id")},
		{Keys: bson.D{{Key: "received_at", Value: -1}}, Options: options.Index().SetName("idx_received_at")},
	})
	return err
}
