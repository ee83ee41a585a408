package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ranksync/internal/model"
	"ranksync/pkg/uid"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoLedger implements Ledger using MongoDB.
type MongoLedger struct {
	client    *mongo.Client
	updates   *mongo.Collection
	purchases *mongo.Collection
	nowFunc   func() time.Time
}

// NewMongoLedger connects to MongoDB and ensures the unique indexes exist.
func NewMongoLedger(uri, database string) (*MongoLedger, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	clientOpts := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(50).
		SetMinPoolSize(2).
		SetMaxConnIdleTime(5 * time.Minute).
		SetRetryWrites(true)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(database)
	l := &MongoLedger{
		client:    client,
		updates:   db.Collection("rank_updates"),
		purchases: db.Collection("purchases"),
		nowFunc:   time.Now,
	}

	// Uniqueness of purchase_id is what makes concurrent inserts safe, so a failed index is fatal.
	_, err = l.updates.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "purchase_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create rank_updates indexes: %w", err)
	}
	_, err = l.purchases.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "purchase_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create purchases index: %w", err)
	}

	return l, nil
}

// Insert stores rec unless its purchase ID is already present.
func (l *MongoLedger) Insert(ctx context.Context, rec model.RankUpdate) (bool, error) {
	if rec.ID == "" {
		rec.ID = uid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.nowFunc()
	}
	if !rec.Status.Valid() {
		return false, fmt.Errorf("invalid rank update status %q", rec.Status)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()

	if _, err := l.updates.InsertOne(ctx, rec); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, unavailable("failed to insert rank update", err)
	}
	return true, nil
}

// Get returns the record for purchaseID.
func (l *MongoLedger) Get(ctx context.Context, purchaseID string) (*model.RankUpdate, error) {
	var rec model.RankUpdate
	err := l.updates.FindOne(ctx, bson.M{"purchase_id": purchaseID}).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("rank update %s: %w", purchaseID, model.ErrNotFound)
		}
		return nil, unavailable("failed to get rank update", err)
	}
	return &rec, nil
}

// QueryByStatus returns all records in status, oldest first.
func (l *MongoLedger) QueryByStatus(ctx context.Context, status model.RankUpdateStatus) ([]model.RankUpdate, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "id", Value: 1}})

	cursor, err := l.updates.Find(ctx, bson.M{"status": status}, opts)
	if err != nil {
		return nil, unavailable("failed to query rank updates", err)
	}
	defer cursor.Close(ctx)

	var out []model.RankUpdate
	if err := cursor.All(ctx, &out); err != nil {
		return nil, unavailable("failed to decode rank updates", err)
	}
	return out, nil
}

// UpdateStatus moves a record from one status to another.
func (l *MongoLedger) UpdateStatus(ctx context.Context, purchaseID string, from, to model.RankUpdateStatus, fields model.UpdateFields) error {
	if err := checkTransition(from, to); err != nil {
		return err
	}

	set := bson.M{"status": to, "message": fields.Message}
	if fields.AppliedAt != nil {
		set["applied_at"] = fields.AppliedAt.UTC()
	}

	res, err := l.updates.UpdateOne(ctx,
		bson.M{"purchase_id": purchaseID, "status": from},
		bson.M{"$set": set})
	if err != nil {
		return unavailable("failed to update rank update", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	current, err := l.Get(ctx, purchaseID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: rank update %s is %s, expected %s", model.ErrStatusConflict, purchaseID, current.Status, from)
}

// SetPurchaseStatus upserts the purchase document.
func (l *MongoLedger) SetPurchaseStatus(ctx context.Context, status model.PurchaseStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = l.nowFunc()
	}

	update := bson.M{
		"$set": bson.M{
			"status":     status.Status,
			"message":    status.Message,
			"updated_at": status.UpdatedAt.UTC(),
		},
	}
	opts := options.Update().SetUpsert(true)
	if _, err := l.purchases.UpdateOne(ctx, bson.M{"purchase_id": status.PurchaseID}, update, opts); err != nil {
		return unavailable("failed to set purchase status", err)
	}
	return nil
}

// GetPurchaseStatus returns the purchase document for purchaseID.
func (l *MongoLedger) GetPurchaseStatus(ctx context.Context, purchaseID string) (*model.PurchaseStatus, error) {
	var ps model.PurchaseStatus
	err := l.purchases.FindOne(ctx, bson.M{"purchase_id": purchaseID}).Decode(&ps)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("purchase %s: %w", purchaseID, model.ErrNotFound)
		}
		return nil, unavailable("failed to get purchase status", err)
	}
	return &ps, nil
}

// Stats returns per-status counts and the oldest pending record time.
func (l *MongoLedger) Stats(ctx context.Context) (*model.LedgerStats, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$status"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}

	cursor, err := l.updates.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, unavailable("failed to count rank updates", err)
	}
	defer cursor.Close(ctx)

	var groups []struct {
		Status string `bson:"_id"`
		Count  int64  `bson:"count"`
	}
	if err := cursor.All(ctx, &groups); err != nil {
		return nil, unavailable("failed to decode counts", err)
	}

	stats := &model.LedgerStats{Counts: make(map[model.RankUpdateStatus]int64, len(groups))}
	for _, g := range groups {
		stats.Counts[model.RankUpdateStatus(g.Status)] = g.Count
	}

	var oldest model.RankUpdate
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: 1}})
	err = l.updates.FindOne(ctx, bson.M{"status": model.RankUpdatePending}, opts).Decode(&oldest)
	switch {
	case err == nil:
		stats.OldestPending = &oldest.CreatedAt
	case errors.Is(err, mongo.ErrNoDocuments):
	default:
		return nil, unavailable("failed to find oldest pending", err)
	}

	return stats, nil
}

// Ping checks the MongoDB connection.
func (l *MongoLedger) Ping(ctx context.Context) error {
	if err := l.client.Ping(ctx, nil); err != nil {
		return unavailable("ping mongodb", err)
	}
	return nil
}

// Close disconnects from MongoDB.
func (l *MongoLedger) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return l.client.Disconnect(ctx)
}

// Ensure MongoLedger implements Ledger
var _ Ledger = (*MongoLedger)(nil)
