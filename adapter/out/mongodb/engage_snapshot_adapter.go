package mongodb

import (
	"context"
	"fmt"
	"time"

	"engage_server/core/domain"
	"engage_server/core/port/out"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const collectionSnapshots = "feature_snapshots"

// SnapshotAdapter implements out.SnapshotRepository using MongoDB.
type SnapshotAdapter struct {
	collection *mongo.Collection
}

func NewSnapshotAdapter(db *mongo.Database) *SnapshotAdapter {
	return &SnapshotAdapter{collection: db.Collection(collectionSnapshots)}
}

// EnsureIndexes creates the lead history and training export indexes.
func (a *SnapshotAdapter) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "tenant_id", Value: 1},
				{Key: "lead_id", Value: 1},
				{Key: "captured_at", Value: -1},
			},
		},
		{
			Keys: bson.D{
				{Key: "tenant_id", Value: 1},
				{Key: "outcome", Value: 1},
				{Key: "trigger", Value: 1},
				{Key: "captured_at", Value: -1},
			},
			Options: options.Index().SetPartialFilterExpression(bson.M{"outcome": bson.M{"$exists": true}}),
		},
	}

	_, err := a.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

func (a *SnapshotAdapter) Insert(ctx context.Context, snap *domain.FeatureSnapshot) error {
	if _, err := a.collection.InsertOne(ctx, snap); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("snapshot %s: %w", snap.ID, out.ErrConflict)
		}
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// LabelOutcome fills in the outcome on every still-unlabeled snapshot of the lead.
func (a *SnapshotAdapter) LabelOutcome(ctx context.Context, tenantID, leadID string, outcome domain.SnapshotOutcome, at time.Time) (int, error) {
	filter := bson.M{
		"tenant_id": tenantID,
		"lead_id":   leadID,
		"outcome":   bson.M{"$exists": false},
	}
	update := bson.M{"$set": bson.M{"outcome": outcome, "labeled_at": at}}

	res, err := a.collection.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("failed to label snapshots: %w", err)
	}
	return int(res.ModifiedCount), nil
}

func (a *SnapshotAdapter) ListByLead(ctx context.Context, tenantID, leadID string) ([]*domain.FeatureSnapshot, error) {
	filter := bson.M{"tenant_id": tenantID, "lead_id": leadID}
	opts := options.Find().SetSort(bson.D{{Key: "captured_at", Value: -1}})
	return a.find(ctx, filter, opts)
}

func (a *SnapshotAdapter) ListLabeled(ctx context.Context, tenantID string, f domain.SnapshotFilter) ([]*domain.FeatureSnapshot, error) {
	filter := bson.M{
		"tenant_id": tenantID,
		"outcome":   bson.M{"$exists": true},
	}
	if f.Outcome != "" {
		filter["outcome"] = f.Outcome
	}
	if f.Trigger != "" {
		filter["trigger"] = f.Trigger
	}
	if !f.Since.IsZero() {
		filter["captured_at"] = bson.M{"$gte": f.Since}
	}

	opts := options.Find().SetSort(bson.D{{Key: "captured_at", Value: -1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	return a.find(ctx, filter, opts)
}

func (a *SnapshotAdapter) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*domain.FeatureSnapshot, error) {
	cursor, err := a.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find snapshots: %w", err)
	}
	defer cursor.Close(ctx)

	var snaps []*domain.FeatureSnapshot
	if err := cursor.All(ctx, &snaps); err != nil {
		return nil, fmt.Errorf("failed to decode snapshots: %w", err)
	}
	return snaps, nil
}

var _ out.SnapshotRepository = (*SnapshotAdapter)(nil)
