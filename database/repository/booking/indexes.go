package bookingRepo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnsureIndexes creates the necessary indexes on the bookings collection.
func (r *mongoBookingRepo) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	indexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("unique_id"),
		},
		{
			Keys:    bson.D{{Key: "correlationToken", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("unique_correlation_token"),
		},
		// Sparse so bookings that never reached the provider do not collide on "".
		{
			Keys: bson.D{{Key: "externalSchedulingRef", Value: 1}},
			Options: options.Index().SetName("scheduling_ref_idx").
				SetPartialFilterExpression(bson.M{"externalSchedulingRef": bson.M{"$type": "string"}}),
		},
		{
			Keys:    bson.D{{Key: "clientId", Value: 1}, {Key: "createdAt", Value: -1}},
			Options: options.Index().SetName("client_created_idx"),
		},
		{
			Keys:    bson.D{{Key: "builderId", Value: 1}, {Key: "createdAt", Value: -1}},
			Options: options.Index().SetName("builder_created_idx"),
		},
		{
			Keys:    bson.D{{Key: "currentState", Value: 1}, {Key: "lastTransition", Value: 1}},
			Options: options.Index().SetName("state_last_transition_idx"),
		},
	}

	if _, err := r.coll.Indexes().CreateMany(ctx, indexModels); err != nil {
		return fmt.Errorf("failed to create booking indexes: %w", err)
	}
	return nil
}
