package sessionTypeRepo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"buildappswith/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type mongoSessionTypeRepo struct {
	coll *mongo.Collection
}

func NewMongoSessionTypeRepo(db *mongo.Database) SessionTypeRepository {
	return &mongoSessionTypeRepo{coll: db.Collection("session_types")}
}

func (r *mongoSessionTypeRepo) Create(ctx context.Context, st *models.SessionType) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := r.coll.InsertOne(ctx, st); err != nil {
		return fmt.Errorf("error inserting session type %s: %w", st.ID, err)
	}
	return nil
}

func (r *mongoSessionTypeRepo) GetByID(ctx context.Context, id string) (*models.SessionType, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var st models.SessionType
	if err := r.coll.FindOne(ctx, bson.M{"id": id}).Decode(&st); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("error fetching session type with id %s: %w", id, err)
	}
	return &st, nil
}

func (r *mongoSessionTypeRepo) ListByBuilder(ctx context.Context, builderID string, activeOnly bool) ([]*models.SessionType, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	filter := bson.M{"builderId": builderID}
	if activeOnly {
		filter["active"] = true
	}
	cursor, err := r.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "price", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("error listing session types: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*models.SessionType
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("error decoding session types: %w", err)
	}
	return out, nil
}

func (r *mongoSessionTypeRepo) Update(ctx context.Context, expectedVersion int64, st *models.SessionType) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := r.coll.ReplaceOne(ctx, bson.M{"id": st.ID, "version": expectedVersion}, st)
	if err != nil {
		return fmt.Errorf("error updating session type %s: %w", st.ID, err)
	}
	if res.MatchedCount == 0 {
		if _, err := r.GetByID(ctx, st.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (r *mongoSessionTypeRepo) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	indexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("unique_id"),
		},
		{
			Keys:    bson.D{{Key: "builderId", Value: 1}, {Key: "active", Value: 1}},
			Options: options.Index().SetName("builder_active_idx"),
		},
	}
	if _, err := r.coll.Indexes().CreateMany(ctx, indexModels); err != nil {
		return fmt.Errorf("failed to create session type indexes: %w", err)
	}
	return nil
}
