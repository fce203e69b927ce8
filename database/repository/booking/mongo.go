package bookingRepo

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

// bookingDocument is the stored form of a booking. The state payload is kept
// raw and decoded against currentState on read.
type bookingDocument struct {
	models.Booking `bson:",inline"`
	StateData      bson.Raw `bson:"stateData,omitempty"`
}

func toDocument(b *models.Booking) (*bookingDocument, error) {
	doc := &bookingDocument{Booking: *b}
	if b.StateData != nil {
		raw, err := bson.Marshal(b.StateData)
		if err != nil {
			return nil, fmt.Errorf("encode state data for %s: %w", b.State, err)
		}
		doc.StateData = raw
	}
	return doc, nil
}

func (d *bookingDocument) toBooking() (*models.Booking, error) {
	b := d.Booking
	if len(d.StateData) == 0 {
		return &b, nil
	}
	data, err := models.DecodeStateData(b.State, func(v interface{}) error {
		return bson.Unmarshal(d.StateData, v)
	})
	if err != nil {
		return nil, fmt.Errorf("decode state data for booking %s: %w", b.ID, err)
	}
	b.StateData = data
	return &b, nil
}

type mongoBookingRepo struct {
	coll *mongo.Collection
}

// NewMongoBookingRepo stores bookings in the "bookings" collection of db.
func NewMongoBookingRepo(db *mongo.Database) BookingRepository {
	return &mongoBookingRepo{coll: db.Collection("bookings")}
}

func (r *mongoBookingRepo) Create(ctx context.Context, booking *models.Booking) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	doc, err := toDocument(booking)
	if err != nil {
		return err
	}
	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", ErrDuplicate, booking.ID)
		}
		return fmt.Errorf("error inserting booking %s: %w", booking.ID, err)
	}
	return nil
}

func (r *mongoBookingRepo) findOne(ctx context.Context, filter bson.M) (*models.Booking, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var doc bookingDocument
	if err := r.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("error fetching booking: %w", err)
	}
	return doc.toBooking()
}

func (r *mongoBookingRepo) GetByID(ctx context.Context, id string) (*models.Booking, error) {
	return r.findOne(ctx, bson.M{"id": id})
}

func (r *mongoBookingRepo) GetByCorrelationToken(ctx context.Context, token string) (*models.Booking, error) {
	return r.findOne(ctx, bson.M{"correlationToken": token})
}

func (r *mongoBookingRepo) GetBySchedulingRef(ctx context.Context, eventRef string) (*models.Booking, error) {
	return r.findOne(ctx, bson.M{"externalSchedulingRef": eventRef})
}

func (r *mongoBookingRepo) CompareAndSwap(ctx context.Context, expectedState models.LifecycleState, expectedVersion int64, next *models.Booking) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	doc, err := toDocument(next)
	if err != nil {
		return err
	}
	filter := bson.M{
		"id":           next.ID,
		"currentState": expectedState,
		"version":      expectedVersion,
	}
	res, err := r.coll.ReplaceOne(ctx, filter, doc)
	if err != nil {
		return fmt.Errorf("error updating booking %s: %w", next.ID, err)
	}
	if res.MatchedCount == 0 {
		n, err := r.coll.CountDocuments(ctx, bson.M{"id": next.ID})
		if err != nil {
			return fmt.Errorf("error checking booking %s: %w", next.ID, err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (r *mongoBookingRepo) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*models.Booking, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cursor, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("error listing bookings: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*models.Booking
	for cursor.Next(ctx) {
		var doc bookingDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("error decoding booking: %w", err)
		}
		b, err := doc.toBooking()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}
	return out, nil
}

func recentFirst(limit int) *options.FindOptions {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return opts
}

func (r *mongoBookingRepo) ListByClient(ctx context.Context, clientID string, limit int) ([]*models.Booking, error) {
	return r.find(ctx, bson.M{"clientId": clientID}, recentFirst(limit))
}

func (r *mongoBookingRepo) ListByBuilder(ctx context.Context, builderID string, limit int) ([]*models.Booking, error) {
	return r.find(ctx, bson.M{"builderId": builderID}, recentFirst(limit))
}

func (r *mongoBookingRepo) ListStale(ctx context.Context, states []models.LifecycleState, cutoff time.Time, limit int) ([]*models.Booking, error) {
	filter := bson.M{
		"currentState":   bson.M{"$in": states},
		"lastTransition": bson.M{"$lt": cutoff},
	}
	opts := options.Find().SetSort(bson.D{{Key: "lastTransition", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return r.find(ctx, filter, opts)
}
