package models

import "time"

// SessionType is a bookable offering owned by a builder. It is deactivated,
// never deleted, once bookings reference it.
type SessionType struct {
	ID          string        `bson:"id" json:"id"`
	BuilderID   string        `bson:"builderId" json:"builderId"`
	Title       string        `bson:"title" json:"title"`
	Description string        `bson:"description" json:"description"`
	Duration    time.Duration `bson:"duration" json:"duration"`
	Price       int64         `bson:"price" json:"price"` // minor units
	Currency    string        `bson:"currency" json:"currency"`
	Active      bool          `bson:"active" json:"active"`
	// EventTypeRef is the scheduling provider's event type URI.
	EventTypeRef string `bson:"eventTypeRef" json:"eventTypeRef"`
	// SchedulingURL is the public link a client follows to pick a time.
	SchedulingURL string    `bson:"schedulingUrl" json:"schedulingUrl"`
	Version       int64     `bson:"version" json:"version"`
	CreatedAt     time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt     time.Time `bson:"updatedAt" json:"updatedAt"`
}

// TimeSlot is a bookable window reported by the scheduling provider.
type TimeSlot struct {
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	SchedulingURL string    `json:"schedulingUrl,omitempty"`
}

// DateRange bounds an availability query.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}
