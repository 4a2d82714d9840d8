package model

import "time"

// DefaultConfidenceThreshold is stored when an uplink omits its detector threshold.
const DefaultConfidenceThreshold = 0.5

// Prediction is one detected object within a detection record.
type Prediction struct {
	BBox       []float64 `json:"bbox"`
	Confidence float64   `json:"confidence"`
	Category   *int      `json:"category,omitempty"`
}

// DetectionRecord is one camera reading at a station.
type DetectionRecord struct {
	ID                  int64        `json:"id,omitempty"`
	DeviceID            string       `json:"device_id"`
	ReceivedAt          time.Time    `json:"received_at"`
	Location            string       `json:"location"`
	Timestamp           time.Time    `json:"timestamp"`
	TotalDetected       int          `json:"total_detected"`
	Predictions         []Prediction `json:"predictions"`
	ConfidenceThreshold float64      `json:"confidence_threshold"`
	CreatedAt           *time.Time   `json:"created_at,omitempty"`
	UpdatedAt           *time.Time   `json:"updated_at,omitempty"`
}

// RecordKey is the natural key of a detection record.
type RecordKey struct {
	DeviceID   string
	ReceivedAt time.Time
}

// Key returns the record's natural key. ReceivedAt is normalized to UTC so
// keys compare equal regardless of the parsed offset.
func (r DetectionRecord) Key() RecordKey {
	return NewRecordKey(r.DeviceID, r.ReceivedAt)
}

// KeyPrecision is the finest timestamp resolution both stores keep.
// Postgres timestamptz drops everything below a microsecond, while TTN
// reports received_at in nanoseconds.
const KeyPrecision = time.Microsecond

// NewRecordKey builds a RecordKey with the timestamp in UTC, truncated to
// KeyPrecision so keys read back from storage equal freshly parsed ones.
func NewRecordKey(deviceID string, receivedAt time.Time) RecordKey {
	return RecordKey{DeviceID: deviceID, ReceivedAt: receivedAt.UTC().Truncate(KeyPrecision)}
}

// String renders the key as "device_id@received_at" for logs.
func (k RecordKey) String() string {
	return k.DeviceID + "@" + k.ReceivedAt.Format(time.RFC3339Nano)
}
