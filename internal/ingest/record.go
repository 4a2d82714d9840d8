package ingest

import (
	"bytes"
	"encoding/json"
	"math"
	"time"

	"github.com/rotisserie/eris"

	"github.com/leezencounter/leezen/internal/model"
	"github.com/leezencounter/leezen/pkg/ttn"
)

// UnknownDevice is used when an uplink carries no device identifier.
const UnknownDevice = "unknown-device"

// Candidate is a flattened uplink before validation. Every field is optional
// so that missing and mistyped values can be told apart.
type Candidate struct {
	DeviceID            *string         `json:"device_id,omitempty"`
	ReceivedAt          *string         `json:"received_at,omitempty"`
	Location            *string         `json:"location,omitempty"`
	Timestamp           *string         `json:"timestamp,omitempty"`
	TotalDetected       json.RawMessage `json:"total_detected,omitempty"`
	Predictions         json.RawMessage `json:"predictions,omitempty"`
	ConfidenceThreshold *float64        `json:"confidence_threshold,omitempty"`
}

// Extract flattens a raw storage API object. When the object (or its
// "result" member) carries uplink_message.decoded_payload, the device id and
// receipt time are lifted alongside the payload fields; payload fields win on
// collision. Objects without that shape are decoded as-is and left for
// Validate to reject.
func Extract(raw json.RawMessage) (Candidate, error) {
	var env ttn.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Candidate{}, eris.Wrap(err, "ingest: decode envelope")
	}

	up := env.Result
	if up == nil {
		up = &ttn.Uplink{}
		if err := json.Unmarshal(raw, up); err != nil {
			return Candidate{}, eris.Wrap(err, "ingest: decode uplink")
		}
	}

	var c Candidate
	if !up.HasDecodedPayload() {
		// Pass-through: whatever flat fields the object has.
		if err := json.Unmarshal(raw, &c); err != nil {
			return Candidate{}, eris.Wrap(err, "ingest: decode flat record")
		}
		return c, nil
	}

	deviceID := up.DeviceID()
	if deviceID == "" {
		deviceID = UnknownDevice
	}
	c.DeviceID = &deviceID
	c.ReceivedAt = up.ReceivedAt

	if err := json.Unmarshal(up.UplinkMessage.DecodedPayload, &c); err != nil {
		return Candidate{}, eris.Wrap(err, "ingest: decode payload")
	}
	return c, nil
}

// Rejection explains why a candidate was not accepted.
type Rejection struct {
	Field  string
	Reason string
}

func (r *Rejection) Error() string {
	return "ingest: invalid " + r.Field + ": " + r.Reason
}

func reject(field, reason string) error {
	return &Rejection{Field: field, Reason: reason}
}

// Validate converts a candidate into a detection record or returns a
// *Rejection naming the first offending field.
func Validate(c Candidate) (model.DetectionRecord, error) {
	var rec model.DetectionRecord

	if c.DeviceID == nil || *c.DeviceID == "" {
		return rec, reject("device_id", "missing")
	}
	receivedAt, err := requireTime("received_at", c.ReceivedAt)
	if err != nil {
		return rec, err
	}
	if c.Location == nil || *c.Location == "" {
		return rec, reject("location", "missing")
	}
	timestamp, err := requireTime("timestamp", c.Timestamp)
	if err != nil {
		return rec, err
	}

	total, err := requireCount(c.TotalDetected)
	if err != nil {
		return rec, err
	}

	preds, err := requirePredictions(c.Predictions)
	if err != nil {
		return rec, err
	}

	threshold := model.DefaultConfidenceThreshold
	if c.ConfidenceThreshold != nil {
		threshold = *c.ConfidenceThreshold
	}

	key := model.NewRecordKey(*c.DeviceID, receivedAt)
	return model.DetectionRecord{
		DeviceID:            key.DeviceID,
		ReceivedAt:          key.ReceivedAt,
		Location:            *c.Location,
		Timestamp:           timestamp.UTC(),
		TotalDetected:       total,
		Predictions:         preds,
		ConfidenceThreshold: threshold,
	}, nil
}

func requireTime(field string, v *string) (time.Time, error) {
	if v == nil || *v == "" {
		return time.Time{}, reject(field, "missing")
	}
	t, err := time.Parse(time.RFC3339Nano, *v)
	if err != nil {
		return time.Time{}, reject(field, "not an RFC 3339 timestamp")
	}
	return t, nil
}

func requireCount(raw json.RawMessage) (int, error) {
	if isAbsent(raw) {
		return 0, reject("total_detected", "missing")
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, reject("total_detected", "not a number")
	}
	if n < 0 || n != math.Trunc(n) || n > math.MaxInt32 {
		return 0, reject("total_detected", "not a non-negative integer")
	}
	return int(n), nil
}

func requirePredictions(raw json.RawMessage) ([]model.Prediction, error) {
	if isAbsent(raw) {
		return nil, reject("predictions", "missing")
	}
	if raw[0] != '[' {
		return nil, reject("predictions", "not an array")
	}
	preds := []model.Prediction{}
	if err := json.Unmarshal(raw, &preds); err != nil {
		return nil, reject("predictions", "malformed element")
	}
	return preds, nil
}

func isAbsent(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}
