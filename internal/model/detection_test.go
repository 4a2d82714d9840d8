package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordKey_NormalizesToUTC(t *testing.T) {
	t.Parallel()

	berlin := time.FixedZone("CET", 3600)
	local := time.Date(2025, 1, 1, 1, 0, 0, 0, berlin)
	utc := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	a := DetectionRecord{DeviceID: "cam-1", ReceivedAt: local}
	b := DetectionRecord{DeviceID: "cam-1", ReceivedAt: utc}

	assert.Equal(t, a.Key(), b.Key())

	seen := map[RecordKey]bool{a.Key(): true}
	assert.True(t, seen[b.Key()])
}

func TestRecordKey_DifferentDevices(t *testing.T) {
	t.Parallel()

	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.NotEqual(t, NewRecordKey("cam-1", ts), NewRecordKey("cam-2", ts))
}

func TestRecordKey_TruncatesToStoragePrecision(t *testing.T) {
	t.Parallel()

	nanos := time.Date(2025, 5, 20, 10, 22, 31, 593745386, time.UTC)
	micros := time.Date(2025, 5, 20, 10, 22, 31, 593745000, time.UTC)

	k := NewRecordKey("cam-1", nanos)
	assert.Equal(t, NewRecordKey("cam-1", micros), k)
	assert.True(t, k.ReceivedAt.Equal(micros))
	assert.Equal(t, "cam-1@2025-05-20T10:22:31.593745Z", k.String())
}

func TestRecordKey_String(t *testing.T) {
	t.Parallel()

	k := NewRecordKey("cam-1", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, "cam-1@2025-01-01T00:00:00Z", k.String())
}
