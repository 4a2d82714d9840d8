package occupancy

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/leezencounter/leezen/internal/bbox"
	"github.com/leezencounter/leezen/internal/model"
)

const (
	demoHours      = 30 * 24
	demoActiveRate = 0.7
	demoMaxBikes   = 8
)

// DemoRecords generates hourly synthetic detection records for a demo station
// covering the 30 days up to now. Output depends only on the station, the
// hour and the frame, so repeated calls within an hour agree. Boxes are in
// raw pixel coordinates of frame, oldest record first.
func DemoRecords(st model.Station, frame bbox.Frame, now time.Time) []model.DetectionRecord {
	end := now.UTC().Truncate(time.Hour)
	recs := make([]model.DetectionRecord, 0, demoHours)

	for h := demoHours - 1; h >= 0; h-- {
		at := end.Add(-time.Duration(h) * time.Hour)
		rng := rand.New(rand.NewPCG(uint64(at.Unix()), uint64(st.ID)))
		if rng.Float64() >= demoActiveRate {
			continue
		}

		n := rng.IntN(demoMaxBikes + 1)
		preds := make([]model.Prediction, n)
		for i := range preds {
			w := frame.Width * (0.04 + rng.Float64()*0.12)
			ht := frame.Height * (0.06 + rng.Float64()*0.14)
			x := rng.Float64() * (frame.Width - w)
			y := rng.Float64() * (frame.Height - ht)
			preds[i] = model.Prediction{
				BBox:       []float64{x, y, x + w, y + ht},
				Confidence: 0.7 + rng.Float64()*0.25,
			}
		}

		recs = append(recs, model.DetectionRecord{
			DeviceID:            fmt.Sprintf("demo-%d", st.ID),
			ReceivedAt:          at,
			Location:            st.TTNLocationKey,
			Timestamp:           at,
			TotalDetected:       n,
			Predictions:         preds,
			ConfidenceThreshold: model.DefaultConfidenceThreshold,
		})
	}
	return recs
}
