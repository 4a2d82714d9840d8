// Package bbox converts detector bounding boxes between the raw corner format
// sent by the cameras and the normalized center format used for display.
package bbox

import (
	"github.com/rotisserie/eris"

	"github.com/leezencounter/leezen/internal/model"
)

// Frame is the reference image size the camera reports pixel coordinates in.
// It must match the camera's native resolution; a mismatch shifts every box.
type Frame struct {
	Width  float64 `yaml:"width" mapstructure:"width"`
	Height float64 `yaml:"height" mapstructure:"height"`
}

// Validate reports whether the frame can be used as a divisor.
func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return eris.Errorf("bbox: invalid reference frame %gx%g", f.Width, f.Height)
	}
	return nil
}

// Normalize converts a raw [x1, y1, x2, y2] box into [cx, cy, w, h] on a 0-1
// scale relative to frame. Boxes that do not have exactly four coordinates
// are returned unchanged.
func Normalize(box []float64, frame Frame) []float64 {
	if len(box) != 4 {
		return box
	}
	x1, y1, x2, y2 := box[0], box[1], box[2], box[3]
	w := x2 - x1
	h := y2 - y1
	return []float64{
		(x1 + w/2) / frame.Width,
		(y1 + h/2) / frame.Height,
		w / frame.Width,
		h / frame.Height,
	}
}

// NormalizePredictions returns a copy of preds with every box normalized.
func NormalizePredictions(preds []model.Prediction, frame Frame) []model.Prediction {
	if preds == nil {
		return nil
	}
	out := make([]model.Prediction, len(preds))
	for i, p := range preds {
		p.BBox = Normalize(p.BBox, frame)
		out[i] = p
	}
	return out
}

// NormalizeRecord returns a copy of rec with normalized predictions.
func NormalizeRecord(rec model.DetectionRecord, frame Frame) model.DetectionRecord {
	rec.Predictions = NormalizePredictions(rec.Predictions, frame)
	return rec
}

// NormalizeRecords normalizes every record in recs.
func NormalizeRecords(recs []model.DetectionRecord, frame Frame) []model.DetectionRecord {
	out := make([]model.DetectionRecord, len(recs))
	for i, r := range recs {
		out[i] = NormalizeRecord(r, frame)
	}
	return out
}
