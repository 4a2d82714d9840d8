package api

import (
	"net/http"
	"strconv"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/leezencounter/leezen/internal/model"
)

// stationFeatures renders stations as GeoJSON points in WGS84 (lon, lat order).
func stationFeatures(stations []model.Station) *geojson.FeatureCollection {
	fc := &geojson.FeatureCollection{Features: make([]*geojson.Feature, 0, len(stations))}
	for _, st := range stations {
		fc.Features = append(fc.Features, &geojson.Feature{
			ID:       strconv.FormatInt(st.ID, 10),
			Geometry: geom.NewPointFlat(geom.XY, []float64{st.Longitude, st.Latitude}),
			Properties: map[string]any{
				"name":             st.Name,
				"address":          st.Address,
				"city":             st.City,
				"capacity":         st.Capacity,
				"ttn_location_key": st.TTNLocationKey,
				"demo":             st.Demo,
				"default_location": st.DefaultLocation,
			},
		})
	}
	return fc
}

func (s *server) handleStationsGeoJSON(w http.ResponseWriter, r *http.Request) {
	stations, err := s.Stations.List(r.Context())
	if err != nil {
		writeInternal(w, r, "failed to list stations", err)
		return
	}
	body, err := stationFeatures(stations).MarshalJSON()
	if err != nil {
		writeInternal(w, r, "failed to encode stations", err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
