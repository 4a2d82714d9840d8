package model

import "time"

// Station is a monitored bicycle-parking location (a "Leezenbox").
type Station struct {
	ID                  int64     `json:"id" yaml:"-"`
	Name                string    `json:"name" yaml:"name"`
	Address             string    `json:"address" yaml:"address"`
	Postcode            string    `json:"postcode" yaml:"postcode"`
	City                string    `json:"city" yaml:"city"`
	Latitude            float64   `json:"latitude" yaml:"latitude"`
	Longitude           float64   `json:"longitude" yaml:"longitude"`
	Capacity            int       `json:"capacity" yaml:"capacity"`
	NumLockersWithPower int       `json:"num_lockers_with_power" yaml:"num_lockers_with_power"`
	TTNLocationKey      string    `json:"ttn_location_key" yaml:"ttn_location_key"`
	Demo                bool      `json:"demo" yaml:"demo"`
	DefaultLocation     bool      `json:"default_location" yaml:"default_location"`
	CreatedAt           time.Time `json:"created_at" yaml:"-"`
}
