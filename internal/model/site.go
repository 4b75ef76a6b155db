package model

import "time"

// Coordinates is a latitude/longitude pair
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Camera is a monitoring camera installed on a site
type Camera struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	SiteID      string       `json:"site_id"`
	Location    string       `json:"location,omitempty"`
	Status      string       `json:"status,omitempty"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
}

// Site types with a progress multiplier
const (
	SiteTypeHighRise   = "high_rise"
	SiteTypeComplex    = "complex"
	SiteTypeRenovation = "renovation"
)

// Site describes a construction site
type Site struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Type      string     `json:"type,omitempty"`
	StartDate *time.Time `json:"start_date,omitempty"`
	Lat       float64    `json:"lat"`
	Lon       float64    `json:"lon"`
}

// HasLocation reports whether the site carries usable coordinates
func (s *Site) HasLocation() bool {
	return s.Lat != 0 || s.Lon != 0
}
