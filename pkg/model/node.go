package model

import "math"

// GeoLocation carries best-effort IP geolocation resolved by the controller.
// Lat/Lng are pointers because the controller omits them when lookup fails.
type GeoLocation struct {
	IP      string   `json:"ip,omitempty"`
	Lat     *float64 `json:"lat,omitempty"`
	Lng     *float64 `json:"lng,omitempty"`
	City    string   `json:"city,omitempty"`
	Country string   `json:"country,omitempty"`
	Source  string   `json:"source,omitempty"`
}

// LatLng builds a location from a coordinate pair.
func LatLng(lat, lng float64) *GeoLocation {
	return &GeoLocation{Lat: &lat, Lng: &lng}
}

// Coordinate reports the numeric coordinate when both halves are present.
func (g *GeoLocation) Coordinate() (lat, lng float64, ok bool) {
	if g == nil || g.Lat == nil || g.Lng == nil {
		return 0, 0, false
	}
	lat, lng = *g.Lat, *g.Lng
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return 0, 0, false
	}
	return lat, lng, true
}

// Node captures a registered overlay node as seen by the console.
type Node struct {
	ID           string       `json:"id"`
	PublicKey    string       `json:"publicKey,omitempty"`
	Endpoints    []string     `json:"endpoints,omitempty"`
	CIDRs        []string     `json:"cidrs,omitempty"`
	OverlayIP    string       `json:"overlayIp,omitempty"`
	ListenPort   int          `json:"listenPort,omitempty"`
	EgressPeerID string       `json:"egressPeerId,omitempty"`
	Location     *GeoLocation `json:"location,omitempty"`
	Current      bool         `json:"current,omitempty"` // computed at render time, never sent by the controller
}
