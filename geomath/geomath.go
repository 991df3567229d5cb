// Package geomath provides the spherical geometry used by the position
// pipeline and the geofence rules.  All distances are metres on the
// mean Earth radius.
package geomath

import (
	"github.com/golang/geo/s2"

	"github.com/fleetlink/fleetlink/model"
)

// EarthRadiusM is the IUGG mean Earth radius.
const EarthRadiusM = 6371008.8

// DefaultCorridorM is the corridor half-width applied when a polyline
// fence does not set one.
const DefaultCorridorM = 50.0

// Distance returns the great-circle distance in metres between two
// WGS-84 coordinates.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	p1 := s2.PointFromLatLng(s2.LatLngFromDegrees(lat1, lon1))
	p2 := s2.PointFromLatLng(s2.LatLngFromDegrees(lat2, lon2))
	return p1.Distance(p2).Radians() * EarthRadiusM
}

// InPolygon reports whether the point lies inside the ring.  The ring
// may be given in either winding order; it is normalized to the
// smaller of the two areas it divides the sphere into.
func InPolygon(ring []model.LatLng, lat, lon float64) bool {
	if len(ring) < 3 {
		return false
	}
	points := make([]s2.Point, 0, len(ring))
	for _, ll := range ring {
		points = append(points, s2.PointFromLatLng(s2.LatLngFromDegrees(ll.Lat, ll.Lng)))
	}
	loop := s2.LoopFromPoints(points)
	loop.Normalize()
	return loop.ContainsPoint(s2.PointFromLatLng(s2.LatLngFromDegrees(lat, lon)))
}

// DistanceToPolyline returns the distance in metres from the point to
// the nearest segment of the polyline.
func DistanceToPolyline(line []model.LatLng, lat, lon float64) float64 {
	if len(line) == 0 {
		return 0
	}
	if len(line) == 1 {
		return Distance(line[0].Lat, line[0].Lng, lat, lon)
	}
	latlngs := make([]s2.LatLng, 0, len(line))
	for _, ll := range line {
		latlngs = append(latlngs, s2.LatLngFromDegrees(ll.Lat, ll.Lng))
	}
	polyline := s2.PolylineFromLatLngs(latlngs)
	point := s2.PointFromLatLng(s2.LatLngFromDegrees(lat, lon))
	nearest, _ := polyline.Project(point)
	return nearest.Distance(point).Radians() * EarthRadiusM
}

// InGeofence evaluates containment for any fence kind.  Polyline
// fences use their configured half-width or DefaultCorridorM.
func InGeofence(g *model.Geofence, lat, lon float64) bool {
	switch g.Kind {
	case model.GeofencePolygon:
		return InPolygon(g.Points, lat, lon)
	case model.GeofencePolyline:
		width := g.CorridorM
		if width <= 0 {
			width = DefaultCorridorM
		}
		return DistanceToPolyline(g.Points, lat, lon) <= width
	}
	return false
}
