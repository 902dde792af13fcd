package verify

import (
	"fmt"
	"math"
	"time"

	"classattend/internal/model"
)

// EarthRadiusMeters is the mean earth radius used by Distance.
const EarthRadiusMeters = 6371008.8

// Geofence accepts coordinates within the session's configured radius.
type Geofence struct{}

func (Geofence) Method() model.Method { return model.MethodGeofence }

func (Geofence) Verify(s *model.Session, ev model.Evidence, _ time.Time) (model.MethodMatch, error) {
	if s.Geofence == nil {
		return model.MethodMatch{}, fmt.Errorf("session %s has no geofence configured", s.ID)
	}
	if ev.Latitude == nil || ev.Longitude == nil {
		return model.MethodMatch{}, model.NewError(model.KindLocationUnavailable, "no coordinates submitted")
	}
	lat, lng := *ev.Latitude, *ev.Longitude
	if !validCoordinate(lat, lng) {
		return model.MethodMatch{}, model.NewError(model.KindLocationUnavailable,
			fmt.Sprintf("unreadable coordinates %v,%v", lat, lng))
	}

	d := Distance(s.Geofence.Latitude, s.Geofence.Longitude, lat, lng)
	if d > s.Geofence.RadiusMeters {
		return model.MethodMatch{}, model.NewError(model.KindOutsideGeofence,
			fmt.Sprintf("%.1fm from center, radius %.1fm", d, s.Geofence.RadiusMeters))
	}
	return model.MethodMatch{
		Method: model.MethodGeofence,
		Snapshot: model.Snapshot{
			Latitude:       &lat,
			Longitude:      &lng,
			DistanceMeters: &d,
		},
	}, nil
}

func validCoordinate(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// Distance is the haversine great-circle distance in meters.
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	p1 := radians(lat1)
	p2 := radians(lat2)
	dp := radians(lat2 - lat1)
	dl := radians(lng2 - lng1)

	a := math.Sin(dp/2)*math.Sin(dp/2) +
		math.Cos(p1)*math.Cos(p2)*math.Sin(dl/2)*math.Sin(dl/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// Offset returns the point reached by travelling meters from (lat, lng) on
// the given bearing in degrees.
func Offset(lat, lng, meters, bearing float64) (float64, float64) {
	ang := meters / EarthRadiusMeters
	brg := radians(bearing)
	p1 := radians(lat)
	l1 := radians(lng)

	p2 := math.Asin(math.Sin(p1)*math.Cos(ang) + math.Cos(p1)*math.Sin(ang)*math.Cos(brg))
	l2 := l1 + math.Atan2(math.Sin(brg)*math.Sin(ang)*math.Cos(p1), math.Cos(ang)-math.Sin(p1)*math.Sin(p2))
	return degrees(p2), degrees(l2)
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
func degrees(rad float64) float64 { return rad * 180 / math.Pi }
