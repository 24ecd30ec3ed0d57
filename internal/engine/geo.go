package engine

import (
	"math"
	"sort"

	"github.com/tidwall/rtree"
)

// EarthRadiusKm is the mean earth radius used for great-circle distances.
const EarthRadiusKm = 6371.0088

// GeoPoint is a WGS84 point in decimal degrees.
type GeoPoint struct {
	Lat float64
	Lon float64
}

// HaversineKm returns the great-circle distance between two points in
// kilometers.
func HaversineKm(a, b GeoPoint) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)

	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon

	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

// GeoIndex is the calendar-wide spatial index. Each distinct GEO point
// maps to a posting of (event, conclusion) entries; the backing R-tree
// answers radius lookups without scanning every point.
type GeoIndex struct {
	tree   rtree.RTree
	points map[GeoPoint]*Posting
}

// Posting is the per-term event set shared by GeoIndex and InvertedIndex.
type Posting struct {
	Events map[string]*Conclusion
}

// NewPosting returns an empty posting.
func NewPosting() *Posting {
	return &Posting{Events: map[string]*Conclusion{}}
}

// NewGeoIndex returns an empty spatial index.
func NewGeoIndex() *GeoIndex {
	return &GeoIndex{points: map[GeoPoint]*Posting{}}
}

// Insert records that the event relates to point under the given
// conclusion, replacing any previous conclusion for that event at that
// point.
func (g *GeoIndex) Insert(eventUID string, point GeoPoint, conclusion *Conclusion) {
	posting, ok := g.points[point]
	if !ok {
		posting = NewPosting()
		g.points[point] = posting
		g.tree.Insert(pointMin(point), pointMax(point), point)
	}
	posting.Events[eventUID] = conclusion.Clone()
}

// Remove drops the event's entry at point, pruning the point when its
// posting empties.
func (g *GeoIndex) Remove(eventUID string, point GeoPoint) {
	posting, ok := g.points[point]
	if !ok {
		return
	}
	delete(posting.Events, eventUID)
	if len(posting.Events) == 0 {
		delete(g.points, point)
		g.tree.Delete(pointMin(point), pointMax(point), point)
	}
}

// Clear empties the index.
func (g *GeoIndex) Clear() {
	g.tree = rtree.RTree{}
	g.points = map[GeoPoint]*Posting{}
}

// Len returns the number of distinct indexed points.
func (g *GeoIndex) Len() int {
	return len(g.points)
}

// WithinRadius merges the postings of every point within radiusKm of
// center into one posting of candidate events.
func (g *GeoIndex) WithinRadius(center GeoPoint, radiusKm float64) *Posting {
	merged := NewPosting()

	g.tree.Search(boundingBox(center, radiusKm, true), boundingBox(center, radiusKm, false), func(_, _ [2]float64, data interface{}) bool {
		point := data.(GeoPoint)
		if HaversineKm(center, point) > radiusKm {
			return true
		}
		for eventUID, conclusion := range g.points[point].Events {
			if existing, ok := merged.Events[eventUID]; ok {
				merged.Events[eventUID] = MergeOr(existing, conclusion)
			} else {
				merged.Events[eventUID] = conclusion.Clone()
			}
		}
		return true
	})

	return merged
}

// PointDistance pairs an indexed point with its distance from a query
// center.
type PointDistance struct {
	Point      GeoPoint
	DistanceKm float64
	Posting    *Posting
}

// NearestOrdered returns every indexed point sorted by ascending
// great-circle distance from center.
func (g *GeoIndex) NearestOrdered(center GeoPoint) []PointDistance {
	ordered := make([]PointDistance, 0, len(g.points))
	for point, posting := range g.points {
		ordered = append(ordered, PointDistance{
			Point:      point,
			DistanceKm: HaversineKm(center, point),
			Posting:    posting,
		})
	}

	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].DistanceKm != ordered[j].DistanceKm {
			return ordered[i].DistanceKm < ordered[j].DistanceKm
		}
		if ordered[i].Point.Lat != ordered[j].Point.Lat {
			return ordered[i].Point.Lat < ordered[j].Point.Lat
		}
		return ordered[i].Point.Lon < ordered[j].Point.Lon
	})

	return ordered
}

func pointMin(p GeoPoint) [2]float64 {
	return [2]float64{p.Lon, p.Lat}
}

func pointMax(p GeoPoint) [2]float64 {
	return [2]float64{p.Lon, p.Lat}
}

// boundingBox computes the min (low=true) or max corner of a search box
// that encloses the radius around center, clamped to valid coordinates.
func boundingBox(center GeoPoint, radiusKm float64, low bool) [2]float64 {
	dLat := radiusKm / EarthRadiusKm * 180 / math.Pi

	cosLat := math.Cos(center.Lat * math.Pi / 180)
	dLon := 180.0
	if cosLat > 1e-9 {
		dLon = math.Min(180, dLat/cosLat)
	}

	if low {
		return [2]float64{
			math.Max(-180, center.Lon-dLon),
			math.Max(-90, center.Lat-dLat),
		}
	}
	return [2]float64{
		math.Min(180, center.Lon+dLon),
		math.Min(90, center.Lat+dLat),
	}
}
