package engine

import (
	"math"
	"testing"
)

var (
	oxford  = GeoPoint{Lat: 51.7513, Lon: -1.2601}
	bristol = GeoPoint{Lat: 51.4544, Lon: -2.5883}
	cardiff = GeoPoint{Lat: 51.3432, Lon: -3.1608}
	newYork = GeoPoint{Lat: 40.7128, Lon: -74.006}
)

func TestHaversineKm(t *testing.T) {
	// Zero iff points coincide.
	if d := HaversineKm(oxford, oxford); d != 0 {
		t.Errorf("distance to self = %f, want 0", d)
	}
	if d := HaversineKm(oxford, bristol); d == 0 {
		t.Error("distance between distinct points should be non-zero")
	}

	// Symmetry.
	if a, b := HaversineKm(oxford, newYork), HaversineKm(newYork, oxford); math.Abs(a-b) > 1e-9 {
		t.Errorf("asymmetric distance: %f vs %f", a, b)
	}

	// Known magnitude: Oxford to New York is roughly 5.5 thousand km.
	if d := HaversineKm(oxford, newYork); d < 5300 || d > 5700 {
		t.Errorf("Oxford-New York = %f km, outside sanity range", d)
	}

	// Short-range sanity: Bristol to Cardiff is a few tens of km.
	if d := HaversineKm(bristol, cardiff); d < 30 || d > 60 {
		t.Errorf("Bristol-Cardiff = %f km, outside sanity range", d)
	}
}

func TestGeoIndexWithinRadius(t *testing.T) {
	index := NewGeoIndex()
	index.Insert("E1", oxford, IncludeAll())
	index.Insert("E2", bristol, IncludeAll())
	index.Insert("E3", newYork, IncludeAll())

	posting := index.WithinRadius(cardiff, 60)
	if _, ok := posting.Events["E2"]; !ok {
		t.Error("Bristol event should fall within 60km of Cardiff")
	}
	if _, ok := posting.Events["E1"]; ok {
		t.Error("Oxford event should not fall within 60km of Cardiff")
	}
	if _, ok := posting.Events["E3"]; ok {
		t.Error("New York event should not fall within 60km of Cardiff")
	}
}

func TestGeoIndexSharedPointMergesPostings(t *testing.T) {
	index := NewGeoIndex()
	index.Insert("E1", oxford, IncludeAll())
	index.Insert("E2", oxford, ExcludeAllExcept(100))

	posting := index.WithinRadius(oxford, 1)
	if len(posting.Events) != 2 {
		t.Fatalf("expected both events at the shared point, got %d", len(posting.Events))
	}
	if !posting.Events["E2"].IncludesOccurrence(100) || posting.Events["E2"].IncludesOccurrence(200) {
		t.Error("override-scope conclusion lost in radius merge")
	}
}

func TestGeoIndexRemovePrunesPoints(t *testing.T) {
	index := NewGeoIndex()
	index.Insert("E1", oxford, IncludeAll())
	index.Insert("E2", oxford, IncludeAll())

	index.Remove("E1", oxford)
	if index.Len() != 1 {
		t.Fatalf("point should survive while a posting remains, len = %d", index.Len())
	}

	index.Remove("E2", oxford)
	if index.Len() != 0 {
		t.Fatalf("point should be pruned once empty, len = %d", index.Len())
	}
	if posting := index.WithinRadius(oxford, 10); len(posting.Events) != 0 {
		t.Error("removed point still matches radius search")
	}
}

func TestGeoIndexNearestOrdered(t *testing.T) {
	index := NewGeoIndex()
	index.Insert("E1", oxford, IncludeAll())
	index.Insert("E2", bristol, IncludeAll())
	index.Insert("E3", newYork, IncludeAll())

	ordered := index.NearestOrdered(cardiff)
	if len(ordered) != 3 {
		t.Fatalf("expected 3 points, got %d", len(ordered))
	}
	if ordered[0].Point != bristol || ordered[1].Point != oxford || ordered[2].Point != newYork {
		t.Errorf("unexpected order: %v", ordered)
	}
	for i := 1; i < len(ordered); i++ {
		if ordered[i].DistanceKm < ordered[i-1].DistanceKm {
			t.Error("distances not ascending")
		}
	}
}
