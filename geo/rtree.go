package geo

import (
	"math"
	"sort"
	"sync"

	"github.com/dhconnelly/rtreego"
)

const (
	metersPerDegree = 111320.0
	pointTolerance  = 0.00001
)

// Entry is an identified point stored in an Index.
type Entry struct {
	ID    string
	Point Point
}

// Bounds satisfies rtreego.Spatial with a tiny box around the point.
func (e *Entry) Bounds() rtreego.Rect {
	return rtreego.Point{e.Point.Lat, e.Point.Lon}.ToRect(pointTolerance)
}

// Hit is an index entry together with its distance from the query point.
type Hit struct {
	Entry
	DistanceMeters float64
}

// Index is an R-tree over points, safe for concurrent use.
type Index struct {
	mu   sync.RWMutex
	tree *rtreego.Rtree
}

// NewIndex builds an index holding the given entries.
func NewIndex(entries ...Entry) *Index {
	idx := &Index{tree: rtreego.NewTree(2, 25, 50)}
	for _, e := range entries {
		idx.Insert(e)
	}
	return idx
}

// Insert adds an entry to the index.
func (idx *Index) Insert(e Entry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	entry := e
	idx.tree.Insert(&entry)
}

// Nearby returns the entries within radiusMeters of center, closest first.
// The R-tree prunes by a degree bounding box; Haversine decides membership.
func (idx *Index) Nearby(center Point, radiusMeters float64) []Hit {
	if radiusMeters <= 0 {
		return nil
	}
	box, err := boundingBox(center, radiusMeters)
	if err != nil {
		return nil
	}

	idx.mu.RLock()
	candidates := idx.tree.SearchIntersect(box)
	idx.mu.RUnlock()

	var hits []Hit
	for _, c := range candidates {
		e := c.(*Entry)
		d := DistanceMeters(center, e.Point)
		if d <= radiusMeters {
			hits = append(hits, Hit{Entry: *e, DistanceMeters: d})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		return hits[i].DistanceMeters < hits[j].DistanceMeters
	})
	return hits
}

// boundingBox returns a lat/lon rectangle that contains the circle of the
// given radius around center.
func boundingBox(center Point, radiusMeters float64) (rtreego.Rect, error) {
	dLat := radiusMeters / metersPerDegree
	cosLat := math.Cos(toRad(center.Lat))
	dLon := 180.0
	if cosLat > 1e-9 {
		dLon = math.Min(180, radiusMeters/(metersPerDegree*cosLat))
	}
	origin := rtreego.Point{center.Lat - dLat, center.Lon - dLon}
	return rtreego.NewRect(origin, []float64{2 * dLat, 2 * dLon})
}
