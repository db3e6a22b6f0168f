package geo

import (
	"github.com/mmcloughlin/geohash"
)

// SamplePrecision is the geohash length stored on every location sample (~150 m cells).
const SamplePrecision = 7

// Encode coordinates into a geohash with specified precision.
func Encode(lat, lon float64, precision uint) string {
	return geohash.EncodeWithPrecision(lat, lon, precision)
}
