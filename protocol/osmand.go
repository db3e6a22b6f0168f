package protocol

import (
	"net/url"
	"time"

	"crewmap/models"
)

// ParseOsmAnd decodes protocol A, the OsmAnd query string sent by Traccar Client:
//
//	?id=<driver>&lat=..&lon=..&timestamp=<epoch s>&hdop=..&altitude=..&speed=..&bearing=..
//
// id wins over deviceid. hdop is stored as accuracy and bearing as heading.
func ParseOsmAnd(q url.Values, now time.Time) (models.RawFix, error) {
	fix, err := singleFix(models.ProtocolOsmAnd, first(q, "id", "deviceid"), q)
	if err != nil {
		return fix, err
	}
	fix.Timestamp = epochSeconds(first(q, "timestamp"), now)
	fix.Speed = optionalFloat(first(q, "speed"))
	fix.Altitude = optionalFloat(first(q, "altitude"))
	fix.Accuracy = optionalFloat(first(q, "hdop"))
	fix.Heading = optionalFloat(first(q, "bearing"))
	return fix, nil
}
