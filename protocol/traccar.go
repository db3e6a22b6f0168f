package protocol

import (
	"net/url"
	"time"

	"crewmap/models"
)

// ParseTraccar decodes protocol C. Parameters come from the query string or a
// form body; deviceid wins over id and bearing wins over heading. The
// identifier may be a driver UUID or CREWCODE:nickname.
func ParseTraccar(params url.Values, now time.Time) (models.RawFix, error) {
	fix, err := singleFix(models.ProtocolTraccar, first(params, "deviceid", "id"), params)
	if err != nil {
		return fix, err
	}
	fix.Timestamp = epochSeconds(first(params, "timestamp"), now)
	fix.Speed = optionalFloat(first(params, "speed"))
	fix.Heading = optionalFloat(first(params, "bearing", "heading"))
	fix.Accuracy = optionalFloat(first(params, "accuracy"))
	fix.Altitude = optionalFloat(first(params, "altitude"))
	return fix, nil
}
