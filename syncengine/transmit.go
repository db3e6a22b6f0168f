package syncengine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// OsmAndTransmitter posts fixes in the OsmAnd query-string format understood by
// the server's /webhooks/osmand endpoint.
type OsmAndTransmitter struct {
	endpoint string
	deviceID string
	client   *http.Client
}

func NewOsmAndTransmitter(endpoint, deviceID string, client *http.Client) *OsmAndTransmitter {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &OsmAndTransmitter{endpoint: endpoint, deviceID: deviceID, client: client}
}

// Query encodes fix as OsmAnd parameters. Speed is sent in meters per second.
func (t *OsmAndTransmitter) Query(fix Fix) url.Values {
	q := url.Values{}
	q.Set("id", t.deviceID)
	q.Set("lat", formatFloat(fix.Latitude))
	q.Set("lon", formatFloat(fix.Longitude))
	q.Set("timestamp", strconv.FormatInt(fix.Timestamp.Unix(), 10))
	setOptional(q, "speed", fix.Speed)
	setOptional(q, "bearing", fix.Heading)
	setOptional(q, "hdop", fix.Accuracy)
	setOptional(q, "altitude", fix.Altitude)
	return q
}

func (t *OsmAndTransmitter) Transmit(ctx context.Context, fix Fix) error {
	u, err := url.Parse(t.endpoint)
	if err != nil {
		return fmt.Errorf("parsing endpoint: %w", err)
	}
	u.RawQuery = t.Query(fix).Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending fix: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server answered %d: %s", resp.StatusCode, body)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func setOptional(q url.Values, key string, v *float64) {
	if v != nil {
		q.Set(key, formatFloat(*v))
	}
}
