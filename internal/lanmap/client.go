package lanmap

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/ecowitt-bridge/internal/httpkit"
)

const (
	sensorsInfoPath = "/get_sensors_info?page=1"
	liveDataPath    = "/get_livedata_info"
)

// placeholderIDs are reported for sensor slots that are not paired.
var placeholderIDs = map[string]bool{
	"FFFFFFFF": true,
	"FFFFFFFE": true,
}

// flexString decodes a JSON string or number into a string. Gateway
// firmwares disagree on whether ids and signal values are quoted.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*f = ""
		return nil
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		*f = flexString(unquoted)
		return nil
	}
	*f = flexString(s)
	return nil
}

type sensorInfo struct {
	ID     flexString `json:"id"`
	Img    flexString `json:"img"`
	Type   flexString `json:"type"`
	Name   flexString `json:"name"`
	IDSt   flexString `json:"idst"`
	Batt   flexString `json:"batt"`
	RSSI   flexString `json:"rssi"`
	Signal flexString `json:"signal"`
}

// Client talks to a gateway's LAN HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a LAN API client for baseURL (scheme and host, e.g.
// "http://192.168.0.46"). timeout bounds every request.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(timeout),
			httpkit.WithRetry(1, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// SensorsInfo fetches the paired sensor list. Placeholder slots and
// entries without an id are dropped; ids are upper-cased.
func (c *Client) SensorsInfo(ctx context.Context) ([]Sensor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+sensorsInfoPath, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrFetch, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request %s: %w", ErrFetch, sensorsInfoPath, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 256)
		return nil, fmt.Errorf("%w: gateway status %d: %s", ErrFetch, resp.StatusCode, body)
	}

	var items []sensorInfo
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ErrFetch, err)
	}

	sensors := make([]Sensor, 0, len(items))
	for _, it := range items {
		id := strings.ToUpper(strings.TrimSpace(string(it.ID)))
		if id == "" || placeholderIDs[id] {
			continue
		}
		s := Sensor{
			HardwareID: id,
			Model:      strings.ToUpper(strings.TrimSpace(string(it.Img))),
			TypeID:     string(it.Type),
			Name:       strings.TrimSpace(string(it.Name)),
			Outdoor:    string(it.IDSt) == "1",
			Battery:    string(it.Batt),
			RSSI:       string(it.RSSI),
		}
		if n, err := strconv.Atoi(string(it.Signal)); err == nil {
			s.Signal = &n
		}
		sensors = append(sensors, s)
	}
	return sensors, nil
}

// Ping requests the live data endpoint to confirm the gateway answers.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+liveDataPath, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway status %d", resp.StatusCode)
	}
	return nil
}
