package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nilmstack/nilm-engine/internal/models"
	"github.com/nilmstack/nilm-engine/internal/utils"
)

// ErrSensorUnavailable is returned when the sensor state is not numeric.
var ErrSensorUnavailable = errors.New("collector: sensor state unavailable")

// HomeAssistantClient reads a power sensor through the Home Assistant REST API.
type HomeAssistantClient struct {
	baseURL    string
	token      string
	entityID   string
	httpClient *http.Client
}

// NewHomeAssistantClient constructs a client for one sensor entity.
func NewHomeAssistantClient(baseURL, token, entityID string, timeout time.Duration) *HomeAssistantClient {
	return &HomeAssistantClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		entityID: entityID,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type stateResponse struct {
	EntityID    string `json:"entity_id"`
	State       string `json:"state"`
	LastUpdated string `json:"last_updated"`
}

// Read fetches the current sensor state as a power sample.
func (c *HomeAssistantClient) Read(ctx context.Context) (models.PowerSample, error) {
	if c == nil {
		return models.PowerSample{}, fmt.Errorf("home assistant client not initialised")
	}
	if c.baseURL == "" || c.entityID == "" {
		return models.PowerSample{}, fmt.Errorf("home assistant url and entity not configured")
	}

	endpoint := c.baseURL + "/api/states/" + url.PathEscape(c.entityID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return models.PowerSample{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.PowerSample{}, fmt.Errorf("home assistant request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.PowerSample{}, fmt.Errorf("home assistant returned %s", resp.Status)
	}

	var state stateResponse
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return models.PowerSample{}, fmt.Errorf("decode state: %w", err)
	}

	power, err := strconv.ParseFloat(strings.TrimSpace(state.State), 64)
	if err != nil {
		return models.PowerSample{}, fmt.Errorf("%w: %q", ErrSensorUnavailable, state.State)
	}
	ts, err := utils.ParseTimestamp(state.LastUpdated)
	if err != nil {
		return models.PowerSample{}, fmt.Errorf("parse last_updated: %w", err)
	}
	return models.PowerSample{Timestamp: ts.UTC(), Power: power}, nil
}
