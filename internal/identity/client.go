// Package identity implements the two outbound HTTP clients the engine
// depends on: the identity service's bearer-token /me lookup, satisfying
// sessiontable.AuthClient, and the chart/record service, satisfying
// engine.ChartService. Both wrap their calls in a sony/gobreaker circuit
// breaker so a stalled upstream degrades to fast failures instead of
// piling up goroutines blocked on slow HTTP calls.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/rhythmsession/server/internal/model"
)

// AuthClient calls GET {apiURL}/me with the client's bearer token.
type AuthClient struct {
	apiURL     string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
}

func NewAuthClient(apiURL string) *AuthClient {
	return &AuthClient{
		apiURL:     apiURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "identity-auth",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

type meResponse struct {
	ID   int32  `json:"id"`
	Name string `json:"name"`
}

func (c *AuthClient) Authenticate(ctx context.Context, token string) (model.User, error) {
	result, err := c.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/me", nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("identity: /me returned %d", resp.StatusCode)
		}
		var me meResponse
		if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
			return nil, fmt.Errorf("identity: decoding /me response: %w", err)
		}
		return me, nil
	})
	if err != nil {
		return model.User{}, err
	}
	me := result.(meResponse)
	return model.User{ID: me.ID, Name: me.Name}, nil
}

// ChartClient resolves chart metadata and authoritative play records from
// the external chart/record HTTP service.
type ChartClient struct {
	apiURL     string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
}

func NewChartClient(apiURL string) *ChartClient {
	return &ChartClient{
		apiURL:     apiURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "chart-service",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (c *ChartClient) FetchChart(ctx context.Context, chartID int32) (model.ChartInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	result, err := c.cb.Execute(func() (interface{}, error) {
		var chart model.ChartInfo
		if err := c.getJSON(ctx, fmt.Sprintf("/charts/%d", chartID), &chart); err != nil {
			return nil, err
		}
		return chart, nil
	})
	if err != nil {
		return model.ChartInfo{}, err
	}
	return result.(model.ChartInfo), nil
}

func (c *ChartClient) FetchRecord(ctx context.Context, recordID int32) (model.PlayerScore, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	result, err := c.cb.Execute(func() (interface{}, error) {
		var score model.PlayerScore
		if err := c.getJSON(ctx, fmt.Sprintf("/records/%d", recordID), &score); err != nil {
			return nil, err
		}
		return score, nil
	})
	if err != nil {
		return model.PlayerScore{}, err
	}
	return result.(model.PlayerScore), nil
}

func (c *ChartClient) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chart service: %s returned %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
