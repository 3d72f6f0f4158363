// Package nightscout pulls glucose entries from a Nightscout server.
package nightscout

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tzaczek/GlucoseMonitor-sub000/internal/model"
)

const defaultFetchLimit = 288

// Client reads sensor glucose values from the Nightscout REST API. A token
// authenticates as a Bearer header; otherwise the legacy hashed API secret
// is sent. Both empty works against open instances.
type Client struct {
	baseURL    string
	secret     string
	token      string
	fetchLimit int
	httpClient *http.Client
}

func NewClient(baseURL, secret, token string, fetchLimit int) *Client {
	if fetchLimit <= 0 {
		fetchLimit = defaultFetchLimit
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secret:     secret,
		token:      token,
		fetchLimit: fetchLimit,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Nightscout hashes the secret with SHA1 on its side, the header must match.
func hashSecret(secret string) string {
	sum := sha1.Sum([]byte(secret))
	return hex.EncodeToString(sum[:])
}

type entry struct {
	SGV       float64 `json:"sgv"`
	Date      int64   `json:"date"`
	Direction string  `json:"direction"`
}

// FetchNewReadings returns entries newer than since, oldest first. A zero
// since fetches the newest fetchLimit entries, which bounds the first sync.
func (c *Client) FetchNewReadings(ctx context.Context, since time.Time) ([]model.Reading, error) {
	params := url.Values{}
	params.Set("count", strconv.Itoa(c.fetchLimit))
	if !since.IsZero() {
		params.Set("find[date][$gte]", strconv.FormatInt(since.UnixMilli(), 10))
	}

	body, err := c.get(ctx, "/api/v1/entries/sgv.json", params)
	if err != nil {
		return nil, err
	}
	var entries []entry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("parse entries: %w", err)
	}

	readings := make([]model.Reading, 0, len(entries))
	for _, e := range entries {
		readings = append(readings, model.Reading{
			Timestamp: time.UnixMilli(e.Date).UTC(),
			Value:     e.SGV,
			Trend:     model.TrendFromDirection(e.Direction),
		})
	}
	// The API serves newest first.
	sort.Slice(readings, func(i, j int) bool { return readings[i].Timestamp.Before(readings[j].Timestamp) })
	return readings, nil
}

// Ping checks that the server answers the status endpoint.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.get(ctx, "/api/v1/status.json", nil)
	return err
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	fullURL := c.baseURL + endpoint
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else if c.secret != "" {
		req.Header.Set("API-SECRET", hashSecret(c.secret))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("nightscout request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("nightscout status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
