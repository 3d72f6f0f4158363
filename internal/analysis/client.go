package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to an OpenAI-compatible chat completions endpoint. Event
// analyses and chat answers come back as plain text; day summaries as strict
// JSON.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

func NewClient(baseURL, apiKey, model string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
	}
}

// RequestAnalysis sends one system+user prompt pair and returns the raw text
// of the first choice.
func (c *Client) RequestAnalysis(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.complete(ctx, systemPrompt, userPrompt, false)
}

// DaySummary is the validated JSON shape of a day review.
type DaySummary struct {
	Title      string   `json:"title"`
	Summary    string   `json:"summary"`
	Highlights []string `json:"highlights"`
	Risk       string   `json:"risk"`
}

// RequestDaySummary sends a day prompt in JSON mode and validates the shape
// of what comes back.
func (c *Client) RequestDaySummary(ctx context.Context, systemPrompt, userPrompt string) (DaySummary, error) {
	content, err := c.complete(ctx, systemPrompt, userPrompt, true)
	if err != nil {
		return DaySummary{}, err
	}
	return parseDaySummary(content)
}

func (c *Client) complete(ctx context.Context, systemPrompt, userPrompt string, jsonObject bool) (string, error) {
	endpoint := strings.TrimRight(c.baseURL, "/") + "/v1/chat/completions"
	payload := map[string]interface{}{
		"model":       c.model,
		"temperature": 0.2,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt},
		},
	}
	if jsonObject {
		payload["response_format"] = map[string]string{"type": "json_object"}
	}
	buf, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("llm status %d: %s", resp.StatusCode, string(body))
	}
	var wrapper struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		return "", err
	}
	if len(wrapper.Choices) == 0 {
		return "", errors.New("empty llm response")
	}
	content := strings.TrimSpace(wrapper.Choices[0].Message.Content)
	if content == "" {
		return "", errors.New("empty llm content")
	}
	return content, nil
}

func parseDaySummary(content string) (DaySummary, error) {
	obj := extractJSONObject(content)
	if obj == "" {
		return DaySummary{}, errors.New("no json object found")
	}
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return DaySummary{}, err
	}
	allowed := map[string]struct{}{
		"title": {}, "summary": {}, "highlights": {}, "risk": {},
	}
	for key := range raw {
		if _, ok := allowed[key]; !ok {
			return DaySummary{}, fmt.Errorf("unexpected key %q", key)
		}
	}
	for _, key := range []string{"title", "summary", "highlights", "risk"} {
		if _, ok := raw[key]; !ok {
			return DaySummary{}, fmt.Errorf("missing key %q", key)
		}
	}
	var out DaySummary
	if err := json.Unmarshal([]byte(obj), &out); err != nil {
		return DaySummary{}, err
	}
	out.Title = strings.TrimSpace(out.Title)
	out.Summary = strings.TrimSpace(out.Summary)
	if len(out.Title) > 60 {
		return DaySummary{}, errors.New("title too long")
	}
	if len(out.Summary) > 600 {
		return DaySummary{}, errors.New("summary too long")
	}
	if len(out.Highlights) < 2 || len(out.Highlights) > 5 {
		return DaySummary{}, errors.New("highlights must have 2-5 items")
	}
	for i, item := range out.Highlights {
		item = strings.TrimSpace(item)
		if item == "" {
			return DaySummary{}, errors.New("highlights contains empty item")
		}
		if len(item) > 80 {
			return DaySummary{}, errors.New("highlight item too long")
		}
		out.Highlights[i] = item
	}
	risk := strings.ToLower(strings.TrimSpace(out.Risk))
	if risk != "low" && risk != "medium" && risk != "high" {
		return DaySummary{}, errors.New("risk must be low, medium, or high")
	}
	out.Risk = risk
	return out, nil
}

func extractJSONObject(input string) string {
	start := strings.Index(input, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(input); i++ {
		ch := input[i]
		if inString {
			if escaped {
				escaped = false
				continue
			}
			if ch == '\\' {
				escaped = true
				continue
			}
			if ch == '"' {
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return input[start : i+1]
			}
		}
	}
	return ""
}
