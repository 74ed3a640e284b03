// internal/analyze/llm.go
package analyze

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aidenlabs/aiden/internal/protocol"
)

// ErrLLMUnavailable indicates all LLM endpoints are down
var ErrLLMUnavailable = errors.New("all LLM endpoints unavailable")

// Endpoint represents a single LLM provider
type Endpoint struct {
	URL    string
	Model  string
	APIKey string
}

// LLMClient calls LLM inference APIs with fallback support (OpenAI-compatible format)
type LLMClient struct {
	endpoints []Endpoint
	client    *http.Client
}

// NewLLMClient creates a new LLM client with fallback chain
func NewLLMClient(endpoints []Endpoint) *LLMClient {
	return &LLMClient{
		endpoints: endpoints,
		client: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 5 * time.Second,
				}).DialContext,
			},
		},
	}
}

// Analyze asks the LLM to explain an error and returns the parsed four
// sections. Tries each endpoint in order; returns ErrLLMUnavailable only if
// ALL fail.
func (c *LLMClient) Analyze(ctx context.Context, ev protocol.ErrorEvent) (protocol.Solution, error) {
	if len(c.endpoints) == 0 {
		return protocol.Solution{}, errors.New("no LLM endpoints configured")
	}

	prompt := BuildPrompt(ev)

	var lastErr error
	for i, ep := range c.endpoints {
		text, err := c.tryEndpoint(ctx, ep, prompt)
		if err == nil {
			if i > 0 {
				log.Printf("LLM fallback: endpoint %d (%s) succeeded after %d failures", i+1, ep.Model, i)
			}
			return ParseSolution(ev.ID, text), nil
		}

		lastErr = err
		if isUnavailableErr(err) {
			log.Printf("LLM endpoint %d (%s) unavailable: %v, trying next...", i+1, ep.Model, err)
			continue
		}

		// Non-availability error (e.g., malformed body) - don't try fallback
		return protocol.Solution{}, err
	}

	return protocol.Solution{}, fmt.Errorf("%w: %v", ErrLLMUnavailable, lastErr)
}

func (c *LLMClient) tryEndpoint(ctx context.Context, ep Endpoint, prompt string) (string, error) {
	reqBody := map[string]interface{}{
		"model": ep.Model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"temperature": 0.3,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	url := strings.TrimSuffix(ep.URL, "/") + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", err
	}

	req.Header.Set("Content-Type", "application/json")
	if ep.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("connection failed: %w", err)
		}
		return "", err
	}
	defer resp.Body.Close()

	// Service unavailable / bad gateway / gateway timeout - try next endpoint
	if resp.StatusCode == http.StatusBadGateway ||
		resp.StatusCode == http.StatusServiceUnavailable ||
		resp.StatusCode == http.StatusGatewayTimeout {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("API error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var apiResp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return "", err
	}

	if len(apiResp.Choices) == 0 {
		return "", fmt.Errorf("empty response from API")
	}
	return apiResp.Choices[0].Message.Content, nil
}

// ParseSolution splits an LLM response into the four labeled sections.
// Tolerant of markdown decoration around the headers; a section the model
// skipped gets a fallback note.
func ParseSolution(errorID, text string) protocol.Solution {
	sections := map[string]*strings.Builder{
		"root_cause": {},
		"impact":     {},
		"solution":   {},
		"prevention": {},
	}

	current := ""
	for _, line := range strings.Split(text, "\n") {
		header := strings.ToLower(strings.Trim(line, " *#:-"))
		switch {
		case strings.Contains(header, "root cause"):
			current = "root_cause"
			continue
		case strings.Contains(header, "impact"):
			current = "impact"
			continue
		case strings.Contains(header, "prevention"):
			current = "prevention"
			continue
		case strings.Contains(header, "solution"):
			current = "solution"
			continue
		}
		if current != "" && strings.TrimSpace(line) != "" {
			sections[current].WriteString(line)
			sections[current].WriteString("\n")
		}
	}

	get := func(key string) string {
		s := strings.TrimSpace(sections[key].String())
		if s == "" {
			return "Unable to determine from context."
		}
		return s
	}

	return protocol.Solution{
		ErrorID:    errorID,
		RootCause:  get("root_cause"),
		Impact:     get("impact"),
		Solution:   get("solution"),
		Prevention: get("prevention"),
		CreatedAt:  time.Now(),
	}
}

// isUnavailableErr checks if an error indicates a transient availability issue
func isUnavailableErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "connection") ||
		strings.Contains(s, "HTTP 502") ||
		strings.Contains(s, "HTTP 503") ||
		strings.Contains(s, "HTTP 504")
}

// IsUnavailable checks if the error indicates all LLM endpoints are down
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrLLMUnavailable)
}
