package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/anomaly-hunter/internal/analytics/anomaly"
	"github.com/kubilitics/anomaly-hunter/internal/cache"
	"github.com/kubilitics/anomaly-hunter/internal/metrics"
	"github.com/kubilitics/anomaly-hunter/internal/models"
)

// Package ollama provides the Ollama-backed text and severity oracle.
//
// Responsibilities:
//   - Implement anomaly.TextAndSeverityOracle over the Ollama generate API
//   - Parse severity, confidence and hypotheses out of free-form model text
//   - Bound every call with a timeout; report failures as ErrOracleUnavailable
//   - Cache assessments by model + prompt hash
//
// Key Advantage:
//   - Runs entirely on the user's machine, no series data leaves the host
//
// Response Parsing:
//   - severity[:\s]+(\d+)      clamped to 1..10, absent → unrated (0)
//   - confidence[:\s]+([\d.]+) values above 1 read as percent, clamped to 0..1
//   - "Hypothesis: ..." lines  up to 3
//   - Whole trimmed text is the summary
//
// Integration Points:
//   - Detectors (analytics/anomaly): Assess
//   - Cache: assessment LRU
//   - Metrics: request counts and latency by model and status
//   - Health: Ping for readiness

const (
	// DefaultBaseURL is the local Ollama endpoint.
	DefaultBaseURL = "http://localhost:11434"

	// DefaultModel is used when none is configured.
	DefaultModel = "llama3"

	// DefaultTimeout bounds one generate call.
	DefaultTimeout = 30 * time.Second

	providerName  = "ollama"
	maxHypotheses = 3
)

var (
	severityPattern   = regexp.MustCompile(`(?i)severity[:\s]+(\d+)`)
	confidencePattern = regexp.MustCompile(`(?i)confidence[:\s]+([\d.]+)`)
	hypothesisPattern = regexp.MustCompile(`(?im)^\s*(?:[-*\d.)\s]*)hypothesis(?:\s*\d+)?\s*[:\-]\s*(.+)$`)
)

// Config configures the client.
type Config struct {
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Temperature float64
	CacheSize   int
	CacheTTL    time.Duration
}

// Client is an Ollama oracle.
type Client struct {
	baseURL     string
	model       string
	temperature float64
	httpClient  *http.Client
	cache       *cache.Cache[anomaly.Assessment]
	logger      *zap.Logger
}

// NewClient creates an Ollama client. No connection is made until first use.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		cache:       cache.New[anomaly.Assessment]("oracle", cfg.CacheSize, cfg.CacheTTL),
		logger:      logger,
	}
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options *generateOption `json:"options,omitempty"`
}

type generateOption struct {
	Temperature float64 `json:"temperature"`
}

type generateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Assess implements anomaly.TextAndSeverityOracle.
func (c *Client) Assess(ctx context.Context, req anomaly.OracleRequest) (*anomaly.Assessment, error) {
	prompt := req.FullPrompt()
	key := cache.Key(c.model, prompt)
	if a, ok := c.cache.Get(key); ok {
		return copyAssessment(a), nil
	}

	text, err := c.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	a := ParseAssessment(text)
	c.cache.Add(key, *a)
	c.logger.Debug("oracle assessment",
		zap.String("strategy", string(req.Strategy)),
		zap.Int("severity", a.Severity),
		zap.Int("hypotheses", len(a.Hypotheses)),
	)
	return copyAssessment(*a), nil
}

func (c *Client) generate(ctx context.Context, prompt string) (string, error) {
	start := time.Now()
	status := "error"
	defer func() {
		metrics.OracleRequestsTotal.WithLabelValues(providerName, c.model, status).Inc()
		metrics.OracleRequestDuration.WithLabelValues(providerName, c.model).Observe(time.Since(start).Seconds())
	}()

	body := generateRequest{Model: c.model, Prompt: prompt, Stream: false}
	if c.temperature > 0 {
		body.Options = &generateOption{Temperature: c.temperature}
	}
	reqBody, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: request failed: %v", models.ErrOracleUnavailable, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: failed to read response: %v", models.ErrOracleUnavailable, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: API error %d: %s", models.ErrOracleUnavailable, httpResp.StatusCode, string(respBody))
	}

	var resp generateResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("%w: failed to unmarshal response: %v", models.ErrOracleUnavailable, err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("%w: %s", models.ErrOracleUnavailable, resp.Error)
	}
	if strings.TrimSpace(resp.Response) == "" {
		return "", fmt.Errorf("%w: empty response", models.ErrOracleUnavailable)
	}

	status = "success"
	return resp.Response, nil
}

// Ping checks that the Ollama instance answers.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrOracleUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", models.ErrOracleUnavailable, resp.StatusCode)
	}
	return nil
}

// ParseAssessment extracts an assessment from free-form model text.
func ParseAssessment(text string) *anomaly.Assessment {
	a := &anomaly.Assessment{Summary: strings.TrimSpace(text)}

	if m := severityPattern.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			switch {
			case n < 1:
				n = 1
			case n > 10:
				n = 10
			}
			a.Severity = n
		}
	}

	if m := confidencePattern.FindStringSubmatch(text); m != nil {
		if f, err := strconv.ParseFloat(strings.TrimRight(m[1], "."), 64); err == nil {
			if f > 1 && f <= 100 {
				f /= 100
			}
			if f > 1 {
				f = 1
			}
			a.Confidence = &f
		}
	}

	for _, m := range hypothesisPattern.FindAllStringSubmatch(text, -1) {
		h := strings.TrimSpace(m[1])
		if h == "" {
			continue
		}
		a.Hypotheses = append(a.Hypotheses, h)
		if len(a.Hypotheses) == maxHypotheses {
			break
		}
	}
	return a
}

func copyAssessment(a anomaly.Assessment) *anomaly.Assessment {
	out := a
	if a.Confidence != nil {
		c := *a.Confidence
		out.Confidence = &c
	}
	if a.Hypotheses != nil {
		out.Hypotheses = append([]string(nil), a.Hypotheses...)
	}
	return &out
}
