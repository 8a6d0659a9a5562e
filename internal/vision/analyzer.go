// Package vision calls the image classification model that feeds the
// triage engine's vision input.
package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/medagen/medagen/internal/logging"
	"github.com/medagen/medagen/internal/triage"
)

var (
	ErrNotConfigured = errors.New("vision endpoint not configured")
	ErrBadResponse   = errors.New("vision model returned an unusable response")
)

// Analyzer classifies the image at imageURL. Every returned probability
// is in [0,1].
type Analyzer interface {
	Analyze(ctx context.Context, imageURL string) (triage.VisionResult, error)
}

// HTTPAnalyzer calls a Gradio-style prediction endpoint.
type HTTPAnalyzer struct {
	Endpoint string
	Model    string
	TopK     int
	Client   *http.Client
	Logger   *slog.Logger
}

func NewHTTPAnalyzer(endpoint string, timeout time.Duration, logger *slog.Logger) *HTTPAnalyzer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPAnalyzer{
		Endpoint: endpoint,
		Model:    "dermnet",
		TopK:     3,
		Client:   &http.Client{Timeout: timeout},
		Logger:   logger,
	}
}

type predictRequest struct {
	Data []any `json:"data"`
}

type predictResponse struct {
	Data []json.RawMessage `json:"data"`
}

type prediction struct {
	Success     bool   `json:"success"`
	Error       string `json:"error"`
	Predictions []struct {
		Class      string  `json:"class"`
		Confidence float64 `json:"confidence"`
	} `json:"predictions"`
}

func (a *HTTPAnalyzer) Analyze(ctx context.Context, imageURL string) (triage.VisionResult, error) {
	log := logging.OrDefault(a.Logger)
	if a.Endpoint == "" {
		return triage.VisionResult{}, ErrNotConfigured
	}
	imageURL = strings.TrimSpace(strings.SplitN(imageURL, "\n", 2)[0])
	if imageURL == "" {
		return triage.VisionResult{}, errors.New("image url is empty")
	}

	body, err := json.Marshal(predictRequest{Data: []any{imageURL, a.Model, a.TopK}})
	if err != nil {
		return triage.VisionResult{}, err
	}
	endpoint := strings.TrimRight(a.Endpoint, "/") + "/run/handle_prediction"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return triage.VisionResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return triage.VisionResult{}, fmt.Errorf("call vision model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return triage.VisionResult{}, fmt.Errorf("vision model returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return triage.VisionResult{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	result, err := parsePrediction(out)
	if err != nil {
		return triage.VisionResult{}, err
	}
	log.Info("vision analysis complete",
		"model", a.Model,
		"predictions", len(result.TopConditions),
		"duration", time.Since(start),
	)
	return result, nil
}

// parsePrediction unwraps the first data element, which the endpoint may
// send either as an object or as a JSON-encoded string.
func parsePrediction(out predictResponse) (triage.VisionResult, error) {
	if len(out.Data) == 0 {
		return triage.VisionResult{}, fmt.Errorf("%w: empty data", ErrBadResponse)
	}
	raw := out.Data[0]
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		raw = json.RawMessage(s)
	}

	var p prediction
	if err := json.Unmarshal(raw, &p); err != nil {
		return triage.VisionResult{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if !p.Success {
		msg := p.Error
		if msg == "" {
			msg = "unknown error"
		}
		return triage.VisionResult{}, fmt.Errorf("%w: %s", ErrBadResponse, msg)
	}

	result := triage.VisionResult{TopConditions: make([]triage.Condition, 0, len(p.Predictions))}
	for _, pred := range p.Predictions {
		result.TopConditions = append(result.TopConditions, triage.Condition{
			Name: pred.Class,
			Prob: pred.Confidence,
		})
	}
	if err := triage.ValidateVision(result); err != nil {
		return triage.VisionResult{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return result, nil
}
