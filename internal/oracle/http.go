package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	httppkg "github.com/taskmesh/taskmesh-backend/pkg/http"
	"github.com/taskmesh/taskmesh-backend/pkg/logging"
)

const (
	deterministicPath = "/v1/evaluate/deterministic"
	statisticalPath   = "/v1/evaluate/statistical"
	rankPath          = "/v1/rank"

	maxErrorBody = 512
)

// HTTPOracle talks to an oracle service over JSON/HTTP. It implements both
// Oracle and Ranker.
type HTTPOracle struct {
	client  *httppkg.HTTPClient
	baseURL string
	logger  logging.Logger
}

// NewHTTPOracle wraps the shared retrying HTTP client for one oracle
// endpoint.
func NewHTTPOracle(client *httppkg.HTTPClient, baseURL string, logger logging.Logger) *HTTPOracle {
	return &HTTPOracle{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

func (o *HTTPOracle) EvaluateDeterministic(ctx context.Context, req DeterministicRequest) (*Result, error) {
	var result Result
	if err := o.post(ctx, deterministicPath, req, &result); err != nil {
		return nil, fmt.Errorf("deterministic evaluation failed: %w", err)
	}
	return &result, nil
}

func (o *HTTPOracle) EvaluateStatistical(ctx context.Context, req StatisticalRequest) (*Result, error) {
	var result Result
	if err := o.post(ctx, statisticalPath, req, &result); err != nil {
		return nil, fmt.Errorf("statistical evaluation failed: %w", err)
	}
	return &result, nil
}

func (o *HTTPOracle) RankOutputs(ctx context.Context, req RankRequest) ([]string, error) {
	var response struct {
		RankedOutputIDs []string `json:"ranked_output_ids"`
	}
	if err := o.post(ctx, rankPath, req, &response); err != nil {
		return nil, fmt.Errorf("output ranking failed: %w", err)
	}
	if len(response.RankedOutputIDs) == 0 {
		return nil, fmt.Errorf("oracle returned an empty ranking")
	}
	return response.RankedOutputIDs, nil
}

func (o *HTTPOracle) post(ctx context.Context, path string, payload interface{}, into interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := o.client.Post(ctx, o.baseURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			o.logger.Warnf("Failed to close oracle response body: %v", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("oracle returned status %d: %s", resp.StatusCode, string(detail))
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("failed to decode oracle response: %w", err)
	}
	return nil
}
