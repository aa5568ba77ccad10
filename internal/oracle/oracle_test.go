package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httppkg "github.com/taskmesh/taskmesh-backend/pkg/http"
	"github.com/taskmesh/taskmesh-backend/pkg/logging"
	"github.com/taskmesh/taskmesh-backend/pkg/retry"
	"github.com/taskmesh/taskmesh-backend/pkg/types"
)

func testOracle(t *testing.T, handler http.Handler) (*HTTPOracle, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	config := httppkg.DefaultHTTPRetryConfig()
	config.RetryConfig = &retry.RetryConfig{MaxRetries: 1, InitialDelay: 1, MaxDelay: 1, BackoffFactor: 1, JitterFactor: 0}
	client, err := httppkg.NewHTTPClient(config, logging.NewNoOpLogger())
	require.NoError(t, err)

	return NewHTTPOracle(client, server.URL+"/", logging.NewNoOpLogger()), server
}

func TestEvaluateDeterministic(t *testing.T) {
	var gotPath, gotContentType string
	var gotRequest DeterministicRequest

	oracle, _ := testOracle(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotRequest))
		json.NewEncoder(w).Encode(Result{
			WinningOutputID: "output-a",
			FinalScore:      92.5,
			Mode:            ModeDeterministic,
		})
	}))

	result, err := oracle.EvaluateDeterministic(context.Background(), DeterministicRequest{
		TaskID:      "task-1",
		Outputs:     []types.Output{{OutputID: "output-a"}},
		ScoringHash: "0xabc",
	})
	require.NoError(t, err)
	assert.Equal(t, "/v1/evaluate/deterministic", gotPath)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "task-1", gotRequest.TaskID)
	assert.Equal(t, "0xabc", gotRequest.ScoringHash)
	assert.Equal(t, "output-a", result.WinningOutputID)
	assert.InDelta(t, 92.5, result.FinalScore, 1e-9)
}

func TestEvaluateStatistical(t *testing.T) {
	oracle, _ := testOracle(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/evaluate/statistical", r.URL.Path)
		var req StatisticalRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.InDelta(t, 80.0, req.Reputations["0x1"], 1e-9)
		json.NewEncoder(w).Encode(Result{
			WinningOutputID: "output-b",
			FinalScore:      71.0,
			Mode:            ModeStatistical,
			TopOutputs: []types.RankedOutput{
				{OutputID: "output-b", WeightedScore: 71.0},
				{OutputID: "output-a", WeightedScore: 64.2},
			},
		})
	}))

	result, err := oracle.EvaluateStatistical(context.Background(), StatisticalRequest{
		TaskID:      "task-2",
		Reputations: map[string]float64{"0x1": 80},
	})
	require.NoError(t, err)
	assert.Equal(t, "output-b", result.WinningOutputID)
	require.Len(t, result.TopOutputs, 2)
	assert.Equal(t, "output-a", result.TopOutputs[1].OutputID)
}

func TestRankOutputs(t *testing.T) {
	oracle, _ := testOracle(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/rank", r.URL.Path)
		var req RankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "0xeval", req.Evaluator)
		json.NewEncoder(w).Encode(map[string][]string{
			"ranked_output_ids": {"output-c", "output-a", "output-b"},
		})
	}))

	ranking, err := oracle.RankOutputs(context.Background(), RankRequest{
		TaskID:    "task-3",
		Evaluator: "0xeval",
		Outputs:   []types.Output{{OutputID: "output-a"}, {OutputID: "output-b"}, {OutputID: "output-c"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"output-c", "output-a", "output-b"}, ranking)
}

func TestRankOutputsEmptyRanking(t *testing.T) {
	oracle, _ := testOracle(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string][]string{"ranked_output_ids": {}})
	}))

	_, err := oracle.RankOutputs(context.Background(), RankRequest{TaskID: "task-4"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty ranking")
}

func TestOracleErrorStatus(t *testing.T) {
	oracle, _ := testOracle(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "scoring hash unknown", http.StatusUnprocessableEntity)
	}))

	_, err := oracle.EvaluateDeterministic(context.Background(), DeterministicRequest{TaskID: "task-5"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 422")
	assert.Contains(t, err.Error(), "scoring hash unknown")
}

func TestOracleMalformedResponse(t *testing.T) {
	oracle, _ := testOracle(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{not json"))
	}))

	_, err := oracle.EvaluateStatistical(context.Background(), StatisticalRequest{TaskID: "task-6"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode")
}
