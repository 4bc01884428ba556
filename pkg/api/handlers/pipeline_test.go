package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagaflow/sagaflow/pkg/api/models"
	"github.com/sagaflow/sagaflow/pkg/api/response"
	"github.com/sagaflow/sagaflow/pkg/pipeline"
)

func mathPipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()

	// JSON numbers decode as float64, so API-facing stages take float64.
	double := pipeline.NewStage("double", func(ctx context.Context, input float64) (float64, error) {
		return input * 2, nil
	})
	stringify := pipeline.NewStage("stringify", func(ctx context.Context, input float64) (string, error) {
		return strconv.FormatFloat(input, 'f', -1, 64), nil
	})

	p, err := pipeline.New("math", pipeline.Halt, []pipeline.BoundStage{
		pipeline.Bind(double),
		pipeline.Bind(stringify),
	})
	require.NoError(t, err)
	return p
}

func rejectingPipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()

	reject := pipeline.NewStage("reject", func(ctx context.Context, input float64) (float64, error) {
		return 0, errors.New("value rejected")
	})
	p, err := pipeline.New("reject-all", pipeline.Halt, []pipeline.BoundStage{
		pipeline.Bind(reject),
	})
	require.NoError(t, err)
	return p
}

func newPipelineRouterForTest(t *testing.T) chi.Router {
	t.Helper()

	handler := NewPipelineHandler(testLogger())
	require.NoError(t, handler.Register(mathPipeline(t)))
	require.NoError(t, handler.Register(rejectingPipeline(t)))

	r := chi.NewRouter()
	r.Get("/api/v1/pipelines", handler.ListPipelines)
	r.Post("/api/v1/pipelines/{name}/run", handler.RunPipeline)
	return r
}

func runPipelineRequest(t *testing.T, router chi.Router, name string, input any) *httptest.ResponseRecorder {
	t.Helper()

	body, err := json.Marshal(models.PipelineRunRequest{Input: input})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/pipelines/"+name+"/run", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRunPipelineSuccess(t *testing.T) {
	router := newPipelineRouterForTest(t)

	rec := runPipelineRequest(t, router, "math", 21)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.PipelineRunResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "math", resp.Pipeline)
	assert.Equal(t, "42", resp.Output)
	assert.GreaterOrEqual(t, resp.DurationMS, int64(0))
}

func TestRunPipelineNotFound(t *testing.T) {
	router := newPipelineRouterForTest(t)

	rec := runPipelineRequest(t, router, "no-such-pipeline", 1)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunPipelineTypeMismatch(t *testing.T) {
	router := newPipelineRouterForTest(t)

	rec := runPipelineRequest(t, router, "math", "not a number")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp response.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, response.ErrCodeBadRequest, resp.Error.Code)
}

func TestRunPipelineStageFailure(t *testing.T) {
	router := newPipelineRouterForTest(t)

	rec := runPipelineRequest(t, router, "reject-all", 7)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp response.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, response.ErrCodeUnprocessable, resp.Error.Code)
	require.NotNil(t, resp.Error.Details)
	assert.Equal(t, "reject", resp.Error.Details["stage"])
	assert.Equal(t, float64(0), resp.Error.Details["index"])
}

func TestRunPipelineInvalidBody(t *testing.T) {
	router := newPipelineRouterForTest(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/pipelines/math/run", bytes.NewReader([]byte(`{broken`)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListPipelinesSorted(t *testing.T) {
	router := newPipelineRouterForTest(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/pipelines", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.PipelineListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Items, 2)
	assert.Equal(t, "math", resp.Items[0].Name)
	assert.Equal(t, []string{"double", "stringify"}, resp.Items[0].Stages)
	assert.Equal(t, "halt", resp.Items[0].Policy)
	assert.Equal(t, "reject-all", resp.Items[1].Name)
}
