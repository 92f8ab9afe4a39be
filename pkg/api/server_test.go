package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agentrun/contextd/pkg/atomicfile"
	"github.com/agentrun/contextd/pkg/config"
	"github.com/agentrun/contextd/pkg/service"
	"github.com/stretchr/testify/assert"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Config{
		RunsRoot:       t.TempDir(),
		TokenBudget:    1000,
		PinnedMax:      10,
		LedgerLockMode: atomicfile.LockNone,
		TestMode:       true,
	}
	svc, err := service.New(cfg)
	assert.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return New(svc)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		assert.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealthReturnsOK(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestHandleBootRejectsWrongMethod(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/boot", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleBootCreatesRun(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/boot", bootRequest{
		Objective:          "ship contextd",
		AcceptanceCriteria: []string{"tests pass"},
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["run_id"])
}

func TestHandleBootRejectsUnknownField(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/boot", bytes.NewReader([]byte(`{"objective":"x","bogus":true}`)))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var env errorEnvelope
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "schema", string(env.Kind))
}

func TestHandleGetWSReturnsWorkingSet(t *testing.T) {
	srv := newTestServer(t)
	bootRec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/boot", bootRequest{Objective: "ship contextd"})
	var bootBody map[string]any
	assert.NoError(t, json.Unmarshal(bootRec.Body.Bytes(), &bootBody))
	runID := bootBody["run_id"].(string)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/get_ws?run_id="+runID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleApplyPatchConflictMapsToHTTP409(t *testing.T) {
	srv := newTestServer(t)
	bootRec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/boot", bootRequest{Objective: "ship contextd"})
	var bootBody map[string]any
	assert.NoError(t, json.Unmarshal(bootRec.Body.Bytes(), &bootBody))
	runID := bootBody["run_id"].(string)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/apply_patch", map[string]any{
		"run_id": runID,
		"patch":  map[string]any{"expected_seq": 99, "set": map[string]any{"current_stage": "x"}},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleProposeThenCommitMemory(t *testing.T) {
	srv := newTestServer(t)
	bootRec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/boot", bootRequest{Objective: "ship contextd"})
	var bootBody map[string]any
	assert.NoError(t, json.Unmarshal(bootRec.Body.Bytes(), &bootBody))
	runID := bootBody["run_id"].(string)

	proposeRec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/propose_memory", map[string]any{
		"run_id": runID,
		"mcrs": []map[string]any{
			{"op": "add", "type": "fact", "scope": "run", "content": "known fact", "confidence": 0.9},
		},
	})
	assert.Equal(t, http.StatusOK, proposeRec.Code)
	var proposeBody map[string]any
	assert.NoError(t, json.Unmarshal(proposeRec.Body.Bytes(), &proposeBody))
	batchID := proposeBody["batch_id"].(string)
	assert.NotEmpty(t, batchID)

	commitRec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/commit_memory", map[string]any{
		"run_id": runID, "batch_id": batchID, "allow_outside_milestone": true,
	})
	assert.Equal(t, http.StatusOK, commitRec.Code)
}

func TestHandleSearchMemoryRejectsWrongMethod(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/search_memory", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleMilestoneSealsRun(t *testing.T) {
	srv := newTestServer(t)
	bootRec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/boot", bootRequest{Objective: "ship contextd"})
	var bootBody map[string]any
	assert.NoError(t, json.Unmarshal(bootRec.Body.Bytes(), &bootBody))
	runID := bootBody["run_id"].(string)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/milestone", milestoneRequest{RunID: runID, Reason: "checkpoint"})
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["MilestoneToken"])
}

func TestHandleResumeSnapshotThenLoad(t *testing.T) {
	srv := newTestServer(t)
	bootRec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/boot", bootRequest{Objective: "ship contextd"})
	var bootBody map[string]any
	assert.NoError(t, json.Unmarshal(bootRec.Body.Bytes(), &bootBody))
	runID := bootBody["run_id"].(string)

	snapRec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/resume_snapshot", resumeSnapshotRequest{RunID: runID})
	assert.Equal(t, http.StatusOK, snapRec.Code)
	var snapBody map[string]any
	assert.NoError(t, json.Unmarshal(snapRec.Body.Bytes(), &snapBody))
	packPath := snapBody["Path"].(string)
	assert.NotEmpty(t, packPath)

	loadRec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/resume_load", resumeLoadRequest{PackPath: packPath})
	assert.Equal(t, http.StatusOK, loadRec.Code)
	var loadBody map[string]any
	assert.NoError(t, json.Unmarshal(loadRec.Body.Bytes(), &loadBody))
	assert.NotEqual(t, runID, loadBody["run_id"])
}

func TestHandleResumeLoadOnMissingPackReturnsIOError(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/resume_load", resumeLoadRequest{PackPath: "/does/not/exist"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
