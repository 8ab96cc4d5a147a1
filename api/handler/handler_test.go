package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshcollectorpro/mtcollector/internal/database"
	"github.com/sshcollectorpro/mtcollector/internal/model"
	"github.com/sshcollectorpro/mtcollector/internal/service"
	"github.com/sshcollectorpro/mtcollector/internal/terminal"
)

type fakeCollector struct {
	got    service.RunRequest
	report *service.RunReport
	err    error
}

func (f *fakeCollector) Run(_ context.Context, req service.RunRequest) (*service.RunReport, error) {
	f.got = req
	return f.report, f.err
}

func (f *fakeCollector) Tracker() *terminal.Tracker { return terminal.NewTracker() }

type fakeStore struct {
	healthErr error
	records   []model.DeviceRecord
	filter    database.RecordFilter
}

func (s *fakeStore) Health() error { return s.healthErr }

func (s *fakeStore) Stats() map[string]interface{} {
	return map[string]interface{}{"records": int64(len(s.records))}
}

func (s *fakeStore) ListRecords(_ context.Context, f database.RecordFilter) ([]model.DeviceRecord, int64, error) {
	s.filter = f
	return s.records, int64(len(s.records)), nil
}

func (s *fakeStore) GetRecord(_ context.Context, id uint) (*model.DeviceRecord, error) {
	for i := range s.records {
		if s.records[i].ID == id {
			return &s.records[i], nil
		}
	}
	return nil, fmt.Errorf("record %d: %w", id, database.ErrNotFound)
}

func (s *fakeStore) ListRuns(_ context.Context, _ int) ([]model.Run, error) {
	return []model.Run{{ID: "run-1", Mode: model.RunModeDirect}}, nil
}

func newEngine(c Collector, store RecordStore) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	ch := NewCollectorHandler(c, store)
	rh := NewRecordHandler(store)
	r.GET("/health", ch.Health)
	r.GET("/stats", ch.Stats)
	r.POST("/collect", ch.Collect)
	r.GET("/records", rh.ListRecords)
	r.GET("/records/:id", rh.GetRecord)
	r.GET("/runs", rh.ListRuns)
	return r
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestCollectMapsRequest(t *testing.T) {
	fc := &fakeCollector{report: &service.RunReport{RunID: "r1", Mode: model.RunModeRelayed}}
	r := newEngine(fc, &fakeStore{})

	w := do(r, http.MethodPost, "/collect", `{
		"targets": ["10.0.0.1", " ", "10.0.0.2"],
		"username": "admin",
		"password": "s3cret",
		"workers": 2,
		"gateway": {"address": "10.8.0.1", "username": "vpn", "password": "tunnel"}
	}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.TargetList{"10.0.0.1", "10.0.0.2"}, fc.got.Targets)
	assert.Equal(t, "admin", fc.got.Credential.Username)
	assert.Equal(t, "s3cret", fc.got.Credential.Secret.Reveal())
	assert.Equal(t, 2, fc.got.Workers)
	require.NotNil(t, fc.got.Gateway)
	assert.Equal(t, "10.8.0.1", fc.got.Gateway.Address)
	assert.Equal(t, "tunnel", fc.got.Gateway.Credential.Secret.Reveal())
	assert.NotContains(t, w.Body.String(), "s3cret")

	body := decode(t, w)
	assert.Equal(t, "SUCCESS", body["code"])
}

func TestCollectRejectsInvalidBody(t *testing.T) {
	fc := &fakeCollector{}
	r := newEngine(fc, &fakeStore{})

	w := do(r, http.MethodPost, "/collect", `{"targets": [], "username": "admin"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/collect", `{"targets": ["  "], "username": "admin"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_FAILED", decode(t, w)["code"])
}

func TestCollectErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("run: %w", service.ErrStoreMissing), http.StatusServiceUnavailable, "STORE_MISSING"},
		{fmt.Errorf("run: %w", service.ErrGatewayFatal), http.StatusBadGateway, "GATEWAY_FATAL"},
		{fmt.Errorf("run: %w", service.ErrUnrecognizedTranscript), http.StatusUnprocessableEntity, "UNRECOGNIZED_TRANSCRIPT"},
		{fmt.Errorf("boom"), http.StatusInternalServerError, "EXECUTION_FAILED"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			fc := &fakeCollector{err: tc.err, report: &service.RunReport{RunID: "r2"}}
			r := newEngine(fc, &fakeStore{})
			w := do(r, http.MethodPost, "/collect", `{"targets": ["10.0.0.1"], "username": "admin"}`)
			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.code, decode(t, w)["code"])
		})
	}
}

func TestHealth(t *testing.T) {
	fc := &fakeCollector{}

	w := do(newEngine(fc, &fakeStore{}), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(newEngine(fc, nil), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "STORE_MISSING", decode(t, w)["code"])

	w = do(newEngine(fc, &fakeStore{healthErr: database.ErrStoreMissing}), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRecords(t *testing.T) {
	store := &fakeStore{records: []model.DeviceRecord{
		{ID: 7, DeviceID: "AA:BB:CC:DD:EE:FF", Address: "10.0.0.1"},
	}}
	r := newEngine(&fakeCollector{}, store)

	w := do(r, http.MethodGet, "/records?address=10.0.0.1&limit=5&offset=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, database.RecordFilter{Address: "10.0.0.1", Limit: 5, Offset: 2}, store.filter)
	assert.EqualValues(t, 1, decode(t, w)["total"])

	w = do(r, http.MethodGet, "/records/7", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/records/8", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodGet, "/records/abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, "/runs", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRecordsWithoutStore(t *testing.T) {
	r := newEngine(&fakeCollector{}, nil)

	w := do(r, http.MethodGet, "/records", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = do(r, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]interface{})
	assert.Contains(t, data, "sessions")
	assert.NotContains(t, data, "store")
}
