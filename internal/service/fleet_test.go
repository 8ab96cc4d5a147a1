package service

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshcollectorpro/mtcollector/internal/config"
	"github.com/sshcollectorpro/mtcollector/internal/database"
	"github.com/sshcollectorpro/mtcollector/internal/device"
	"github.com/sshcollectorpro/mtcollector/internal/model"
	"github.com/sshcollectorpro/mtcollector/internal/terminal"
	"github.com/sshcollectorpro/mtcollector/simulate"
)

var adminCred = model.Credential{Username: "admin", Secret: "secret"}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Collector.LoginTimeout = 500 * time.Millisecond
	cfg.Collector.CommandTimeout = 2 * time.Second
	cfg.Collector.GatewayTimeout = 2 * time.Second
	return cfg
}

func newLab() *simulate.Lab {
	lab := simulate.NewLab(nil)
	lab.AddDevice(simulate.DeviceConfig{
		Address: "10.0.0.1", Identity: "R1", Username: "admin", Password: "secret",
		MAC: "AA:BB:CC:DD:EE:FF", KnownHost: true,
	})
	lab.AddDevice(simulate.DeviceConfig{
		Address: "10.0.0.2", Identity: "R2", Username: "admin", Password: "secret",
		Behavior: simulate.BehaviorNoShell, KnownHost: true,
	})
	lab.AddDevice(simulate.DeviceConfig{
		Address: "10.0.0.3", Identity: "R3", Username: "admin", Password: "secret",
	})
	lab.AddGateway(simulate.GatewayConfig{
		Address: "10.8.0.1", Hostname: "vpn-gw", Username: "vpn", Password: "tunnel", KnownHost: true,
	})
	return lab
}

type harness struct {
	cfg     *config.Config
	lab     *simulate.Lab
	store   *database.CaptureStore
	tracker *terminal.Tracker
	metrics *Metrics
	fleet   *FleetService
}

func newHarness(t *testing.T, cfg *config.Config, opts ...Option) *harness {
	t.Helper()
	store, err := database.Open(config.SQLiteConfig{
		Path:            filepath.Join(t.TempDir(), "captures.db"),
		CreateIfMissing: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{cfg: cfg, lab: newLab(), store: store, tracker: terminal.NewTracker()}
	topts, err := SessionOptions(cfg, h.tracker)
	require.NoError(t, err)
	h.metrics = NewMetrics(prometheus.NewRegistry(), h.tracker)

	opts = append([]Option{
		WithSpawner(h.lab.Spawner(topts)),
		WithTracker(h.tracker),
		WithMetrics(h.metrics),
	}, opts...)
	h.fleet, err = NewFleetService(cfg, store, opts...)
	require.NoError(t, err)
	return h
}

func (h *harness) assertNoLeaks(t *testing.T) {
	t.Helper()
	assert.Equal(t, 0, h.tracker.Live(), "every terminal session is closed")
	assert.Eventually(t, func() bool { return h.lab.Active() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRunDirectCapturesAndContinuesPastFailure(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	report, err := h.fleet.Run(ctx, RunRequest{
		Targets:    model.TargetList{"10.0.0.1", "10.0.0.2"},
		Credential: adminCred,
	})
	require.NoError(t, err)
	require.Len(t, report.Targets, 2)
	assert.Equal(t, model.RunModeDirect, report.Mode)

	first := report.Targets[0]
	assert.Equal(t, "10.0.0.1", first.Address)
	assert.Equal(t, model.TargetStatusCaptured, first.Status)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", first.Identifier)
	assert.NotZero(t, first.RecordID)

	second := report.Targets[1]
	assert.Equal(t, "10.0.0.2", second.Address)
	assert.Equal(t, model.TargetStatusFailed, second.Status)
	assert.Equal(t, string(device.StageLogin), second.Stage)
	assert.Equal(t, string(device.ReasonTimeout), second.Reason)

	records, total, err := h.store.ListRecords(ctx, database.RecordFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, "10.0.0.1", records[0].Address)

	rec, err := h.store.GetRecord(ctx, first.RecordID)
	require.NoError(t, err)
	assert.Contains(t, rec.RawOutput, "set name=R1")
	assert.NotContains(t, rec.RawOutput, "[admin@R1] >", "closing prompt is not captured")

	runs, err := h.store.ListRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, report.RunID, runs[0].ID)
	assert.Equal(t, 1, runs[0].Captured)
	assert.Equal(t, 1, runs[0].Failed)

	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.targets.WithLabelValues(model.RunModeDirect, model.TargetStatusCaptured)))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.failures.WithLabelValues("login", "timeout")))
	h.assertNoLeaks(t)
}

func TestRunReportsDuplicates(t *testing.T) {
	h := newHarness(t, testConfig())
	req := RunRequest{Targets: model.TargetList{"10.0.0.1"}, Credential: adminCred}

	report, err := h.fleet.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.TargetStatusCaptured, report.Targets[0].Status)

	report, err = h.fleet.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.TargetStatusDuplicate, report.Targets[0].Status)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", report.Targets[0].Identifier)

	_, total, err := h.store.ListRecords(context.Background(), database.RecordFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

func TestRunStoreMissingContactsNoDevice(t *testing.T) {
	lab := newLab()
	fleet, err := NewFleetService(testConfig(), nil, WithSpawner(lab.Spawner(terminal.Options{})))
	require.NoError(t, err)

	_, err = fleet.Run(context.Background(), RunRequest{Targets: model.TargetList{"10.0.0.1"}, Credential: adminCred})
	assert.ErrorIs(t, err, ErrStoreMissing)

	fleet, err = NewFleetService(testConfig(), unhealthyStore{}, WithSpawner(lab.Spawner(terminal.Options{})))
	require.NoError(t, err)
	_, err = fleet.Run(context.Background(), RunRequest{Targets: model.TargetList{"10.0.0.1"}, Credential: adminCred})
	assert.ErrorIs(t, err, ErrStoreMissing)

	assert.Equal(t, 0, lab.Opened())
}

type unhealthyStore struct{}

func (unhealthyStore) Health() error { return errors.New("disk I/O error") }
func (unhealthyStore) Insert(context.Context, *model.DeviceRecord) (model.InsertOutcome, error) {
	return model.Inserted, nil
}
func (unhealthyStore) SaveRun(context.Context, *model.Run, []model.RunEvent) error { return nil }

func TestRunDirectContinuesPastUnreachable(t *testing.T) {
	h := newHarness(t, testConfig())

	report, err := h.fleet.Run(context.Background(), RunRequest{
		Targets:    model.TargetList{"10.9.9.9", "10.0.0.1"},
		Credential: adminCred,
	})
	require.NoError(t, err)
	require.Len(t, report.Targets, 2)
	assert.Equal(t, model.TargetStatusFailed, report.Targets[0].Status)
	assert.Equal(t, string(device.StageConnect), report.Targets[0].Stage)
	assert.Equal(t, string(device.ReasonDisconnected), report.Targets[0].Reason)
	assert.Contains(t, report.Targets[0].Transcript, "Connection refused")
	assert.Equal(t, model.TargetStatusCaptured, report.Targets[1].Status)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", report.Targets[1].Identifier)
	assert.Empty(t, report.Fatal)
	h.assertNoLeaks(t)
}

func TestRunUnrecognizedAbortsRemaining(t *testing.T) {
	h := newHarness(t, testConfig())
	gw := &model.GatewayHop{Address: "10.8.0.1", Credential: model.Credential{Username: "vpn", Secret: "tunnel"}}

	report, err := h.fleet.Run(context.Background(), RunRequest{
		Targets:    model.TargetList{"10.9.9.9", "10.0.0.1"},
		Credential: adminCred,
		Gateway:    gw,
	})
	require.ErrorIs(t, err, ErrUnrecognizedTranscript)
	require.NotNil(t, report)
	assert.Equal(t, model.TargetStatusFailed, report.Targets[0].Status)
	assert.Equal(t, string(device.ReasonUnrecognized), report.Targets[0].Reason)
	assert.Contains(t, report.Targets[0].Transcript, "Connection refused")
	assert.Equal(t, model.TargetStatusSkipped, report.Targets[1].Status)
	assert.NotEmpty(t, report.Fatal)
	assert.Equal(t, 1, h.lab.Opened(), "the skipped target is never contacted")
	h.assertNoLeaks(t)
}

func TestRunUnrecognizedCanContinue(t *testing.T) {
	cfg := testConfig()
	cfg.Collector.AbortOnUnrecognized = false
	h := newHarness(t, cfg)
	gw := &model.GatewayHop{Address: "10.8.0.1", Credential: model.Credential{Username: "vpn", Secret: "tunnel"}}

	report, err := h.fleet.Run(context.Background(), RunRequest{
		Targets:    model.TargetList{"10.9.9.9", "10.0.0.1"},
		Credential: adminCred,
		Gateway:    gw,
	})
	require.NoError(t, err)
	assert.Equal(t, model.TargetStatusFailed, report.Targets[0].Status)
	assert.Equal(t, string(device.ReasonUnrecognized), report.Targets[0].Reason)
	assert.Equal(t, model.TargetStatusCaptured, report.Targets[1].Status)
}

func TestRunRelayed(t *testing.T) {
	h := newHarness(t, testConfig())
	gw := &model.GatewayHop{Address: "10.8.0.1", Credential: model.Credential{Username: "vpn", Secret: "tunnel"}}

	report, err := h.fleet.Run(context.Background(), RunRequest{
		Targets:    model.TargetList{"10.0.0.1", "10.0.0.3"},
		Credential: adminCred,
		Gateway:    gw,
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunModeRelayed, report.Mode)
	assert.Equal(t, "10.8.0.1", report.Gateway)
	assert.Equal(t, model.TargetStatusCaptured, report.Targets[0].Status)
	assert.Equal(t, model.TargetStatusCaptured, report.Targets[1].Status)
	assert.Equal(t, model.IdentifierNotSpecified, report.Targets[1].Identifier)
	assert.Equal(t, 1, h.lab.Opened(), "one gateway session serves both targets")
	h.assertNoLeaks(t)
}

func TestRunGatewayFatalSkipsRemaining(t *testing.T) {
	h := newHarness(t, testConfig())
	gw := &model.GatewayHop{Address: "10.8.0.1", Credential: model.Credential{Username: "vpn", Secret: "wrong"}}

	report, err := h.fleet.Run(context.Background(), RunRequest{
		Targets:    model.TargetList{"10.0.0.1", "10.0.0.3", "10.0.0.2"},
		Credential: adminCred,
		Gateway:    gw,
	})
	require.ErrorIs(t, err, ErrGatewayFatal)
	assert.Equal(t, model.TargetStatusFailed, report.Targets[0].Status)
	assert.Equal(t, string(device.StageGateway), report.Targets[0].Stage)
	for _, res := range report.Targets[1:] {
		assert.Equal(t, model.TargetStatusSkipped, res.Status, res.Address)
	}
	assert.True(t, strings.Contains(report.Fatal, "gateway"))
	h.assertNoLeaks(t)
}

func TestRunWorkersKeepReportOrder(t *testing.T) {
	cfg := testConfig()
	cfg.Collector.Workers = 3
	h := newHarness(t, cfg)

	targets := model.TargetList{"10.0.0.2", "10.0.0.1", "10.0.0.3"}
	report, err := h.fleet.Run(context.Background(), RunRequest{Targets: targets, Credential: adminCred})
	require.NoError(t, err)
	for i, target := range targets {
		assert.Equal(t, string(target), report.Targets[i].Address)
	}
	assert.Equal(t, model.TargetStatusFailed, report.Targets[0].Status)
	assert.Equal(t, model.TargetStatusCaptured, report.Targets[1].Status)
	assert.Equal(t, model.TargetStatusCaptured, report.Targets[2].Status)
	h.assertNoLeaks(t)
}

func TestRunArchivesNewCaptures(t *testing.T) {
	dir := t.TempDir()
	archiver, err := NewArchiver(config.ArchiveConfig{
		Enabled: true,
		Backend: "local",
		Prefix:  "exports",
		Local:   config.LocalArchiveConfig{BaseDir: dir, MkdirIfMissing: true},
	})
	require.NoError(t, err)
	h := newHarness(t, testConfig(), WithArchiver(archiver))

	report, err := h.fleet.Run(context.Background(), RunRequest{Targets: model.TargetList{"10.0.0.1"}, Credential: adminCred})
	require.NoError(t, err)
	uri := report.Targets[0].Archive
	require.True(t, strings.HasPrefix(uri, "file://"+dir), uri)
	assert.FileExists(t, strings.TrimPrefix(uri, "file://"))
	assert.True(t, strings.HasSuffix(uri, "aa-bb-cc-dd-ee-ff.rsc"), uri)
}

func TestRunRejectsEmptyTargets(t *testing.T) {
	h := newHarness(t, testConfig())
	_, err := h.fleet.Run(context.Background(), RunRequest{})
	assert.Error(t, err)
}
