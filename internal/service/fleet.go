package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sshcollectorpro/mtcollector/internal/config"
	"github.com/sshcollectorpro/mtcollector/internal/database"
	"github.com/sshcollectorpro/mtcollector/internal/device"
	"github.com/sshcollectorpro/mtcollector/internal/model"
	"github.com/sshcollectorpro/mtcollector/internal/prompt"
	"github.com/sshcollectorpro/mtcollector/internal/terminal"
	"github.com/sshcollectorpro/mtcollector/internal/util"
	"github.com/sshcollectorpro/mtcollector/pkg/logger"
	sshpkg "github.com/sshcollectorpro/mtcollector/pkg/ssh"
)

var (
	// ErrStoreMissing 存储不存在或不可用，运行在接触任何设备之前终止
	ErrStoreMissing = database.ErrStoreMissing
	// ErrGatewayFatal 网关会话失败，剩余目标被跳过
	ErrGatewayFatal = errors.New("gateway failure")
	// ErrUnrecognizedTranscript 登录阶段出现无法识别的输出，剩余目标被跳过
	ErrUnrecognizedTranscript = errors.New("unrecognized transcript")
)

// StagePersist 入库失败的阶段名
const StagePersist = "persist"

// Store 运行所需的存储操作
type Store interface {
	Health() error
	Insert(ctx context.Context, rec *model.DeviceRecord) (model.InsertOutcome, error)
	SaveRun(ctx context.Context, run *model.Run, events []model.RunEvent) error
}

// RunRequest 一次采集运行的输入
type RunRequest struct {
	Targets    model.TargetList
	Credential model.Credential
	// Gateway 非空时所有目标都经由网关采集
	Gateway *model.GatewayHop
	// Workers 为 0 时使用 collector.workers
	Workers int
}

// TargetResult 单个目标的结果
type TargetResult struct {
	Address    string `json:"address"`
	Status     string `json:"status"`
	Identifier string `json:"identifier,omitempty"`
	RecordID   uint   `json:"record_id,omitempty"`
	Stage      string `json:"stage,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Archive    string `json:"archive,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// RunReport 运行报告，目标顺序与输入一致
type RunReport struct {
	RunID      string         `json:"run_id"`
	Mode       string         `json:"mode"`
	Gateway    string         `json:"gateway,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Targets    []TargetResult `json:"targets"`
	Fatal      string         `json:"fatal,omitempty"`
}

// Count 统计某一状态的目标数
func (r *RunReport) Count(status string) int {
	n := 0
	for _, t := range r.Targets {
		if t.Status == status {
			n++
		}
	}
	return n
}

// FleetService 编排一组目标的登录、导出与入库
type FleetService struct {
	cfg      *config.Config
	store    Store
	spawner  terminal.Spawner
	tracker  *terminal.Tracker
	archiver Archiver
	metrics  *Metrics
	log      *logrus.Entry
}

// Option FleetService 可选项
type Option func(*FleetService)

// WithSpawner 替换会话建立方式（模拟设备、测试）
func WithSpawner(sp terminal.Spawner) Option {
	return func(s *FleetService) { s.spawner = sp }
}

// WithTracker 使用外部的会话跟踪器
func WithTracker(t *terminal.Tracker) Option {
	return func(s *FleetService) { s.tracker = t }
}

// WithArchiver 为新记录启用归档
func WithArchiver(a Archiver) Option {
	return func(s *FleetService) { s.archiver = a }
}

// WithMetrics 记录运行指标
func WithMetrics(m *Metrics) Option {
	return func(s *FleetService) { s.metrics = m }
}

// NewFleetService 创建编排服务；store 为 nil 时每次运行都返回 ErrStoreMissing
func NewFleetService(cfg *config.Config, store Store, opts ...Option) (*FleetService, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	s := &FleetService{
		cfg:   cfg,
		store: store,
		log:   logger.WithField("component", "fleet"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracker == nil {
		s.tracker = terminal.NewTracker()
	}
	if s.spawner == nil {
		topts, err := SessionOptions(cfg, s.tracker)
		if err != nil {
			return nil, err
		}
		s.spawner = NewSpawner(cfg, topts)
	}
	return s, nil
}

// SessionOptions 由配置生成终端会话选项
func SessionOptions(cfg *config.Config, tracker *terminal.Tracker) (terminal.Options, error) {
	dialect, err := cfg.Dialect()
	if err != nil {
		return terminal.Options{}, err
	}
	return terminal.Options{
		Dialect:         dialect,
		Tracker:         tracker,
		LineEnding:      cfg.LineEnding(),
		SendTimeout:     cfg.SSH.SendTimeout,
		TranscriptLimit: cfg.Collector.TranscriptLimit,
		Verbose:         cfg.Collector.Verbose,
	}, nil
}

// NewSpawner 按 ssh.transport 选择系统 ssh 客户端或内置客户端
func NewSpawner(cfg *config.Config, opts terminal.Options) terminal.Spawner {
	if cfg.SSH.Transport == config.TransportNative {
		return &terminal.NativeSpawner{
			Config: &sshpkg.Config{
				Timeout:   cfg.SSH.ConnectTimeout,
				KeepAlive: cfg.SSH.KeepAliveInterval,
				Terms:     cfg.SSH.Terms,
			},
			Options: opts,
		}
	}
	return &terminal.ExecSpawner{
		Binary:         cfg.SSH.Binary,
		ExtraArgs:      cfg.SSH.ExtraArgs,
		ConnectTimeout: cfg.SSH.ConnectTimeout,
		Options:        opts,
	}
}

// Tracker 会话跟踪器
func (s *FleetService) Tracker() *terminal.Tracker { return s.tracker }

// Run 采集所有目标
//
// 单个目标失败不影响其余目标；网关失败或（按配置）无法识别的输出会取消剩余目标，
// 这些目标在报告中标记为 skipped，同时返回 ErrGatewayFatal / ErrUnrecognizedTranscript 与部分报告。
func (s *FleetService) Run(ctx context.Context, req RunRequest) (*RunReport, error) {
	if len(req.Targets) == 0 {
		return nil, fmt.Errorf("no targets")
	}
	if s.store == nil {
		return nil, ErrStoreMissing
	}
	if err := s.store.Health(); err != nil {
		if errors.Is(err, ErrStoreMissing) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreMissing, err)
	}

	report := &RunReport{
		RunID:     uuid.NewString(),
		Mode:      model.RunModeDirect,
		StartedAt: time.Now().UTC(),
		Targets:   make([]TargetResult, len(req.Targets)),
	}
	if req.Gateway != nil {
		report.Mode = model.RunModeRelayed
		report.Gateway = req.Gateway.Address
	}
	for i, t := range req.Targets {
		report.Targets[i] = TargetResult{Address: string(t), Status: model.TargetStatusSkipped}
	}

	workers := req.Workers
	if workers <= 0 {
		workers = s.cfg.Collector.Workers
	}
	if workers <= 0 {
		workers = 1
	}
	if workers > len(req.Targets) {
		workers = len(req.Targets)
	}

	log := s.log.WithFields(logrus.Fields{"run_id": report.RunID, "mode": report.Mode, "workers": workers})
	log.WithField("targets", len(req.Targets)).Info("run started")

	var err error
	if req.Gateway != nil {
		err = s.runRelayed(ctx, report, req, workers, log)
	} else {
		err = s.runDirect(ctx, report, req, workers, log)
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		report.Fatal = err.Error()
	}
	report.FinishedAt = time.Now().UTC()

	s.saveRun(report, log)
	s.metrics.observeRun(runOutcome(err))
	log.WithFields(logrus.Fields{
		"captured":  report.Count(model.TargetStatusCaptured),
		"duplicate": report.Count(model.TargetStatusDuplicate),
		"failed":    report.Count(model.TargetStatusFailed),
		"skipped":   report.Count(model.TargetStatusSkipped),
	}).Info("run finished")
	return report, err
}

func runOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrGatewayFatal):
		return "gateway_fatal"
	case errors.Is(err, ErrUnrecognizedTranscript):
		return "unrecognized"
	default:
		return "aborted"
	}
}

// runDirect 每个目标独立建立会话：Spawn → Login → Run → Close
func (s *FleetService) runDirect(ctx context.Context, report *RunReport, req RunRequest, workers int, log *logrus.Entry) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	login, runner := s.newLogin(log), s.newRunner(log)

	for i, target := range req.Targets {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			started := time.Now()
			captured, f := s.collectDirect(gctx, login, runner, string(target), req.Credential)
			return s.finish(gctx, report, i, captured, f, started, log)
		})
	}
	return g.Wait()
}

func (s *FleetService) collectDirect(ctx context.Context, login *device.Login, runner *device.Runner, target string, cred model.Credential) (*model.CapturedOutput, *device.Failure) {
	sess, err := s.spawner.Spawn(ctx, terminal.Endpoint{Address: target, Credential: cred})
	if err != nil {
		return nil, &device.Failure{Target: target, Stage: device.StageConnect, Reason: device.ReasonSpawn, Err: err}
	}
	defer sess.Close()

	if f := login.Login(sess, cred, prompt.ShellReady); f != nil {
		return nil, f
	}
	return runner.Run(sess, target)
}

// runRelayed 目标按轮转分给各工作者，每个工作者持有自己的网关会话
func (s *FleetService) runRelayed(ctx context.Context, report *RunReport, req RunRequest, workers int, log *logrus.Entry) error {
	g, gctx := errgroup.WithContext(ctx)
	login, runner := s.newLogin(log), s.newRunner(log)

	for w := 0; w < workers; w++ {
		g.Go(func() error {
			relay := device.NewRelay(*req.Gateway, s.spawner, login, runner, s.cfg.Collector.GatewayTimeout)
			relay.GatewayLogout = s.cfg.Collector.GatewayLogout
			if s.cfg.SSH.Binary != "" {
				relay.SSHBinary = s.cfg.SSH.Binary
			}
			relay.Log = log.WithFields(logrus.Fields{"hop": "gateway", "gateway": req.Gateway.Address, "worker": w})
			defer relay.Close()

			for i := w; i < len(req.Targets); i += workers {
				if gctx.Err() != nil {
					return nil
				}
				started := time.Now()
				captured, f := relay.Collect(gctx, string(req.Targets[i]), req.Credential)
				if err := s.finish(gctx, report, i, captured, f, started, log); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *FleetService) newLogin(log *logrus.Entry) *device.Login {
	l := device.NewLogin(s.cfg.Collector.LoginTimeout)
	if s.cfg.Collector.HostKeyAnswer != "" {
		l.HostKeyAnswer = s.cfg.Collector.HostKeyAnswer
	}
	l.Log = log.WithField("component", "login")
	return l
}

func (s *FleetService) newRunner(log *logrus.Entry) *device.Runner {
	r := device.NewRunner(s.cfg.Collector.CommandTimeout)
	if s.cfg.Collector.ExportCommand != "" {
		r.ExportCommand = s.cfg.Collector.ExportCommand
	}
	r.LogoutCommand = s.cfg.Collector.LogoutCommand
	if s.cfg.Collector.NormalizeOutput {
		r.Normalize = &util.NormalizeOptions{
			Charset:      s.cfg.Collector.OutputCharset,
			StripANSI:    true,
			UnixNewlines: true,
		}
	}
	r.Log = log.WithField("component", "runner")
	return r
}

// finish 记录单个目标的结果；返回非 nil 表示整次运行需要终止
//
// 每个下标只由一个工作者写入，报告切片无需加锁。
func (s *FleetService) finish(ctx context.Context, report *RunReport, i int, captured *model.CapturedOutput, f *device.Failure, started time.Time, log *logrus.Entry) error {
	res := &report.Targets[i]
	took := time.Since(started)
	res.DurationMS = took.Milliseconds()
	tlog := log.WithField("target", res.Address)

	if f != nil {
		res.Status = model.TargetStatusFailed
		res.Stage = string(f.Stage)
		res.Reason = string(f.Reason)
		res.Transcript = f.Transcript
		fields := logrus.Fields{"stage": res.Stage, "reason": res.Reason, "status": res.Status}
		if f.Gateway {
			fields["hop"] = "gateway"
		}
		tlog.WithFields(fields).WithError(f.Err).Warn("target failed")
		if f.Transcript != "" {
			tlog.WithField("transcript", logger.TranscriptTail(f.Transcript, 0)).Debug("last terminal output")
		}
		s.metrics.observeTarget(report.Mode, *res, took)

		switch {
		case f.Fatal():
			return fmt.Errorf("%w: %v", ErrGatewayFatal, f)
		case f.Reason == device.ReasonUnrecognized && s.cfg.Collector.AbortOnUnrecognized:
			return fmt.Errorf("%w: %v", ErrUnrecognizedTranscript, f)
		}
		return nil
	}

	// 运行被取消时已采集的结果仍然入库
	pctx := context.WithoutCancel(ctx)
	rec := model.NewDeviceRecord(captured)
	res.Identifier = rec.DeviceID
	outcome, err := s.store.Insert(pctx, rec)
	switch {
	case err != nil:
		res.Status = model.TargetStatusFailed
		res.Stage = StagePersist
		res.Reason = "store_error"
		tlog.WithError(err).Error("failed to persist capture")
	case outcome == model.Duplicate:
		res.Status = model.TargetStatusDuplicate
	default:
		res.Status = model.TargetStatusCaptured
		res.RecordID = rec.ID
		s.archive(pctx, report.RunID, rec, res, tlog)
	}
	tlog.WithFields(logrus.Fields{"status": res.Status, "identifier": res.Identifier, "duration_ms": res.DurationMS}).Info("target processed")
	s.metrics.observeTarget(report.Mode, *res, took)
	return nil
}

func (s *FleetService) archive(ctx context.Context, runID string, rec *model.DeviceRecord, res *TargetResult, log *logrus.Entry) {
	if s.archiver == nil {
		return
	}
	obj, err := s.archiver.Archive(ctx, runID, rec)
	if obj.URI != "" {
		res.Archive = obj.URI
	}
	if err != nil {
		log.WithError(err).Warn("archive write incomplete")
	}
}

// saveRun 写入运行历史；失败只记录日志，不影响本次结果
func (s *FleetService) saveRun(report *RunReport, log *logrus.Entry) {
	run := &model.Run{
		ID:        report.RunID,
		Mode:      report.Mode,
		Gateway:   report.Gateway,
		Targets:   len(report.Targets),
		Fatal:     report.Fatal,
		StartTime: report.StartedAt,
		EndTime:   report.FinishedAt,
		Duration:  report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
	}
	events := make([]model.RunEvent, 0, len(report.Targets))
	for _, t := range report.Targets {
		switch t.Status {
		case model.TargetStatusCaptured:
			run.Captured++
		case model.TargetStatusDuplicate:
			run.Duplicates++
		case model.TargetStatusFailed:
			run.Failed++
		case model.TargetStatusSkipped:
			run.Skipped++
		}
		events = append(events, model.RunEvent{
			Address:    t.Address,
			Status:     t.Status,
			Identifier: t.Identifier,
			Stage:      t.Stage,
			Reason:     t.Reason,
			Transcript: t.Transcript,
			Duration:   t.DurationMS,
		})
	}
	if err := s.store.SaveRun(context.Background(), run, events); err != nil {
		log.WithError(err).Warn("failed to save run history")
	}
}
