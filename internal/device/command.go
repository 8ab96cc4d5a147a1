package device

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sshcollectorpro/mtcollector/internal/model"
	"github.com/sshcollectorpro/mtcollector/internal/prompt"
	"github.com/sshcollectorpro/mtcollector/internal/terminal"
	"github.com/sshcollectorpro/mtcollector/internal/util"
	"github.com/sshcollectorpro/mtcollector/pkg/logger"
)

const (
	DefaultExportCommand = "export compact"
	DefaultLogoutCommand = "quit"
)

// Runner 在已就绪的会话上执行导出命令并采集输出
type Runner struct {
	ExportCommand string
	LogoutCommand string
	Timeout       time.Duration
	// Normalize 为 nil 时保留原始输出
	Normalize *util.NormalizeOptions
	Log       *logrus.Entry
	now       func() time.Time
}

// NewRunner 创建命令执行器
func NewRunner(timeout time.Duration) *Runner {
	return &Runner{
		ExportCommand: DefaultExportCommand,
		LogoutCommand: DefaultLogoutCommand,
		Timeout:       timeout,
		Log:           logger.WithField("component", "runner"),
		now:           time.Now,
	}
}

// Run 发送导出命令，等待两次设备提示符后取两者之间的文本，再发送登出命令
//
// 第一次提示符是设备重绘的命令行，第二次才表示命令执行完毕；结束提示符本身不计入输出。
// 超时或断开时不产生采集结果，但仍会发送一次登出命令。
func (r *Runner) Run(s *terminal.Session, address string) (*model.CapturedOutput, *Failure) {
	log := r.Log.WithField("host", address)
	s.SetState(terminal.CommandInFlight)

	if err := s.SendLine(r.ExportCommand); err != nil {
		return nil, &Failure{
			Target: address, Stage: StageCommand, Reason: ReasonDisconnected,
			Transcript: lastBytes(s.Transcript(), transcriptFragment), Err: err,
		}
	}

	out := s.AwaitOne(r.Timeout, prompt.ShellReady)
	if f := failureFrom(s, StageCommand, out, ReasonIncompleteCapture); f != nil {
		f.Target = address
		r.logout(s, log)
		return nil, f
	}
	out = s.AwaitOne(r.Timeout, prompt.ShellReady)
	if f := failureFrom(s, StageCommand, out, ReasonIncompleteCapture); f != nil {
		f.Target = address
		r.logout(s, log)
		return nil, f
	}
	s.SetState(terminal.Authenticated)

	raw := out.Before
	if r.Normalize != nil {
		raw = util.NormalizeOutput(raw, *r.Normalize)
	}
	now := r.now
	if now == nil {
		now = time.Now
	}
	captured := &model.CapturedOutput{
		Address:    address,
		Raw:        raw,
		Identifier: ExtractIdentifier(raw),
		CapturedAt: now().UTC().Truncate(time.Second),
	}

	r.logout(s, log)
	log.WithFields(logrus.Fields{"identifier": captured.Identifier, "bytes": len(raw)}).Debug("export captured")
	return captured, nil
}

// logout 尽力而为，不等待设备响应
func (r *Runner) logout(s *terminal.Session, log *logrus.Entry) {
	if r.LogoutCommand == "" {
		return
	}
	if err := s.SendLine(r.LogoutCommand); err != nil {
		log.WithError(err).Debug("logout not delivered")
	}
}
