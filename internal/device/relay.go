package device

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sshcollectorpro/mtcollector/internal/model"
	"github.com/sshcollectorpro/mtcollector/internal/prompt"
	"github.com/sshcollectorpro/mtcollector/internal/terminal"
	"github.com/sshcollectorpro/mtcollector/pkg/logger"
)

// Relay 经由网关（跳板机）采集目标设备
//
// 一个 Relay 持有至多一个网关会话，并在多个目标之间复用；不可并发使用。
// 嵌套登录或命令失败后网关会话会被关闭，下一个目标重新建立。
type Relay struct {
	Gateway model.GatewayHop
	Spawner terminal.Spawner
	Login   *Login
	Runner  *Runner
	// SSHBinary 网关上用于嵌套连接的客户端
	SSHBinary string
	// GatewayTimeout 等待网关提示符的超时
	GatewayTimeout time.Duration
	// GatewayLogout 正常结束时发给网关的退出命令
	GatewayLogout string
	Log           *logrus.Entry

	session  *terminal.Session
	atPrompt bool
}

// NewRelay 创建网关中转
func NewRelay(gw model.GatewayHop, spawner terminal.Spawner, login *Login, runner *Runner, gatewayTimeout time.Duration) *Relay {
	return &Relay{
		Gateway:        gw,
		Spawner:        spawner,
		Login:          login,
		Runner:         runner,
		SSHBinary:      "ssh",
		GatewayTimeout: gatewayTimeout,
		GatewayLogout:  "exit",
		Log:            logger.WithFields(logrus.Fields{"component": "relay", "gateway": gw.Address}),
	}
}

// Collect 通过网关登录目标并执行导出命令
func (r *Relay) Collect(ctx context.Context, target string, cred model.Credential) (*model.CapturedOutput, *Failure) {
	if f := r.ensureGateway(ctx); f != nil {
		return nil, f
	}
	s := r.session
	r.atPrompt = false

	line := strings.Join(terminal.CommandLine(r.SSHBinary, nil, terminal.Endpoint{Address: target, Credential: cred}), " ")
	r.Log.WithField("target", target).Debug("opening nested hop")
	if err := s.SendLine(line); err != nil {
		r.drop()
		return nil, &Failure{
			Target: r.Gateway.Address, Stage: StageGateway, Reason: ReasonDisconnected,
			Gateway: true, Transcript: lastBytes(s.Transcript(), transcriptFragment), Err: err,
		}
	}

	if f := r.Login.Hop(s, target, cred); f != nil {
		r.drop()
		return nil, f
	}

	captured, f := r.Runner.Run(s, target)
	if f != nil {
		r.drop()
		return nil, f
	}
	return captured, nil
}

// ensureGateway 打开并登录网关，或确认已回到网关提示符；任何失败都对整次运行致命
func (r *Relay) ensureGateway(ctx context.Context) *Failure {
	if r.session == nil {
		s, err := r.Spawner.Spawn(ctx, terminal.Endpoint{Address: r.Gateway.Address, Credential: r.Gateway.Credential})
		if err != nil {
			return &Failure{Target: r.Gateway.Address, Stage: StageGateway, Reason: ReasonSpawn, Gateway: true, Err: err}
		}
		if f := r.Login.Login(s, r.Gateway.Credential, prompt.GatewayShellReady); f != nil {
			_ = s.Close()
			f.Stage = StageGateway
			f.Gateway = true
			return f
		}
		r.session = s
		r.atPrompt = true
		r.Log.Info("gateway session established")
		return nil
	}
	if r.atPrompt {
		return nil
	}

	out := r.session.AwaitOne(r.GatewayTimeout, prompt.GatewayShellReady)
	if f := failureFrom(r.session, StageGateway, out, ReasonTimeout); f != nil {
		r.drop()
		f.Gateway = true
		return f
	}
	r.session.SetState(terminal.Authenticated)
	r.atPrompt = true
	return nil
}

// drop 关闭网关会话，不发送退出命令（嵌套会话可能仍在运行）
func (r *Relay) drop() {
	if r.session == nil {
		return
	}
	_ = r.session.Close()
	r.session = nil
	r.atPrompt = false
}

// Close 结束网关会话，可重复调用
func (r *Relay) Close() error {
	if r.session == nil {
		return nil
	}
	s := r.session
	r.session = nil
	r.atPrompt = false
	if r.GatewayLogout != "" && s.State() != terminal.Closed {
		_ = s.SendLine(r.GatewayLogout)
	}
	return s.Close()
}
