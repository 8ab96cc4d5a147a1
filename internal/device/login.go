package device

import (
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sshcollectorpro/mtcollector/internal/model"
	"github.com/sshcollectorpro/mtcollector/internal/prompt"
	"github.com/sshcollectorpro/mtcollector/internal/terminal"
	"github.com/sshcollectorpro/mtcollector/pkg/logger"
)

// Login 驱动会话完成认证，直到出现就绪提示符
type Login struct {
	// Timeout 每一步等待的超时
	Timeout time.Duration
	// HostKeyAnswer 首次连接主机指纹确认的回答
	HostKeyAnswer string
	Log           *logrus.Entry
}

// NewLogin 创建登录流程
func NewLogin(timeout time.Duration) *Login {
	return &Login{Timeout: timeout, HostKeyAnswer: "yes", Log: logger.WithField("component", "login")}
}

// Login 在会话上完成登录，ready 为期望的就绪提示符（设备或网关）；成功返回 nil
//
// 主机指纹确认之后仍需单独等待密码提示，确认本身不能代替认证。
// 传输层已认证的会话只等待就绪提示符。
func (l *Login) Login(s *terminal.Session, cred model.Credential, ready prompt.Pattern) *Failure {
	return l.login(s, s.Host(), cred, ready, s.PreAuthenticated(), false)
}

// Hop 在已登录网关的会话里完成嵌套 ssh 的登录，认证总是以终端文本进行
//
// 嵌套 ssh 的连接失败同样视为无法识别的输出。
func (l *Login) Hop(s *terminal.Session, target string, cred model.Credential) *Failure {
	f := l.login(s, target, cred, prompt.ShellReady, false, true)
	if f != nil {
		f.Target = target
	}
	return f
}

func (l *Login) login(s *terminal.Session, host string, cred model.Credential, ready prompt.Pattern, preAuth, nested bool) *Failure {
	log := l.Log.WithFields(logrus.Fields{"host": host, "ready": ready.String()})
	s.SetState(terminal.AwaitingAuth)

	if !preAuth {
		out := s.AwaitOne(l.Timeout, prompt.PasswordPrompt, prompt.HostKeyConfirm, prompt.ConnectFailed, prompt.Unrecognized)
		if f := failureFrom(s, StageLogin, out, ReasonTimeout); f != nil {
			return f
		}

		if out.Pattern == prompt.HostKeyConfirm {
			log.Debug("accepting host key")
			if err := s.SendLine(l.HostKeyAnswer); err != nil {
				return l.sendFailure(s, err)
			}
			out = s.AwaitOne(l.Timeout, prompt.PasswordPrompt, prompt.ConnectFailed, prompt.Unrecognized)
			if f := failureFrom(s, StageLogin, out, ReasonTimeout); f != nil {
				return f
			}
		}

		if out.Pattern == prompt.ConnectFailed && !nested {
			log.WithField("line", out.Text).Debug("ssh client could not connect")
			return &Failure{
				Target:     host,
				Stage:      StageConnect,
				Reason:     connectReason(out.Text),
				Transcript: lastBytes(out.Before+out.Text, transcriptFragment),
				Err:        errors.New(out.Text),
			}
		}

		if out.Pattern == prompt.Unrecognized || out.Pattern == prompt.ConnectFailed {
			return &Failure{
				Target:     host,
				Stage:      StageLogin,
				Reason:     ReasonUnrecognized,
				Transcript: lastBytes(out.Before+out.Text, transcriptFragment),
				Err:        errors.New(out.Text),
			}
		}

		if err := s.SendSecret(cred.Secret); err != nil {
			return l.sendFailure(s, err)
		}
	}

	// 密码错误时设备会再次提示输入而不是给出就绪提示符，表现为超时
	out := s.AwaitOne(l.Timeout, ready)
	if f := failureFrom(s, StageLogin, out, ReasonTimeout); f != nil {
		return f
	}
	s.SetState(terminal.Authenticated)
	log.Debug("login complete")
	return nil
}

// connectReason ssh 客户端的连接超时归为 Timeout，其余连接失败归为 Disconnected
func connectReason(line string) Reason {
	if strings.Contains(line, "timed out") {
		return ReasonTimeout
	}
	return ReasonDisconnected
}

func (l *Login) sendFailure(s *terminal.Session, err error) *Failure {
	return &Failure{
		Target:     s.Host(),
		Stage:      StageLogin,
		Reason:     ReasonDisconnected,
		Transcript: lastBytes(s.Transcript(), transcriptFragment),
		Err:        err,
	}
}
