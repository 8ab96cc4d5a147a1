package device

import (
	"fmt"
	"unicode/utf8"

	"github.com/sshcollectorpro/mtcollector/internal/terminal"
)

// Stage 失败发生的阶段
type Stage string

const (
	StageConnect Stage = "connect"
	StageGateway Stage = "gateway"
	StageLogin   Stage = "login"
	StageCommand Stage = "command"
)

// Reason 失败原因
type Reason string

const (
	// ReasonTimeout 期望的提示符在超时前未出现（包括密码错误）
	ReasonTimeout Reason = "timeout"
	// ReasonDisconnected 远端关闭了通道
	ReasonDisconnected Reason = "disconnected"
	// ReasonIncompleteCapture 导出命令已发送，但结束提示符未再出现
	ReasonIncompleteCapture Reason = "incomplete_capture"
	// ReasonUnrecognized 终端输出不属于任何已知提示符，而是通用失败信息
	ReasonUnrecognized Reason = "unrecognized_transcript"
	// ReasonSpawn 无法建立会话（进程启动或 TCP/SSH 握手失败）
	ReasonSpawn Reason = "spawn_failed"
)

// Failure 单个目标的失败结果，携带足以复盘的上下文
type Failure struct {
	Target string
	Stage  Stage
	Reason Reason
	// Transcript 失败时最后看到的终端文本片段
	Transcript string
	// Gateway 失败发生在网关会话上，整次运行不可继续
	Gateway bool
	Err     error
}

func (f *Failure) Error() string {
	hop := "target"
	if f.Gateway {
		hop = "gateway"
	}
	if f.Err != nil {
		return fmt.Sprintf("%s %s: %s failed (%s): %v", hop, f.Target, f.Stage, f.Reason, f.Err)
	}
	return fmt.Sprintf("%s %s: %s failed (%s)", hop, f.Target, f.Stage, f.Reason)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Fatal 网关失败会终止整次运行；无法识别的输出是否终止由调用方按配置决定
func (f *Failure) Fatal() bool {
	return f.Gateway
}

// failureFrom 将等待结果映射为失败；匹配成功时返回 nil
func failureFrom(s *terminal.Session, stage Stage, out terminal.Outcome, onTimeout Reason) *Failure {
	f := &Failure{Target: s.Host(), Stage: stage, Transcript: tail(s, out), Err: out.Err}
	switch out.Kind {
	case terminal.Matched:
		return nil
	case terminal.Timeout:
		f.Reason = onTimeout
	default:
		f.Reason = ReasonDisconnected
	}
	return f
}

func tail(s *terminal.Session, out terminal.Outcome) string {
	if out.Before != "" {
		return lastBytes(out.Before, transcriptFragment)
	}
	return lastBytes(s.Transcript(), transcriptFragment)
}

const transcriptFragment = 2048

// lastBytes 末尾至多 n 字节，起点后移到字符边界
func lastBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
