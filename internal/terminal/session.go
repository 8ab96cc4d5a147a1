package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	expect "github.com/google/goexpect"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sshcollectorpro/mtcollector/internal/model"
	"github.com/sshcollectorpro/mtcollector/internal/prompt"
	"github.com/sshcollectorpro/mtcollector/pkg/logger"
)

// ErrClosed 会话已关闭
var ErrClosed = errors.New("terminal session closed")

// State 会话状态
type State int

const (
	// Connecting 通道已建立，尚未出现任何提示符
	Connecting State = iota
	// AwaitingAuth 正在等待或回应认证提示
	AwaitingAuth
	// Authenticated 已看到 shell 提示符
	Authenticated
	// CommandInFlight 命令已发送，等待完成
	CommandInFlight
	// Closed 会话已关闭，不可再使用
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case AwaitingAuth:
		return "awaiting_auth"
	case Authenticated:
		return "authenticated"
	case CommandInFlight:
		return "command_in_flight"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Kind 一次等待的结果类别
type Kind int

const (
	// Matched 某个候选提示符出现
	Matched Kind = iota
	// Timeout 超时前没有任何候选出现
	Timeout
	// EndOfStream 远端关闭了通道
	EndOfStream
)

func (k Kind) String() string {
	switch k {
	case Matched:
		return "matched"
	case Timeout:
		return "timeout"
	case EndOfStream:
		return "end_of_stream"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Outcome AwaitOne 的返回值
type Outcome struct {
	Kind    Kind
	Pattern prompt.Pattern
	// Before 匹配前的文本；超时或断开时为尚未消费的全部文本
	Before string
	// Text 命中的提示符文本
	Text string
	Err  error
}

// Options 会话公共选项
type Options struct {
	Dialect *prompt.Dialect
	Tracker *Tracker
	// LineEnding SendLine 追加的行尾，默认 "\n"
	LineEnding string
	// SendTimeout 单次写入的超时
	SendTimeout time.Duration
	// TranscriptLimit 保留的交互记录字节数
	TranscriptLimit int
	// Verbose 将原始交互写入 debug 日志
	Verbose bool
}

const (
	defaultTranscriptLimit = 16 * 1024
	defaultSendTimeout     = 10 * time.Second
	// 仅作为 goexpect 的默认值，每次等待都会显式传入超时
	defaultExpectTimeout = 30 * time.Second
)

func (o Options) withDefaults() Options {
	if o.Dialect == nil {
		o.Dialect = prompt.DefaultDialect()
	}
	if o.LineEnding == "" {
		o.LineEnding = "\n"
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = defaultSendTimeout
	}
	if o.TranscriptLimit <= 0 {
		o.TranscriptLimit = defaultTranscriptLimit
	}
	return o
}

// expectOptions goexpect 选项；不开启其 Verbose，发送内容由 Session 自行记录并遮盖口令
func (o Options) expectOptions() []expect.Option {
	return []expect.Option{expect.SendTimeout(o.SendTimeout)}
}

// anyOutput 任意非空输出即返回，提示符分类由 prompt.Matcher 在本地缓冲区上完成
var anyOutput = regexp.MustCompile(`(?s).+`)

// Session 一个交互式终端会话，独占底层进程或通道
//
// 同一时刻只允许一个调用方使用；Close 可在任意状态下重复调用。
type Session struct {
	id      string
	host    string
	preAuth bool
	opts    Options
	exp     *expect.GExpect
	eof     *atomic.Bool

	mu         sync.Mutex
	state      State
	pending    string
	transcript []byte

	closeOnce sync.Once
	closeErr  error
	onClose   []func()
	log       *logrus.Entry
}

func newSession(host string, preAuth bool, exp *expect.GExpect, eof *atomic.Bool, opts Options) *Session {
	s := &Session{
		id:      uuid.NewString(),
		host:    host,
		preAuth: preAuth,
		opts:    opts,
		exp:     exp,
		eof:     eof,
		state:   Connecting,
	}
	s.log = logger.WithFields(logrus.Fields{"session": s.id, "host": host})
	if opts.Tracker != nil {
		opts.Tracker.add(s)
	}
	return s
}

// ID 会话标识
func (s *Session) ID() string { return s.id }

// Host 会话连接的地址
func (s *Session) Host() string { return s.host }

// PreAuthenticated 传输层已完成认证（原生 SSH 客户端），不会出现文本密码提示
func (s *Session) PreAuthenticated() bool { return s.preAuth }

// State 当前状态
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState 由登录与命令执行流程推进状态；已关闭的会话保持关闭
func (s *Session) SetState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return
	}
	s.state = st
}

// Transcript 最近的交互记录（有界）
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.transcript)
}

func (s *Session) record(chunk string) {
	s.transcript = append(s.transcript, chunk...)
	if over := len(s.transcript) - s.opts.TranscriptLimit; over > 0 {
		s.transcript = append(s.transcript[:0], s.transcript[over:]...)
	}
}

// Send 原样写入
func (s *Session) Send(text string) error {
	return s.send(text, text)
}

// SendLine 写入一行，追加配置的行尾
func (s *Session) SendLine(text string) error {
	return s.Send(text + s.opts.LineEnding)
}

// SendSecret 写入口令并换行，日志中只出现掩码
func (s *Session) SendSecret(secret model.Secret) error {
	logger.Redact(secret.Reveal())
	return s.send(secret.Reveal()+s.opts.LineEnding, secret.String()+s.opts.LineEnding)
}

func (s *Session) send(text, logged string) error {
	if s.State() == Closed {
		return ErrClosed
	}
	if s.opts.Verbose {
		s.log.WithField("data", logged).Debug("sent")
	}
	if err := s.exp.Send(text); err != nil {
		return fmt.Errorf("send to %s: %w", s.host, err)
	}
	return nil
}

// AwaitOne 等待候选中最先出现的提示符
//
// 匹配点之前的文本作为 Before 返回并被消费，匹配点之后已读到的文本留给下一次等待。
func (s *Session) AwaitOne(timeout time.Duration, candidates ...prompt.Pattern) Outcome {
	m, err := s.opts.Dialect.Matcher(candidates...)
	if err != nil {
		return Outcome{Kind: EndOfStream, Err: err}
	}
	if timeout <= 0 {
		timeout = defaultExpectTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		s.mu.Lock()
		if s.state == Closed {
			before := s.pending
			s.mu.Unlock()
			return Outcome{Kind: EndOfStream, Before: before, Err: ErrClosed}
		}
		if res, ok := m.Match(s.pending); ok {
			s.pending = s.pending[res.End:]
			s.mu.Unlock()
			return Outcome{Kind: Matched, Pattern: res.Pattern, Before: res.Before, Text: res.Text}
		}
		s.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return s.unmatched(Timeout, fmt.Errorf("no %v within %s", candidates, timeout))
		}

		chunk, err := s.read(remaining)
		if chunk != "" {
			s.mu.Lock()
			s.pending += chunk
			s.record(chunk)
			s.mu.Unlock()
		}
		if err != nil {
			// 出错前读到的文本仍可能完成匹配
			if _, ok := m.Match(s.Pending()); ok {
				continue
			}
			var te expect.TimeoutError
			if errors.As(err, &te) && !s.eof.Load() {
				return s.unmatched(Timeout, fmt.Errorf("no %v within %s", candidates, timeout))
			}
			return s.unmatched(EndOfStream, err)
		}
	}
}

// read 读取下一段输出；超时返回 expect.TimeoutError，进程或通道结束返回其他错误
func (s *Session) read(timeout time.Duration) (string, error) {
	out, _, _, err := s.exp.ExpectSwitchCase([]expect.Caser{
		&expect.Case{R: anyOutput, T: expect.OK()},
	}, timeout)
	if s.opts.Verbose && out != "" {
		s.log.WithField("data", out).Debug("received")
	}
	if err == nil {
		return out, nil
	}
	if _, ok := err.(expect.TimeoutError); !ok && !s.eof.Load() && s.State() != Closed {
		s.log.WithError(err).Debug("read from terminal failed")
	}
	return out, err
}

// Pending 已读取但尚未被任何匹配消费的文本
func (s *Session) Pending() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *Session) unmatched(kind Kind, err error) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Outcome{Kind: kind, Before: s.pending, Err: err}
}

// Close 关闭会话并释放底层资源，可重复调用
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = Closed
		hooks := s.onClose
		s.mu.Unlock()

		for _, fn := range hooks {
			fn()
		}
		if err := s.exp.Close(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrProcessDone) {
			s.closeErr = err
		}
		if s.opts.Tracker != nil {
			s.opts.Tracker.remove(s)
		}
		s.log.Debug("terminal session closed")
	})
	return s.closeErr
}

func (s *Session) addCloseHook(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = append(s.onClose, fn)
}
