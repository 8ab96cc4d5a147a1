package terminal

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	expect "github.com/google/goexpect"

	"github.com/sshcollectorpro/mtcollector/internal/model"
	sshpkg "github.com/sshcollectorpro/mtcollector/pkg/ssh"
)

// Endpoint 会话的连接目标
type Endpoint struct {
	Address    string
	Credential model.Credential
}

// Spawner 打开终端会话
type Spawner interface {
	Spawn(ctx context.Context, ep Endpoint) (*Session, error)
}

// CommandLine 构造 OpenSSH 客户端调用参数：binary [extra...] user@host -p port
func CommandLine(binary string, extra []string, ep Endpoint) []string {
	if binary == "" {
		binary = "ssh"
	}
	args := []string{binary}
	args = append(args, extra...)
	target := ep.Address
	if ep.Credential.Username != "" {
		target = ep.Credential.Username + "@" + ep.Address
	}
	return append(args, target, "-p", strconv.Itoa(ep.Credential.EffectivePort()))
}

// ExecSpawner 在 PTY 中运行系统 ssh 客户端，认证通过终端文本提示完成
type ExecSpawner struct {
	Binary         string
	ExtraArgs      []string
	ConnectTimeout time.Duration
	Options        Options
}

// Spawn 启动 ssh 进程
func (e *ExecSpawner) Spawn(ctx context.Context, ep Endpoint) (*Session, error) {
	opts := e.Options.withDefaults()
	extra := append([]string(nil), e.ExtraArgs...)
	if secs := connectTimeoutSeconds(e.ConnectTimeout); secs > 0 {
		extra = append(extra, "-o", fmt.Sprintf("ConnectTimeout=%d", secs))
	}
	args := CommandLine(e.Binary, extra, ep)

	exp, errCh, err := expect.SpawnWithArgs(args, defaultExpectTimeout, opts.expectOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to spawn %s: %w", args[0], err)
	}
	go drain(errCh)
	// 进程型会话由 goexpect 判断存活，这里的标志只在 Close 后置位
	var eof atomic.Bool
	s := newSession(ep.Address, false, exp, &eof, opts)
	s.addCloseHook(func() { eof.Store(true) })
	bindContext(ctx, s)
	return s, nil
}

// connectTimeoutSeconds OpenSSH 只接受整秒且 0 表示系统默认，不足一秒向上取整
func connectTimeoutSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

// NativeSpawner 使用内置 SSH 客户端，认证在协议层完成
type NativeSpawner struct {
	Config  *sshpkg.Config
	Options Options
}

// Spawn 建立 SSH 连接并打开交互式 shell
func (n *NativeSpawner) Spawn(ctx context.Context, ep Endpoint) (*Session, error) {
	client := sshpkg.NewClient(n.Config)
	info := &sshpkg.ConnectionInfo{
		Host:     ep.Address,
		Port:     ep.Credential.EffectivePort(),
		Username: ep.Credential.Username,
		Password: ep.Credential.Secret.Reveal(),
	}
	if err := client.Connect(ctx, info); err != nil {
		return nil, err
	}
	shell, err := client.OpenShell()
	if err != nil {
		client.Close()
		return nil, err
	}
	return fromStream(ctx, ep.Address, true, shell.Stdin(), shell.Output(), func() error {
		shell.Close()
		return client.Close()
	}, n.Options)
}

// DialFunc 建立一条字节流连接，返回写端、读端与关闭函数
type DialFunc func(ctx context.Context, ep Endpoint) (io.WriteCloser, io.Reader, func() error, error)

// StreamSpawner 在任意字节流上运行会话（模拟设备、测试桩）
type StreamSpawner struct {
	Dial             DialFunc
	PreAuthenticated bool
	Options          Options
}

// Spawn 拨号并包装为会话
func (st *StreamSpawner) Spawn(ctx context.Context, ep Endpoint) (*Session, error) {
	in, out, closer, err := st.Dial(ctx, ep)
	if err != nil {
		return nil, err
	}
	return fromStream(ctx, ep.Address, st.PreAuthenticated, in, out, closer, st.Options)
}

// FromStream 将已建立的字节流包装为会话
func FromStream(host string, in io.WriteCloser, out io.Reader, closer func() error, opts Options) (*Session, error) {
	return fromStream(context.Background(), host, false, in, out, closer, opts)
}

func fromStream(ctx context.Context, host string, preAuth bool, in io.WriteCloser, out io.Reader, closer func() error, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	if closer == nil {
		closer = func() error { return nil }
	}

	var eof atomic.Bool
	done := make(chan struct{})
	var doneOnce sync.Once
	finish := func() {
		eof.Store(true)
		doneOnce.Do(func() { close(done) })
	}
	reader := &eofReader{r: out, onEOF: finish}

	exp, errCh, err := expect.SpawnGeneric(&expect.GenOptions{
		In:  in,
		Out: reader,
		Wait: func() error {
			<-done
			return nil
		},
		Close: func() error {
			finish()
			_ = in.Close()
			return closer()
		},
		Check: func() bool { return !eof.Load() },
	}, defaultExpectTimeout, opts.expectOptions()...)
	if err != nil {
		_ = closer()
		return nil, fmt.Errorf("failed to attach terminal to %s: %w", host, err)
	}
	go drain(errCh)

	s := newSession(host, preAuth, exp, &eof, opts)
	bindContext(ctx, s)
	return s, nil
}

// bindContext 上下文取消时关闭会话
func bindContext(ctx context.Context, s *Session) {
	if ctx == nil || ctx.Done() == nil {
		return
	}
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	s.addCloseHook(func() { stop() })
}

// drain 消费进程退出结果，避免 goexpect 的等待协程阻塞
func drain(errCh <-chan error) {
	<-errCh
}

// eofReader 读端出现任何错误即视为流结束
type eofReader struct {
	r     io.Reader
	onEOF func()
}

func (e *eofReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err != nil {
		e.onEOF()
	}
	return n, err
}
