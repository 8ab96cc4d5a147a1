package simulate

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/sshcollectorpro/mtcollector/pkg/logger"
)

// Manager 管理多个 namespace 的 SSH 模拟服务
// 每个 namespace 在独立端口运行，背后是一台设备或一个网关
type Manager struct {
	cfg       *Config
	lab       *Lab
	nsServers map[string]*namespaceServer
	mu        sync.Mutex
}

type namespaceServer struct {
	nsName   string
	listen   string
	cfg      NamespaceConfig
	lab      *Lab
	listener net.Listener
	hostKey  ssh.Signer
	active   int
	mu       sync.Mutex
	wg       sync.WaitGroup
}

// Start 启动所有 namespace 的 SSH 模拟服务
func Start(simCfg *Config) (*Manager, error) {
	if err := simCfg.Validate(); err != nil {
		return nil, err
	}
	signer, err := loadOrCreateHostKey(simCfg.HostKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to init host key: %w", err)
	}

	m := &Manager{
		cfg:       simCfg,
		lab:       NewLab(simCfg),
		nsServers: make(map[string]*namespaceServer),
	}
	for ns, nsCfg := range simCfg.Namespace {
		srv := &namespaceServer{nsName: ns, listen: simCfg.Listen, cfg: nsCfg, lab: m.lab, hostKey: signer}
		if err := srv.start(); err != nil {
			m.Stop()
			return nil, fmt.Errorf("namespace %s: %w", ns, err)
		}
		m.nsServers[ns] = srv
		logger.WithFields(logrus.Fields{"namespace": ns, "addr": srv.listener.Addr().String()}).Info("Simulate: namespace server started")
	}
	return m, nil
}

// Lab 模拟服务背后的设备集合
func (m *Manager) Lab() *Lab {
	return m.lab
}

// Addr 返回 namespace 的实际监听地址（端口配置为 0 时由系统分配）
func (m *Manager) Addr(ns string) (host string, port int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	srv, exists := m.nsServers[ns]
	if !exists || srv.listener == nil {
		return "", 0, false
	}
	h, p, err := net.SplitHostPort(srv.listener.Addr().String())
	if err != nil {
		return "", 0, false
	}
	port, _ = strconv.Atoi(p)
	return h, port, true
}

// Stop 停止所有模拟服务
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ns, srv := range m.nsServers {
		srv.stop()
		logger.WithField("namespace", ns).Info("Simulate: namespace server stopped")
	}
}

func x509MarshalPKCS1PrivateKey(key *rsa.PrivateKey) []byte {
	privDER := x509.MarshalPKCS1PrivateKey(key)
	blk := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: privDER}
	return pem.EncodeToMemory(blk)
}

// loadOrCreateHostKey 加载或生成持久化的 host key（RSA 2048）；路径为空时只在内存中生成
func loadOrCreateHostKey(keyPath string) (ssh.Signer, error) {
	if keyPath != "" {
		if bs, err := os.ReadFile(keyPath); err == nil {
			signer, err := ssh.ParsePrivateKey(bs)
			if err == nil {
				logger.WithField("file", keyPath).Debug("Simulate: host key loaded")
				return signer, nil
			}
			logger.WithError(err).Warn("Simulate: host key parse failed, regenerating")
		}
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate host key: %w", err)
	}
	pemBytes := x509MarshalPKCS1PrivateKey(key)
	if keyPath != "" {
		if err := os.MkdirAll(filepath.Dir(keyPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to ensure host key dir: %w", err)
		}
		if err := os.WriteFile(keyPath, pemBytes, 0o600); err != nil {
			return nil, fmt.Errorf("failed to write host key: %w", err)
		}
	}
	return ssh.ParsePrivateKey(pemBytes)
}

func (s *namespaceServer) start() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.listen, strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return err
	}
	s.listener = ln

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				// listener closed
				return
			}
			s.mu.Lock()
			if s.cfg.MaxConn > 0 && s.active >= s.cfg.MaxConn {
				s.mu.Unlock()
				_ = conn.Close()
				logger.WithField("namespace", s.nsName).Warn("Simulate: reject connection, max_conn exceeded")
				continue
			}
			s.active++
			s.mu.Unlock()

			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.handleConn(c)
				s.mu.Lock()
				s.active--
				s.mu.Unlock()
			}(conn)
		}
	}()
	return nil
}

func (s *namespaceServer) stop() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
}

// credentials namespace 背后主机的登录凭据
func (s *namespaceServer) credentials() (user, password string) {
	if s.cfg.Gateway != "" {
		if g := s.lab.gateway(s.cfg.Gateway); g != nil {
			return g.Username, g.Password
		}
	}
	if d := s.lab.device(s.cfg.Device); d != nil {
		return d.Username, d.Password
	}
	return "", ""
}

func (s *namespaceServer) handleConn(nc net.Conn) {
	log := logger.WithFields(logrus.Fields{"namespace": s.nsName, "remote": nc.RemoteAddr().String()})
	wantUser, wantPass := s.credentials()
	check := func(user, pass string) error {
		if user == wantUser && pass == wantPass {
			return nil
		}
		return fmt.Errorf("access denied")
	}
	srvCfg := &ssh.ServerConfig{
		PasswordCallback: func(md ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			return nil, check(md.User(), string(password))
		},
		KeyboardInteractiveCallback: func(md ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			// 兼容部分客户端默认使用 keyboard-interactive 的情况
			answers, err := challenge(md.User(), "Authentication", []string{"Password:"}, []bool{false})
			if err != nil {
				return nil, err
			}
			if len(answers) == 0 {
				return nil, fmt.Errorf("access denied")
			}
			return nil, check(md.User(), answers[0])
		},
	}
	srvCfg.AddHostKey(s.hostKey)

	conn, chans, reqs, err := ssh.NewServerConn(nc, srvCfg)
	if err != nil {
		log.WithError(err).Debug("Simulate: SSH handshake failed")
		_ = nc.Close()
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	for ch := range chans {
		if ch.ChannelType() != "session" {
			ch.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := ch.Accept()
		if err != nil {
			log.WithError(err).Debug("Simulate: channel accept failed")
			continue
		}
		go s.handleSession(channel, requests, conn.User())
	}
}

func (s *namespaceServer) handleSession(channel ssh.Channel, requests <-chan *ssh.Request, user string) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "pty-req", "env", "window-change":
			req.Reply(true, nil)
		case "shell":
			req.Reply(true, nil)
			s.runShell(channel, user)
			_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
			return
		default:
			req.Reply(false, nil)
		}
	}
}

// runShell 传输层已认证，直接进入设备或网关的命令行
func (s *namespaceServer) runShell(channel ssh.Channel, user string) {
	st := NewStream(channel, channel)
	if s.cfg.IdleSeconds > 0 {
		idle := time.Duration(s.cfg.IdleSeconds) * time.Second
		timer := time.AfterFunc(idle, func() {
			_ = st.Write("\r\nSession closed due to idle timeout.\r\n")
			_ = channel.Close()
		})
		defer timer.Stop()
		st.onLine = func() { timer.Reset(idle) }
	}

	if s.cfg.Gateway != "" {
		if g := s.lab.gateway(s.cfg.Gateway); g != nil {
			ServeGateway(st, g, s.lab, false)
		}
		return
	}
	if d := s.lab.device(s.cfg.Device); d != nil {
		ServeDevice(st, d, user, false, nil, nil)
	}
}
