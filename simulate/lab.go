package simulate

import (
	"context"
	"io"
	"sync"

	"github.com/sshcollectorpro/mtcollector/internal/terminal"
)

// Lab 内存中的设备与网关集合，用于不经网络地运行采集流程
//
// Dial 的行为与在 PTY 中运行 ssh 客户端一致：未知地址输出 "Connection refused" 后结束。
type Lab struct {
	mu       sync.Mutex
	devices  map[string]*DeviceConfig
	gateways map[string]*GatewayConfig
	known    map[string]bool
	active   int
	nested   int
	opened   int
}

// NewLab 由配置创建实验室
func NewLab(cfg *Config) *Lab {
	l := &Lab{
		devices:  make(map[string]*DeviceConfig),
		gateways: make(map[string]*GatewayConfig),
		known:    make(map[string]bool),
	}
	if cfg != nil {
		for i := range cfg.Devices {
			l.AddDevice(cfg.Devices[i])
		}
		for i := range cfg.Gateways {
			l.AddGateway(cfg.Gateways[i])
		}
	}
	return l
}

// AddDevice 注册设备
func (l *Lab) AddDevice(d DeviceConfig) {
	if d.Identity == "" {
		d.Identity = "MikroTik"
	}
	if d.Username == "" {
		d.Username = "admin"
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.devices[d.Address] = &d
}

// AddGateway 注册网关
func (l *Lab) AddGateway(g GatewayConfig) {
	if g.Hostname == "" {
		g.Hostname = "gateway"
	}
	if g.Username == "" {
		g.Username = "vpn"
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gateways[g.Address] = &g
}

func (l *Lab) device(addr string) *DeviceConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.devices[addr]
}

func (l *Lab) gateway(addr string) *GatewayConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gateways[addr]
}

func (l *Lab) hostKnown(addr string, configured bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return configured || l.known[addr]
}

func (l *Lab) acceptHost(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.known[addr] = true
}

func (l *Lab) nestedOpened() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nested++
}

func (l *Lab) nestedClosed() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nested--
}

// Active 当前打开的连接数（直连与网关连接）
func (l *Lab) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Nested 当前经网关打开的嵌套设备会话数
func (l *Lab) Nested() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nested
}

// Opened 累计打开的连接数
func (l *Lab) Opened() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opened
}

// Dial 建立一条到实验室中地址的终端流，满足 terminal.DialFunc
func (l *Lab) Dial(ctx context.Context, ep terminal.Endpoint) (io.WriteCloser, io.Reader, func() error, error) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	l.mu.Lock()
	l.active++
	l.opened++
	l.mu.Unlock()

	go func() {
		defer func() {
			_ = outW.Close()
			_ = inR.Close()
			l.mu.Lock()
			l.active--
			l.mu.Unlock()
		}()
		st := NewStream(inR, outW)
		user := ep.Credential.Username
		if g := l.gateway(ep.Address); g != nil {
			// 网关的登录用户以客户端传入为准
			gw := *g
			if user != gw.Username {
				gw.Password = "\x00"
			}
			ServeGateway(st, &gw, l, true)
			return
		}
		if d := l.device(ep.Address); d != nil {
			ServeDevice(st, d, user, true,
				func() bool { return l.hostKnown(ep.Address, d.KnownHost) },
				func() { l.acceptHost(ep.Address) })
			return
		}
		_ = st.Printf("ssh: connect to host %s port %d: Connection refused\r\n", ep.Address, ep.Credential.EffectivePort())
	}()

	closer := func() error {
		_ = outR.Close()
		return inW.Close()
	}
	return inW, outR, closer, nil
}

// Spawner 返回连接到本实验室的会话工厂
func (l *Lab) Spawner(opts terminal.Options) *terminal.StreamSpawner {
	return &terminal.StreamSpawner{Dial: l.Dial, Options: opts}
}
