package simulate

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Config simulate.yaml 配置结构
type Config struct {
	// Listen 监听地址，默认 127.0.0.1
	Listen      string                     `mapstructure:"listen"`
	HostKeyFile string                     `mapstructure:"host_key_file"`
	Namespace   map[string]NamespaceConfig `mapstructure:"namespace"`
	Devices     []DeviceConfig             `mapstructure:"devices"`
	Gateways    []GatewayConfig            `mapstructure:"gateways"`
}

// NamespaceConfig 一个监听端口，背后是一台设备或一个网关
type NamespaceConfig struct {
	Port        int    `mapstructure:"port"`
	IdleSeconds int    `mapstructure:"idle_seconds"`
	MaxConn     int    `mapstructure:"max_conn"`
	Device      string `mapstructure:"device"`
	Gateway     string `mapstructure:"gateway"`
}

// 设备行为
const (
	BehaviorNormal = "normal"
	// BehaviorNoShell 认证后不再出现提示符
	BehaviorNoShell = "no_shell"
	// BehaviorHangOnExport 导出命令回显后不再输出
	BehaviorHangOnExport = "hang_on_export"
	// BehaviorDropOnExport 导出命令回显后断开连接
	BehaviorDropOnExport = "drop_on_export"
)

// DeviceConfig 模拟的 RouterOS 设备
type DeviceConfig struct {
	Address  string `mapstructure:"address"`
	Identity string `mapstructure:"identity"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	MAC      string `mapstructure:"mac"`
	Version  string `mapstructure:"version"`
	// Export 导出命令的输出；为空时读取 ExportFile，再为空时按 MAC 生成
	Export     string `mapstructure:"export"`
	ExportFile string `mapstructure:"export_file"`
	Behavior   string `mapstructure:"behavior"`
	// KnownHost 为 false 时首次连接会询问主机指纹
	KnownHost bool `mapstructure:"known_host"`
}

// GatewayConfig 模拟的 Linux 跳板机
type GatewayConfig struct {
	Address   string `mapstructure:"address"`
	Hostname  string `mapstructure:"hostname"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	KnownHost bool   `mapstructure:"known_host"`
}

// LoadConfig 读取 simulate.yaml
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(path)
	v.SetDefault("listen", "127.0.0.1")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read simulate config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal simulate config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查引用关系并补全默认值
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = "127.0.0.1"
	}
	devices := make(map[string]bool, len(c.Devices))
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Address == "" {
			return fmt.Errorf("devices[%d]: address is required", i)
		}
		if d.Identity == "" {
			d.Identity = "MikroTik"
		}
		if d.Username == "" {
			d.Username = "admin"
		}
		if d.Behavior == "" {
			d.Behavior = BehaviorNormal
		}
		switch d.Behavior {
		case BehaviorNormal, BehaviorNoShell, BehaviorHangOnExport, BehaviorDropOnExport:
		default:
			return fmt.Errorf("device %s: unknown behavior %q", d.Address, d.Behavior)
		}
		if d.Export == "" && d.ExportFile != "" {
			bs, err := os.ReadFile(d.ExportFile)
			if err != nil {
				return fmt.Errorf("device %s: %w", d.Address, err)
			}
			d.Export = string(bs)
		}
		devices[d.Address] = true
	}
	gateways := make(map[string]bool, len(c.Gateways))
	for i := range c.Gateways {
		g := &c.Gateways[i]
		if g.Address == "" {
			return fmt.Errorf("gateways[%d]: address is required", i)
		}
		if g.Hostname == "" {
			g.Hostname = "gateway"
		}
		if g.Username == "" {
			g.Username = "vpn"
		}
		gateways[g.Address] = true
	}
	for ns, n := range c.Namespace {
		switch {
		case n.Device != "" && !devices[n.Device]:
			return fmt.Errorf("namespace %s: unknown device %s", ns, n.Device)
		case n.Gateway != "" && !gateways[n.Gateway]:
			return fmt.Errorf("namespace %s: unknown gateway %s", ns, n.Gateway)
		case n.Device == "" && n.Gateway == "":
			return fmt.Errorf("namespace %s: device or gateway is required", ns)
		}
	}
	return nil
}
