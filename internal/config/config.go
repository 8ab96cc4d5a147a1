package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sshcollectorpro/mtcollector/internal/prompt"
)

// Config 应用配置结构
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Collector CollectorConfig `mapstructure:"collector"`
	SSH       SSHConfig       `mapstructure:"ssh"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// CollectorConfig 采集器配置
type CollectorConfig struct {
	ID string `mapstructure:"id"`
	// Workers 并发工作者数量，1 表示逐台顺序采集
	Workers       int    `mapstructure:"workers"`
	ExportCommand string `mapstructure:"export_command"`
	LogoutCommand string `mapstructure:"logout_command"`
	// GatewayLogout 结束网关会话时发送的命令
	GatewayLogout string `mapstructure:"gateway_logout"`
	// LineEnding 发送命令时追加的行尾，支持转义写法 "\r\n"
	LineEnding     string        `mapstructure:"line_ending"`
	LoginTimeout   time.Duration `mapstructure:"login_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	GatewayTimeout time.Duration `mapstructure:"gateway_timeout"`
	// Prompts 提示符表达式覆盖，键为 password_prompt、host_key_confirm、shell_ready、gateway_shell_ready、unrecognized、connect_failed
	Prompts         map[string]string `mapstructure:"prompts"`
	NormalizeOutput bool              `mapstructure:"normalize_output"`
	// OutputCharset 设备输出编码，留空时自动识别
	OutputCharset string `mapstructure:"output_charset"`
	// AbortOnUnrecognized 出现无法识别的登录输出时终止整次运行
	AbortOnUnrecognized bool `mapstructure:"abort_on_unrecognized"`
	// HostKeyAnswer 主机指纹确认的回答
	HostKeyAnswer string `mapstructure:"host_key_answer"`
	// TranscriptLimit 每个会话保留的交互记录字节数
	TranscriptLimit int  `mapstructure:"transcript_limit"`
	Verbose         bool `mapstructure:"verbose"`
}

// SSHConfig SSH 传输配置
type SSHConfig struct {
	// Transport exec 使用系统 ssh 客户端；native 使用内置客户端
	Transport         string        `mapstructure:"transport"`
	Binary            string        `mapstructure:"binary"`
	ExtraArgs         []string      `mapstructure:"extra_args"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	KeepAliveInterval time.Duration `mapstructure:"keep_alive_interval"`
	Terms             []string      `mapstructure:"terms"`
	SendTimeout       time.Duration `mapstructure:"send_timeout"`
}

// 传输方式
const (
	TransportExec   = "exec"
	TransportNative = "native"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

// SQLiteConfig SQLite配置
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
	// CreateIfMissing 库文件不存在时是否创建；采集流程默认不创建
	CreateIfMissing bool          `mapstructure:"create_if_missing"`
	BusyTimeout     time.Duration `mapstructure:"busy_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// ArchiveConfig 采集结果归档配置
type ArchiveConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Backend local | minio
	Backend string             `mapstructure:"backend"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalArchiveConfig `mapstructure:"local"`
	Minio   MinioConfig        `mapstructure:"minio"`
}

// LocalArchiveConfig 本地存储配置
type LocalArchiveConfig struct {
	BaseDir        string `mapstructure:"base_dir"`
	MkdirIfMissing bool   `mapstructure:"mkdir_if_missing"`
}

// MinioConfig 对象存储配置
type MinioConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Secure    bool   `mapstructure:"secure"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

var globalConfig *Config

// EnvPrefix 环境变量前缀，例如 MTCOLLECT_COLLECTOR_WORKERS
const EnvPrefix = "MTCOLLECT"

// Load 加载配置文件；path 为空时在默认目录中查找 config.yaml，找不到则只使用默认值
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath("../../configs")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config = replaceEnvVars(config)
	if err := config.Validate(); err != nil {
		return nil, err
	}

	globalConfig = &config
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 30*time.Second)
	// collect 接口同步执行，写超时需要覆盖整次运行
	v.SetDefault("server.write_timeout", 10*time.Minute)

	v.SetDefault("collector.workers", 1)
	v.SetDefault("collector.export_command", "export compact")
	v.SetDefault("collector.logout_command", "quit")
	v.SetDefault("collector.gateway_logout", "exit")
	v.SetDefault("collector.line_ending", `\n`)
	v.SetDefault("collector.login_timeout", 30*time.Second)
	v.SetDefault("collector.command_timeout", 60*time.Second)
	v.SetDefault("collector.gateway_timeout", 30*time.Second)
	v.SetDefault("collector.normalize_output", true)
	v.SetDefault("collector.output_charset", "")
	v.SetDefault("collector.abort_on_unrecognized", true)
	v.SetDefault("collector.host_key_answer", "yes")
	v.SetDefault("collector.transcript_limit", 16*1024)
	v.SetDefault("collector.verbose", false)

	v.SetDefault("ssh.transport", TransportExec)
	v.SetDefault("ssh.binary", "ssh")
	v.SetDefault("ssh.extra_args", []string{})
	v.SetDefault("ssh.connect_timeout", 10*time.Second)
	v.SetDefault("ssh.keep_alive_interval", 30*time.Second)
	v.SetDefault("ssh.terms", []string{"vt100", "xterm", "ansi", "dumb"})
	v.SetDefault("ssh.send_timeout", 10*time.Second)

	v.SetDefault("database.sqlite.path", "./data/mtcollector.db")
	v.SetDefault("database.sqlite.create_if_missing", false)
	v.SetDefault("database.sqlite.busy_timeout", 5*time.Second)
	v.SetDefault("database.sqlite.max_retries", 5)
	v.SetDefault("database.sqlite.conn_max_lifetime", time.Hour)

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.backend", "local")
	v.SetDefault("archive.prefix", "exports")
	v.SetDefault("archive.local.base_dir", "./data/archive")
	v.SetDefault("archive.local.mkdir_if_missing", true)
	v.SetDefault("archive.minio.port", 9000)
	v.SetDefault("archive.minio.bucket", "mtcollector")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "console")
	v.SetDefault("log.file_path", "./logs/mtcollector.log")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)
}

// Default 仅含默认值的配置
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var config Config
	// 默认值均为合法类型，不会解码失败
	_ = v.Unmarshal(&config)
	return &config
}

// Get 获取全局配置
func Get() *Config {
	return globalConfig
}

// Validate 检查取值范围与提示符表达式
func (c *Config) Validate() error {
	if c.Collector.Workers < 1 {
		return fmt.Errorf("collector.workers must be at least 1, got %d", c.Collector.Workers)
	}
	switch c.SSH.Transport {
	case TransportExec, TransportNative:
	default:
		return fmt.Errorf("unsupported ssh.transport %q", c.SSH.Transport)
	}
	if c.Archive.Enabled {
		switch c.Archive.Backend {
		case "local", "minio":
		default:
			return fmt.Errorf("unsupported archive.backend %q", c.Archive.Backend)
		}
	}
	if _, err := c.Dialect(); err != nil {
		return fmt.Errorf("invalid collector.prompts: %w", err)
	}
	return nil
}

// Dialect 按配置覆盖构建提示符集合
func (c *Config) Dialect() (*prompt.Dialect, error) {
	return prompt.NewDialect(c.Collector.Prompts)
}

// LineEnding 将配置中的转义写法还原为实际字符
func (c *Config) LineEnding() string {
	le := c.Collector.LineEnding
	if le == "" {
		return "\n"
	}
	return strings.NewReplacer(`\r`, "\r", `\n`, "\n").Replace(le)
}

// GetServerAddr 获取服务器地址
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// replaceEnvVars 替换 ${VAR} 形式的取值
func replaceEnvVars(config Config) Config {
	config.Collector.ID = expandRef(config.Collector.ID)
	config.Archive.Minio.AccessKey = expandRef(config.Archive.Minio.AccessKey)
	config.Archive.Minio.SecretKey = expandRef(config.Archive.Minio.SecretKey)
	return config
}

func expandRef(val string) string {
	if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
		envVar := strings.TrimSuffix(strings.TrimPrefix(val, "${"), "}")
		if value := os.Getenv(envVar); value != "" {
			return value
		}
	}
	return val
}
