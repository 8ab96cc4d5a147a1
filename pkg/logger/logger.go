package logger

import (
	"io"
	stdlog "log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	log       *logrus.Logger
	stdWriter *io.PipeWriter
	redactor  = &secretHook{secrets: make(map[string]struct{})}
)

// Mask 日志中口令的替代文本
const Mask = "******"

// Config 日志配置
type Config struct {
	Level      string `json:"level"`
	Format     string `json:"format"`
	Output     string `json:"output"`
	FilePath   string `json:"file_path"`
	MaxSize    int    `json:"max_size"`
	MaxBackups int    `json:"max_backups"`
	MaxAge     int    `json:"max_age"`
	Compress   bool   `json:"compress"`
}

// Init 初始化日志
func Init(config Config) error {
	log = newLogger()

	// 设置日志级别
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	// 设置日志格式
	if config.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat:   "2006-01-02 15:04:05",
			DisableHTMLEscape: true, // 禁用HTML转义，正确显示<>等字符
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	// 设置输出
	var writers []io.Writer

	if config.Output == "console" || config.Output == "both" {
		writers = append(writers, os.Stdout)
	}

	if config.Output == "file" || config.Output == "both" {
		// 确保日志目录存在
		if err := os.MkdirAll(filepath.Dir(config.FilePath), 0755); err != nil {
			return err
		}

		fileWriter := &lumberjack.Logger{
			Filename:   config.FilePath,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}
		writers = append(writers, fileWriter)
	}

	if len(writers) > 0 {
		log.SetOutput(io.MultiWriter(writers...))
	}

	redirectStdlog(log)
	return nil
}

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.AddHook(redactor)
	return l
}

// redirectStdlog 依赖库经标准库 log 打印的内容（goexpect 等）以 debug 级别进入 logrus
func redirectStdlog(l *logrus.Logger) {
	if stdWriter != nil {
		_ = stdWriter.Close()
	}
	stdWriter = l.WriterLevel(logrus.DebugLevel)
	stdlog.SetFlags(0)
	stdlog.SetPrefix("")
	stdlog.SetOutput(stdWriter)
}

// SetLevel 运行期调整日志级别（配置热更新时使用）
func SetLevel(level string) error {
	lv, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	GetLogger().SetLevel(lv)
	return nil
}

// GetLogger 获取日志实例
func GetLogger() *logrus.Logger {
	if log == nil {
		log = newLogger()
	}
	return log
}

// Info 信息日志
func Info(args ...interface{}) {
	GetLogger().Info(args...)
}

// WithField 添加字段
func WithField(key string, value interface{}) *logrus.Entry {
	return GetLogger().WithField(key, value)
}

// WithFields 添加多个字段
func WithFields(fields logrus.Fields) *logrus.Entry {
	return GetLogger().WithFields(fields)
}

// WithError 附带错误字段
func WithError(err error) *logrus.Entry {
	return GetLogger().WithError(err)
}

// Redact 登记需要在日志中遮盖的口令，空串忽略
func Redact(values ...string) {
	redactor.add(values...)
}

// secretHook 在输出前将已登记的口令替换为 Mask，覆盖消息与字符串字段
type secretHook struct {
	mu      sync.RWMutex
	secrets map[string]struct{}
}

func (h *secretHook) add(values ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, v := range values {
		if v != "" {
			h.secrets[v] = struct{}{}
		}
	}
}

func (h *secretHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *secretHook) Fire(entry *logrus.Entry) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.secrets) == 0 {
		return nil
	}
	entry.Message = h.scrub(entry.Message)
	for k, v := range entry.Data {
		switch val := v.(type) {
		case string:
			entry.Data[k] = h.scrub(val)
		case error:
			if msg := val.Error(); h.scrub(msg) != msg {
				entry.Data[k] = h.scrub(msg)
			}
		}
	}
	return nil
}

func (h *secretHook) scrub(s string) string {
	for secret := range h.secrets {
		if strings.Contains(s, secret) {
			s = strings.ReplaceAll(s, secret, Mask)
		}
	}
	return s
}