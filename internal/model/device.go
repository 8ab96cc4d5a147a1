package model

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Secret 口令类型，任何格式化输出都不会暴露原文
type Secret string

const redacted = "******"

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// GoString 防止 %#v 泄露口令
func (s Secret) GoString() string {
	return s.String()
}

// MarshalJSON 序列化时同样脱敏
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Reveal 返回口令原文，仅供传输层使用
func (s Secret) Reveal() string {
	return string(s)
}

// Credential 登录凭据
type Credential struct {
	Username string `json:"username"`
	Secret   Secret `json:"-"`
	Port     int    `json:"port,omitempty"`
}

// EffectivePort 端口未设置或越界时回退为 22
func (c Credential) EffectivePort() int {
	if c.Port < 1 || c.Port > 65535 {
		return 22
	}
	return c.Port
}

// Target 一台设备的地址（主机名或 IP）
type Target string

// TargetList 有序目标列表，核心不做去重
type TargetList []Target

// ParseTargets 解析目标参数：若参数是已存在的文件，则按行读取；否则按逗号/空白拆分
func ParseTargets(arg string) (TargetList, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return nil, fmt.Errorf("empty target list")
	}
	if st, err := os.Stat(arg); err == nil && !st.IsDir() {
		f, err := os.Open(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to open target file: %w", err)
		}
		defer f.Close()

		var out TargetList
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			out = append(out, Target(line))
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("failed to read target file: %w", err)
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("target file %s has no addresses", arg)
		}
		return out, nil
	}

	fields := strings.FieldsFunc(arg, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n'
	})
	out := make(TargetList, 0, len(fields))
	for _, f := range fields {
		out = append(out, Target(f))
	}
	return out, nil
}

// GatewayHop 可选的 VPN 网关（跳板机），存在时整次运行都走中转路径
type GatewayHop struct {
	Address    string     `json:"address"`
	Credential Credential `json:"credential"`
}

// IdentifierNotSpecified 未在配置中找到 MAC 类标识时使用的占位值
const IdentifierNotSpecified = "not specified"

// CapturedOutput 一次成功的导出命令采集结果，创建后不再修改
type CapturedOutput struct {
	Address    string    `json:"address"`
	Raw        string    `json:"raw"`
	Identifier string    `json:"identifier"`
	CapturedAt time.Time `json:"captured_at"`
}

// DeviceRecord 持久化的设备配置记录
//
// 自然键 (device_id, address, output_hash) 唯一，重复插入被拒绝而不是覆盖。
type DeviceRecord struct {
	ID         uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	DeviceID   string    `json:"device_id" gorm:"type:varchar(64);not null;uniqueIndex:uix_devices_natural_key,priority:1"`
	Address    string    `json:"address" gorm:"type:varchar(255);not null;index;uniqueIndex:uix_devices_natural_key,priority:2"`
	OutputHash string    `json:"output_hash" gorm:"type:char(64);not null;uniqueIndex:uix_devices_natural_key,priority:3"`
	RawOutput  string    `json:"raw_output,omitempty" gorm:"type:text;not null"`
	CapturedAt time.Time `json:"captured_at" gorm:"not null"`
	CreatedAt  time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName 表名
func (DeviceRecord) TableName() string {
	return "devices"
}

// NewDeviceRecord 由采集结果构造待入库记录
func NewDeviceRecord(c *CapturedOutput) *DeviceRecord {
	sum := sha256.Sum256([]byte(c.Raw))
	return &DeviceRecord{
		DeviceID:   c.Identifier,
		Address:    c.Address,
		OutputHash: hex.EncodeToString(sum[:]),
		RawOutput:  c.Raw,
		CapturedAt: c.CapturedAt,
	}
}

// InsertOutcome 插入或拒绝的结果
type InsertOutcome int

const (
	// Inserted 新记录已写入
	Inserted InsertOutcome = iota
	// Duplicate 自然键已存在，未写入
	Duplicate
)

func (o InsertOutcome) String() string {
	if o == Duplicate {
		return "duplicate"
	}
	return "inserted"
}
