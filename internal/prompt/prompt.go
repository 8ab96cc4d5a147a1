package prompt

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Pattern 终端提示符分类
type Pattern int

const (
	// PasswordPrompt 密码输入提示
	PasswordPrompt Pattern = iota
	// HostKeyConfirm 首次连接的主机指纹确认
	HostKeyConfirm
	// ShellReady 设备命令行提示符，例如 "[admin@MikroTik] >"
	ShellReady
	// GatewayShellReady 网关（跳板机）提示符，例如 "[vpn@gw ~]$"
	GatewayShellReady
	// Unrecognized 无法继续登录的通用失败输出（主机指纹校验失败等）
	Unrecognized
	// ConnectFailed ssh 客户端报告的连接失败（拒绝、不可达、超时、域名无法解析）
	ConnectFailed
)

var patternNames = map[Pattern]string{
	PasswordPrompt:    "password_prompt",
	HostKeyConfirm:    "host_key_confirm",
	ShellReady:        "shell_ready",
	GatewayShellReady: "gateway_shell_ready",
	Unrecognized:      "unrecognized",
	ConnectFailed:     "connect_failed",
}

func (p Pattern) String() string {
	if n, ok := patternNames[p]; ok {
		return n
	}
	return fmt.Sprintf("pattern(%d)", int(p))
}

// ParsePattern 按配置键名解析提示符分类
func ParsePattern(name string) (Pattern, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	for p, n := range patternNames {
		if n == key {
			return p, true
		}
	}
	return 0, false
}

// 默认表达式沿用 RouterOS + OpenSSH 客户端的交互文本
var defaultExpressions = map[Pattern]string{
	PasswordPrompt:    `(?i)password`,
	HostKeyConfirm:    `continue connecting`,
	ShellReady:        `\[\S+@.+\]\s+>`,
	GatewayShellReady: `\[\S+@.+\]\$`,
	Unrecognized:      `Host key verification failed|Too many authentication failures|kex_exchange_identification`,
	ConnectFailed:     `Connection refused|No route to host|Could not resolve hostname|Connection timed out|Connection closed by`,
}

// Dialect 一组提示符表达式，设备名与用户名可变，因此全部为正则
type Dialect struct {
	exprs    map[Pattern]*regexp.Regexp
	mu       sync.Mutex
	matchers map[string]*Matcher
}

// DefaultDialect 返回内置的 RouterOS 提示符集合
func DefaultDialect() *Dialect {
	d, err := NewDialect(nil)
	if err != nil {
		// 内置表达式必须可编译
		panic(err)
	}
	return d
}

// NewDialect 以默认表达式为基础，按键名（password_prompt、shell_ready 等）覆盖
func NewDialect(overrides map[string]string) (*Dialect, error) {
	d := &Dialect{
		exprs:    make(map[Pattern]*regexp.Regexp, len(defaultExpressions)),
		matchers: make(map[string]*Matcher),
	}
	for p, expr := range defaultExpressions {
		d.exprs[p] = regexp.MustCompile(expr)
	}
	for key, expr := range overrides {
		if strings.TrimSpace(expr) == "" {
			continue
		}
		p, ok := ParsePattern(key)
		if !ok {
			return nil, fmt.Errorf("unknown prompt pattern %q", key)
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid expression for %s: %w", p, err)
		}
		d.exprs[p] = re
	}
	return d, nil
}

// Expression 返回某一分类当前使用的表达式
func (d *Dialect) Expression(p Pattern) string {
	if re, ok := d.exprs[p]; ok {
		return re.String()
	}
	return ""
}

// Matcher 返回候选集合对应的匹配器（按候选顺序缓存）
func (d *Dialect) Matcher(candidates ...Pattern) (*Matcher, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no prompt candidates")
	}
	key := fmt.Sprint(candidates)

	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.matchers[key]; ok {
		return m, nil
	}

	parts := make([]string, 0, len(candidates))
	for i, p := range candidates {
		re, ok := d.exprs[p]
		if !ok {
			return nil, fmt.Errorf("no expression for %s", p)
		}
		parts = append(parts, fmt.Sprintf("(?P<c%d>%s)", i, re.String()))
	}
	combined, err := regexp.Compile(strings.Join(parts, "|"))
	if err != nil {
		return nil, fmt.Errorf("failed to combine prompt candidates: %w", err)
	}
	groups := make([]int, len(candidates))
	for i := range candidates {
		groups[i] = combined.SubexpIndex(fmt.Sprintf("c%d", i))
	}
	m := &Matcher{candidates: append([]Pattern(nil), candidates...), re: combined, groups: groups}
	d.matchers[key] = m
	return m, nil
}

// Result 一次匹配的结果
type Result struct {
	Pattern Pattern
	// Before 匹配之前的文本（横幅、命令回显、命令输出等）
	Before string
	// Text 命中的提示符文本本身
	Text string
	// End 匹配结束位置（相对于缓冲区）
	End int
}

// Matcher 在预读缓冲区上对一组候选提示符做分类
//
// 所有候选合并为一个表达式，最早出现的匹配获胜；同一起点上按候选顺序决胜。
// 匹配之后的文本不被查看。
type Matcher struct {
	candidates []Pattern
	re         *regexp.Regexp
	groups     []int
}

// Regexp 合并后的表达式，供 expect 引擎使用
func (m *Matcher) Regexp() *regexp.Regexp {
	return m.re
}

// Candidates 候选分类（按优先顺序）
func (m *Matcher) Candidates() []Pattern {
	return append([]Pattern(nil), m.candidates...)
}

// Match 在缓冲区中查找第一个完整的候选提示符；未出现时返回 false
func (m *Matcher) Match(buffer string) (Result, bool) {
	loc := m.re.FindStringSubmatchIndex(buffer)
	if loc == nil {
		return Result{}, false
	}
	for i, g := range m.groups {
		if g < 0 || 2*g+1 >= len(loc) {
			continue
		}
		if loc[2*g] < 0 {
			continue
		}
		return Result{
			Pattern: m.candidates[i],
			Before:  buffer[:loc[0]],
			Text:    buffer[loc[0]:loc[1]],
			End:     loc[1],
		}, true
	}
	return Result{}, false
}
