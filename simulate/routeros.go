package simulate

import (
	"fmt"
	"strings"

	"github.com/sshcollectorpro/mtcollector/pkg/logger"
)

const routerOSBanner = "\r\n\r\n" +
	"  MMM      MMM       KKK                          TTTTTTTTTTT      KKK\r\n" +
	"  MMMM    MMMM       KKK                          TTTTTTTTTTT      KKK\r\n" +
	"  MMM MMMM MMM  III  KKK  KKK  RRRRRR     OOOOOO      TTT     III  KKK  KKK\r\n" +
	"  MMM  MM  MMM  III  KKKKK     RRR  RRR  OOO  OOO     TTT     III  KKKKK\r\n" +
	"\r\n  MikroTik RouterOS %s (c) 1999-2026       https://www.mikrotik.com/\r\n\r\n"

// DefaultExport 生成确定性的 export compact 输出（相同配置两次导出完全一致）
func DefaultExport(d *DeviceConfig) string {
	version := d.Version
	if version == "" {
		version = "6.49.7"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# jan/02/1970 00:00:00 by RouterOS %s\n", version)
	b.WriteString("# software id = 7ZKD-QX4M\n#\n# model = RB750Gr3\n")
	b.WriteString("/interface bridge\nadd name=bridge-lan\n")
	if d.MAC != "" {
		b.WriteString("/interface ethernet\n")
		fmt.Fprintf(&b, "set [ find default-name=ether1 ] mac-address=%s\n", d.MAC)
	}
	b.WriteString("/ip address\n")
	fmt.Fprintf(&b, "add address=%s/24 interface=bridge-lan network=%s\n", d.Address, d.Address)
	fmt.Fprintf(&b, "/system identity\nset name=%s\n", d.Identity)
	return b.String()
}

// authenticate 模拟 OpenSSH 客户端的文本认证过程：主机指纹确认与最多三次密码输入
func authenticate(st *Stream, address, user, password string, known func() bool, accept func()) bool {
	if known != nil && !known() {
		_ = st.Printf("The authenticity of host '%s (%s)' can't be established.\r\n", address, address)
		_ = st.Write("ED25519 key fingerprint is SHA256:3mDq0mNfYBqYd4yUkq6xZ8oQ5Yz7bH1c2pV9sWnA0eE.\r\n")
		_ = st.Write("Are you sure you want to continue connecting (yes/no/[fingerprint])? ")
		answer, err := st.ReadLine()
		if err != nil {
			return false
		}
		if !equalAny(answer, "yes") {
			_ = st.Write("Host key verification failed.\r\n")
			return false
		}
		_ = st.Printf("Warning: Permanently added '%s' (ED25519) to the list of known hosts.\r\n", address)
		if accept != nil {
			accept()
		}
	}

	for attempt := 0; attempt < 3; attempt++ {
		_ = st.Printf("%s@%s's password: ", user, address)
		got, err := st.ReadLine()
		if err != nil {
			return false
		}
		_ = st.Write("\r\n")
		if got == password {
			return true
		}
		_ = st.Write("Permission denied, please try again.\r\n")
	}
	_ = st.Printf("%s@%s: Permission denied (publickey,password).\r\n", user, address)
	return false
}

// ServeDevice 在流上模拟 RouterOS 命令行，直到 quit 或流结束
//
// textAuth 为 true 时模拟 ssh 客户端的文本认证；为 false 表示传输层已完成认证。
func ServeDevice(st *Stream, d *DeviceConfig, user string, textAuth bool, known func() bool, accept func()) {
	log := logger.WithField("device", d.Address)
	if textAuth {
		password := d.Password
		if user != d.Username {
			// 用户名不符时任何密码都被拒绝
			password = "\x00"
		}
		if !authenticate(st, d.Address, user, password, known, accept) {
			log.Debug("Simulate: authentication failed")
			return
		}
	}

	if d.Behavior == BehaviorNoShell {
		log.Debug("Simulate: shell withheld")
		st.Drain()
		return
	}

	version := d.Version
	if version == "" {
		version = "6.49.7"
	}
	_ = st.Printf(routerOSBanner, version)
	prompt := fmt.Sprintf("[%s@%s] > ", user, d.Identity)
	_ = st.Write(prompt)

	for {
		line, err := st.ReadLine()
		if err != nil {
			log.Debug("Simulate: session EOF")
			return
		}
		cmd := strings.TrimSpace(line)
		switch {
		case cmd == "":
			_ = st.Write("\r\n" + prompt)
		case equalAny(cmd, "quit", "exit", "/quit"):
			_ = st.Write("\r\ninterrupted\r\n")
			log.Debug("Simulate: session exit")
			return
		case strings.HasPrefix(cmd, "export") || strings.HasPrefix(cmd, "/export"):
			// RouterOS 回车后重绘带命令的提示符行，然后输出，最后给出新的提示符
			_ = st.Printf("\r%s%s\r\n", prompt, cmd)
			switch d.Behavior {
			case BehaviorHangOnExport:
				st.Drain()
				return
			case BehaviorDropOnExport:
				return
			}
			export := d.Export
			if export == "" {
				export = DefaultExport(d)
			}
			_ = st.Write(ensureCRLF(export))
			_ = st.Write(prompt)
		case equalAny(cmd, "/system identity print"):
			_ = st.Printf("\r%s%s\r\n  name: %s\r\n%s", prompt, cmd, d.Identity, prompt)
		default:
			_ = st.Printf("\r%s%s\r\nbad command name %s (line 1 column 1)\r\n%s", prompt, cmd, strings.Fields(cmd)[0], prompt)
		}
	}
}
