package simulate

import (
	"strconv"
	"strings"

	"github.com/sshcollectorpro/mtcollector/pkg/logger"
)

// nestedSSH 解析 "ssh [opts] user@host -p port"
func nestedSSH(cmd string) (user, host string, port int, ok bool) {
	fields := strings.Fields(cmd)
	if len(fields) < 2 || fields[0] != "ssh" {
		return "", "", 0, false
	}
	port = 22
	for i := 1; i < len(fields); i++ {
		f := fields[i]
		switch {
		case f == "-p" && i+1 < len(fields):
			p, err := strconv.Atoi(fields[i+1])
			if err != nil {
				return "", "", 0, false
			}
			port = p
			i++
		case f == "-o" && i+1 < len(fields):
			i++
		case strings.HasPrefix(f, "-"):
		default:
			if at := strings.LastIndex(f, "@"); at >= 0 {
				user, host = f[:at], f[at+1:]
			} else {
				host = f
			}
		}
	}
	return user, host, port, host != ""
}

// ServeGateway 在流上模拟 Linux 跳板机的 bash 提示符，并支持嵌套 ssh 到实验室中的设备
func ServeGateway(st *Stream, g *GatewayConfig, lab *Lab, textAuth bool) {
	log := logger.WithField("gateway", g.Address)
	if textAuth {
		known := func() bool { return lab.hostKnown(g.Address, g.KnownHost) }
		accept := func() { lab.acceptHost(g.Address) }
		if !authenticate(st, g.Address, g.Username, g.Password, known, accept) {
			log.Debug("Simulate: gateway authentication failed")
			return
		}
	}

	prompt := "[" + g.Username + "@" + g.Hostname + " ~]$ "
	_ = st.Write("Last login: Thu Jan  1 00:00:00 1970 from 10.8.0.10\r\n")
	_ = st.Write(prompt)

	for {
		line, err := st.ReadLine()
		if err != nil {
			log.Debug("Simulate: gateway session EOF")
			return
		}
		cmd := strings.TrimSpace(line)
		_ = st.Write(cmd + "\r\n")
		if cmd == "" {
			_ = st.Write(prompt)
			continue
		}
		if equalAny(cmd, "exit", "logout") {
			_ = st.Write("logout\r\n")
			return
		}

		user, host, port, ok := nestedSSH(cmd)
		if !ok {
			_ = st.Printf("-bash: %s: command not found\r\n%s", strings.Fields(cmd)[0], prompt)
			continue
		}
		d := lab.device(host)
		if d == nil {
			_ = st.Printf("ssh: connect to host %s port %d: Connection refused\r\n%s", host, port, prompt)
			continue
		}
		log.WithField("target", host).Debug("Simulate: nested ssh")
		lab.nestedOpened()
		ServeDevice(st, d, user, true,
			func() bool { return lab.hostKnown(host, d.KnownHost) },
			func() { lab.acceptHost(host) })
		lab.nestedClosed()
		_ = st.Printf("Connection to %s closed.\r\n%s", host, prompt)
	}
}
