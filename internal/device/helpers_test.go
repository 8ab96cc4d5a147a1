package device

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sshcollectorpro/mtcollector/internal/model"
	"github.com/sshcollectorpro/mtcollector/internal/terminal"
	"github.com/sshcollectorpro/mtcollector/simulate"
)

const (
	okTimeout  = 3 * time.Second
	badTimeout = 300 * time.Millisecond
)

var adminCred = model.Credential{Username: "admin", Secret: "secret", Port: 22}

func newLab() *simulate.Lab {
	lab := simulate.NewLab(nil)
	lab.AddDevice(simulate.DeviceConfig{
		Address: "10.0.0.1", Identity: "R1", Username: "admin", Password: "secret",
		MAC: "AA:BB:CC:DD:EE:FF", KnownHost: true,
	})
	lab.AddDevice(simulate.DeviceConfig{
		Address: "10.0.0.2", Identity: "R2", Username: "admin", Password: "secret",
		Behavior: simulate.BehaviorNoShell, KnownHost: true,
	})
	lab.AddDevice(simulate.DeviceConfig{
		Address: "10.0.0.3", Identity: "R3", Username: "admin", Password: "secret",
		MAC: "4C:5E:0C:11:22:33",
	})
	lab.AddDevice(simulate.DeviceConfig{
		Address: "10.0.0.4", Identity: "R4", Username: "admin", Password: "secret",
		Behavior: simulate.BehaviorHangOnExport, KnownHost: true,
	})
	lab.AddDevice(simulate.DeviceConfig{
		Address: "10.0.0.5", Identity: "R5", Username: "admin", Password: "secret",
		Behavior: simulate.BehaviorDropOnExport, KnownHost: true,
	})
	lab.AddGateway(simulate.GatewayConfig{
		Address: "10.8.0.1", Hostname: "vpn-gw", Username: "vpn", Password: "tunnel", KnownHost: true,
	})
	return lab
}

func spawn(t *testing.T, lab *simulate.Lab, tracker *terminal.Tracker, addr string, cred model.Credential) *terminal.Session {
	t.Helper()
	s, err := lab.Spawner(terminal.Options{Tracker: tracker}).Spawn(context.Background(), terminal.Endpoint{Address: addr, Credential: cred})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}
