package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShellReadyIsParametric(t *testing.T) {
	d := DefaultDialect()
	m, err := d.Matcher(ShellReady)
	require.NoError(t, err)

	for _, prompt := range []string{
		"[admin@MikroTik] > ",
		"[ops@core-rtr-01.example] >",
		"[a@b]   >",
	} {
		res, ok := m.Match("banner\r\n" + prompt)
		require.True(t, ok, prompt)
		assert.Equal(t, ShellReady, res.Pattern)
		assert.Equal(t, "banner\r\n", res.Before)
	}

	_, ok := m.Match("[vpn@gateway ~]$ ")
	assert.False(t, ok, "gateway prompt must not look like a device prompt")
}

func TestGatewayShellReady(t *testing.T) {
	m, err := DefaultDialect().Matcher(GatewayShellReady)
	require.NoError(t, err)

	res, ok := m.Match("Last login: Mon\r\n[vpn@gateway ~]$ ")
	require.True(t, ok)
	assert.Equal(t, "[vpn@gateway ~]$", res.Text)
	assert.Equal(t, "Last login: Mon\r\n", res.Before)
}

func TestFirstArrivalWins(t *testing.T) {
	m, err := DefaultDialect().Matcher(PasswordPrompt, HostKeyConfirm)
	require.NoError(t, err)

	buf := "Are you sure you want to continue connecting (yes/no)? \r\nadmin@10.0.0.1's password: "
	res, ok := m.Match(buf)
	require.True(t, ok)
	assert.Equal(t, HostKeyConfirm, res.Pattern, "host key question arrived first")
	assert.Less(t, res.End, len(buf), "nothing past the first match is consumed")

	res, ok = m.Match("admin@10.0.0.1's Password: ")
	require.True(t, ok)
	assert.Equal(t, PasswordPrompt, res.Pattern)
}

func TestNoMatchYet(t *testing.T) {
	m, err := DefaultDialect().Matcher(ShellReady)
	require.NoError(t, err)

	_, ok := m.Match("MMM      MMM       KKK\r\n[admin@Mik")
	assert.False(t, ok)
}

func TestUnrecognizedFailureLines(t *testing.T) {
	m, err := DefaultDialect().Matcher(PasswordPrompt, HostKeyConfirm, ConnectFailed, Unrecognized)
	require.NoError(t, err)

	res, ok := m.Match("Host key verification failed.\r\n")
	require.True(t, ok)
	assert.Equal(t, Unrecognized, res.Pattern)
}

func TestConnectFailureLines(t *testing.T) {
	m, err := DefaultDialect().Matcher(PasswordPrompt, HostKeyConfirm, ConnectFailed, Unrecognized)
	require.NoError(t, err)

	for _, line := range []string{
		"ssh: connect to host 10.9.9.9 port 22: Connection refused\r\n",
		"ssh: connect to host 10.9.9.9 port 22: No route to host\r\n",
		"ssh: connect to host 10.9.9.9 port 22: Connection timed out\r\n",
		"ssh: Could not resolve hostname edge-r9: Name or service not known\r\n",
	} {
		res, ok := m.Match(line)
		require.True(t, ok, line)
		assert.Equal(t, ConnectFailed, res.Pattern, line)
	}

	p, ok := ParsePattern("connect_failed")
	assert.True(t, ok)
	assert.Equal(t, ConnectFailed, p)
}

func TestNewDialectOverrides(t *testing.T) {
	d, err := NewDialect(map[string]string{"shell_ready": `\S+#\s*$`})
	require.NoError(t, err)
	assert.Equal(t, `\S+#\s*$`, d.Expression(ShellReady))
	assert.Equal(t, `continue connecting`, d.Expression(HostKeyConfirm))

	_, err = NewDialect(map[string]string{"shell_ready": `[`})
	assert.Error(t, err)

	_, err = NewDialect(map[string]string{"no_such_prompt": `x`})
	assert.Error(t, err)
}

func TestMatcherIsCached(t *testing.T) {
	d := DefaultDialect()
	a, err := d.Matcher(ShellReady, Unrecognized)
	require.NoError(t, err)
	b, err := d.Matcher(ShellReady, Unrecognized)
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = d.Matcher()
	assert.Error(t, err)
}
