package device

import (
	"bufio"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshcollectorpro/mtcollector/internal/model"
	"github.com/sshcollectorpro/mtcollector/internal/prompt"
	"github.com/sshcollectorpro/mtcollector/internal/terminal"
	"github.com/sshcollectorpro/mtcollector/internal/util"
)

func loggedIn(t *testing.T, addr string) *terminal.Session {
	t.Helper()
	s := spawn(t, newLab(), nil, addr, adminCred)
	require.Nil(t, NewLogin(okTimeout).Login(s, adminCred, prompt.ShellReady))
	return s
}

func TestRunnerCapturesBetweenPrompts(t *testing.T) {
	s := loggedIn(t, "10.0.0.1")

	captured, f := NewRunner(okTimeout).Run(s, "10.0.0.1")
	require.Nil(t, f)
	require.NotNil(t, captured)

	assert.Equal(t, "10.0.0.1", captured.Address)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", captured.Identifier)
	assert.Contains(t, captured.Raw, "set name=R1")
	assert.True(t, strings.HasSuffix(captured.Raw, "set name=R1\r\n"), "closing prompt is consumed, not captured: %q", captured.Raw)
	assert.NotContains(t, captured.Raw, "[admin@R1] >")
	assert.False(t, captured.CapturedAt.IsZero())
	assert.Equal(t, terminal.Authenticated, s.State())
}

func TestRunnerNormalizesOutput(t *testing.T) {
	s := loggedIn(t, "10.0.0.1")

	r := NewRunner(okTimeout)
	r.Normalize = &util.NormalizeOptions{StripANSI: true, UnixNewlines: true}
	captured, f := r.Run(s, "10.0.0.1")
	require.Nil(t, f)
	assert.NotContains(t, captured.Raw, "\r")
	assert.True(t, strings.HasSuffix(captured.Raw, "set name=R1\n"))
}

func TestRunnerHangIsIncompleteCapture(t *testing.T) {
	s := loggedIn(t, "10.0.0.4")

	captured, f := NewRunner(badTimeout).Run(s, "10.0.0.4")
	assert.Nil(t, captured)
	require.NotNil(t, f)
	assert.Equal(t, ReasonIncompleteCapture, f.Reason)
	assert.Equal(t, StageCommand, f.Stage)
	assert.Equal(t, "10.0.0.4", f.Target)
}

func TestRunnerDropIsDisconnected(t *testing.T) {
	s := loggedIn(t, "10.0.0.5")

	captured, f := NewRunner(okTimeout).Run(s, "10.0.0.5")
	assert.Nil(t, captured)
	require.NotNil(t, f)
	assert.Equal(t, ReasonDisconnected, f.Reason)
}

// scriptedDevice 记录会话发来的每一行
func scriptedDevice(t *testing.T, onLine func(line string, out io.Writer)) (*terminal.Session, <-chan string) {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	lines := make(chan string, 16)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(inR)
		for sc.Scan() {
			lines <- sc.Text()
			onLine(sc.Text(), outW)
		}
	}()
	s, err := terminal.FromStream("10.0.0.7", inW, outR, func() error {
		_ = outR.Close()
		return inR.Close()
	}, terminal.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, lines
}

func TestRunnerSendsLogoutAfterTimeout(t *testing.T) {
	s, lines := scriptedDevice(t, func(line string, out io.Writer) {
		if line == "export compact" {
			go func() { _, _ = io.WriteString(out, "\r[admin@R7] > export compact\r\n# partial\r\n") }()
		}
	})

	captured, f := NewRunner(badTimeout).Run(s, "10.0.0.7")
	assert.Nil(t, captured)
	require.NotNil(t, f)
	assert.Equal(t, ReasonIncompleteCapture, f.Reason)
	assert.Contains(t, f.Transcript, "# partial")

	var got []string
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case l := <-lines:
			got = append(got, l)
		case <-timeout:
			t.Fatalf("lines received: %v", got)
		}
	}
	assert.Equal(t, []string{"export compact", "quit"}, got)
}

func TestRunnerCustomCommands(t *testing.T) {
	s, lines := scriptedDevice(t, func(line string, out io.Writer) {
		if line == "/export terse" {
			go func() {
				_, _ = io.WriteString(out, "\r[ops@core] > /export terse\r\n/system identity set name=core\r\n[ops@core] > ")
			}()
		}
	})

	r := NewRunner(okTimeout)
	r.ExportCommand = "/export terse"
	r.LogoutCommand = "/quit"
	captured, f := r.Run(s, "10.0.0.7")
	require.Nil(t, f)
	assert.Equal(t, model.IdentifierNotSpecified, captured.Identifier)
	assert.Equal(t, " /export terse\r\n/system identity set name=core\r\n", captured.Raw)

	assert.Equal(t, "/export terse", <-lines)
	assert.Equal(t, "/quit", <-lines)
}

func TestExtractIdentifier(t *testing.T) {
	cases := map[string]string{
		"set [ find default-name=ether1 ] mac-address=AA:BB:CC:11:22:33\n":                 "AA:BB:CC:11:22:33",
		"# model = RB750\n/interface\nset mac=aa:bb:cc:dd:ee:01\nset mac=AA:BB:CC:DD:EE:02": "aa:bb:cc:dd:ee:01",
		"/system identity\nset name=R1\n":                                                    model.IdentifierNotSpecified,
		"":                                                                                   model.IdentifierNotSpecified,
	}
	for raw, want := range cases {
		assert.Equal(t, want, ExtractIdentifier(raw), raw)
	}
}
