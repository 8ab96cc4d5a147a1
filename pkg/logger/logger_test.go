package logger

import (
	"bytes"
	"errors"
	"fmt"
	stdlog "log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func captureLogs(t *testing.T) *syncBuffer {
	t.Helper()
	require.NoError(t, Init(Config{Level: "debug", Format: "text", Output: "console"}))
	buf := &syncBuffer{}
	GetLogger().SetOutput(buf)
	return buf
}

func TestWithError(t *testing.T) {
	buf := captureLogs(t)

	WithError(errors.New("host key parse failed")).Warn("regenerating")
	out := buf.String()
	assert.Contains(t, out, "level=warning")
	assert.Contains(t, out, "host key parse failed")
}

func TestRedactMasksRegisteredSecrets(t *testing.T) {
	buf := captureLogs(t)
	Redact("S3cr3tPassw0rd", "")

	WithField("line", "S3cr3tPassw0rd\n").Debug("sent")
	Info("login with S3cr3tPassw0rd")
	WithError(fmt.Errorf("auth S3cr3tPassw0rd rejected")).Warn("gateway login failed")

	out := buf.String()
	assert.NotContains(t, out, "S3cr3tPassw0rd")
	assert.Equal(t, 3, strings.Count(out, Mask))
}

func TestStdlibLogRoutedToLogger(t *testing.T) {
	buf := captureLogs(t)

	stdlog.Print("Write failed: io: read/write on closed pipe")
	assert.Eventually(t, func() bool {
		out := buf.String()
		return strings.Contains(out, "level=debug") && strings.Contains(out, "Write failed: io: read/write on closed pipe")
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, SetLevel("info"))
	stdlog.Print("suppressed below info")
	Info("marker")
	assert.Eventually(t, func() bool { return strings.Contains(buf.String(), "marker") }, 2*time.Second, 10*time.Millisecond)
	assert.NotContains(t, buf.String(), "suppressed below info")
}
