package simulate

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Stream 模拟设备一侧的终端流：按行读取输入，写出原始字节
type Stream struct {
	r      *bufio.Reader
	w      io.Writer
	mu     sync.Mutex
	skipLF bool
	onLine func()
}

// NewStream 包装读写两端
func NewStream(r io.Reader, w io.Writer) *Stream {
	return &Stream{r: bufio.NewReader(r), w: w}
}

// ReadLine 读取一行；\r、\n 与 \r\n 都视为一次回车
func (s *Stream) ReadLine() (string, error) {
	var b strings.Builder
	for {
		c, err := s.r.ReadByte()
		if err != nil {
			if b.Len() > 0 {
				return b.String(), nil
			}
			return "", err
		}
		if c == '\n' && s.skipLF {
			s.skipLF = false
			continue
		}
		s.skipLF = false
		switch c {
		case '\r':
			s.skipLF = true
			s.touch()
			return b.String(), nil
		case '\n':
			s.touch()
			return b.String(), nil
		}
		b.WriteByte(c)
	}
}

func (s *Stream) touch() {
	if s.onLine != nil {
		s.onLine()
	}
}

// Write 写出文本
func (s *Stream) Write(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.w, text)
	return err
}

// Printf 格式化写出
func (s *Stream) Printf(format string, args ...interface{}) error {
	return s.Write(fmt.Sprintf(format, args...))
}

// Drain 丢弃后续所有输入直到流结束（模拟不再响应的设备）
func (s *Stream) Drain() {
	_, _ = io.Copy(io.Discard, s.r)
}

func ensureCRLF(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\n", "\r\n")
	if !strings.HasSuffix(s, "\r\n") {
		s += "\r\n"
	}
	return s
}

func equalAny(s string, opts ...string) bool {
	for _, o := range opts {
		if strings.EqualFold(strings.TrimSpace(s), strings.TrimSpace(o)) {
			return true
		}
	}
	return false
}
