package util

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"
)

// legacyEncodings 自动探测时依次尝试的编码；RouterOS 的注释常见西里尔文，优先尝试
var legacyEncodings = []encoding.Encoding{
	charmap.Windows1251,
	charmap.KOI8R,
	simplifiedchinese.GB18030,
	simplifiedchinese.GBK,
	traditionalchinese.Big5,
	charmap.Windows1252,
	charmap.ISO8859_1,
}

// EnsureUTF8Bytes tries to decode non-UTF-8 bytes using common encodings
// and returns a UTF-8 string. If bytes are already valid UTF-8, it returns
// them as-is. If detection fails, it falls back to direct byte-to-string.
func EnsureUTF8Bytes(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if utf8.Valid(b) {
		return string(b)
	}
	for _, enc := range legacyEncodings {
		if s, ok := tryDecode(enc, b); ok {
			return s
		}
	}
	return string(b)
}

// EnsureUTF8 converts a possibly mojibake string to UTF-8 by decoding its bytes
// with common legacy encodings when needed.
func EnsureUTF8(s string) string {
	return EnsureUTF8Bytes([]byte(s))
}

// DecodeCharset 按 WHATWG 编码名（如 "windows-1251"、"koi8-r"）解码；已是合法 UTF-8 时原样返回
func DecodeCharset(b []byte, name string) (string, error) {
	if utf8.Valid(b) {
		return string(b), nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return "", fmt.Errorf("unknown charset %q: %w", name, err)
	}
	s, ok := tryDecode(enc, b)
	if !ok {
		return "", fmt.Errorf("output is not valid %s", name)
	}
	return s, nil
}

func tryDecode(enc encoding.Encoding, b []byte) (string, bool) {
	reader := transform.NewReader(bytes.NewReader(b), enc.NewDecoder())
	decoded, err := io.ReadAll(reader)
	if err != nil {
		return "", false
	}
	if utf8.Valid(decoded) {
		return string(decoded), true
	}
	return "", false
}

// StripANSI 移除 ESC 开头的控制序列（如 \x1b[31m、\x1b[0K）及除换行、回车、制表符外的控制字符
func StripANSI(s string) string {
	if !strings.ContainsAny(s, "\x1b\x00\x07\x08") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	skip := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if skip {
			// 跳过直到以字母结尾的 CSI 序列
			if (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') {
				skip = false
			}
			continue
		}
		if ch == 0x1b {
			skip = true
			continue
		}
		if ch < 0x20 && ch != '\t' && ch != '\n' && ch != '\r' {
			continue
		}
		b.WriteByte(ch)
	}
	return b.String()
}

// NormalizeOptions 采集输出的规范化选项
type NormalizeOptions struct {
	// Charset 非 UTF-8 输出的编码名；为空时自动探测
	Charset string
	// StripANSI 移除终端控制序列
	StripANSI bool
	// UnixNewlines 将 \r\n 与孤立的 \r 统一为 \n
	UnixNewlines bool
}

// NormalizeOutput 按选项规范化采集到的原始文本
func NormalizeOutput(raw string, opts NormalizeOptions) string {
	out := raw
	if !utf8.ValidString(out) {
		decoded := ""
		if opts.Charset != "" {
			if s, err := DecodeCharset([]byte(out), opts.Charset); err == nil {
				decoded = s
			}
		}
		if decoded == "" {
			decoded = EnsureUTF8(out)
		}
		out = decoded
	}
	if opts.StripANSI {
		out = StripANSI(out)
	}
	if opts.UnixNewlines {
		out = strings.ReplaceAll(out, "\r\n", "\n")
		out = strings.ReplaceAll(out, "\r", "\n")
	}
	return out
}
