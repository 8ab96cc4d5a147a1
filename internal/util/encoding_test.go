package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"
)

func TestEnsureUTF8PassesValidInput(t *testing.T) {
	assert.Equal(t, "/system identity set name=R1", EnsureUTF8("/system identity set name=R1"))
	assert.Equal(t, "", EnsureUTF8Bytes(nil))
}

func TestEnsureUTF8DecodesCyrillic(t *testing.T) {
	raw, err := charmap.Windows1251.NewEncoder().String("комментарий")
	require.NoError(t, err)

	assert.Equal(t, "комментарий", EnsureUTF8(raw))

	got, err := DecodeCharset([]byte(raw), "windows-1251")
	require.NoError(t, err)
	assert.Equal(t, "комментарий", got)

	_, err = DecodeCharset([]byte(raw), "no-such-charset")
	assert.Error(t, err)
}

func TestStripANSI(t *testing.T) {
	assert.Equal(t, "[admin@R1] > \r\nok\t1", StripANSI("\x1b[9999B[admin@R1] > \x1b[K\r\nok\t1\x07"))
	assert.Equal(t, "plain", StripANSI("plain"))
}

func TestNormalizeOutput(t *testing.T) {
	raw := " export compact\r\n# by RouterOS\r\n\x1b[m/ip address\r"
	got := NormalizeOutput(raw, NormalizeOptions{StripANSI: true, UnixNewlines: true})
	assert.Equal(t, " export compact\n# by RouterOS\n/ip address\n", got)

	assert.Equal(t, raw, NormalizeOutput(raw, NormalizeOptions{}))
}
