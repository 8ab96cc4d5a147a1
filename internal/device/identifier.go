package device

import (
	"regexp"
	"strings"

	"github.com/sshcollectorpro/mtcollector/internal/model"
)

// macLike 六组以冒号分隔的双字符，例如 AA:BB:CC:11:22:33
var macLike = regexp.MustCompile(`((\S\S:){5}\S\S)`)

// ExtractIdentifier 返回第一处 MAC 类标识；没有时返回 "not specified"
func ExtractIdentifier(raw string) string {
	for _, line := range strings.Split(raw, "\n") {
		if m := macLike.FindString(line); m != "" {
			return m
		}
	}
	return model.IdentifierNotSpecified
}
