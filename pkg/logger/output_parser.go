package logger

import (
	"strings"
)

// TranscriptLines 终端记录的尾部行，用于失败诊断
type TranscriptLines struct {
	TailLines []string `json:"tail_lines"`
	Truncated bool     `json:"truncated"`
}

// ParseTranscriptTail 统一换行符后提取最后 maxLines 行
// maxLines: 最多提取的行数，默认 8 行
func ParseTranscriptTail(transcript string, maxLines int) TranscriptLines {
	if maxLines <= 0 {
		maxLines = 8
	}

	transcript = strings.ReplaceAll(transcript, "\r\n", "\n")
	transcript = strings.ReplaceAll(transcript, "\r", "\n")
	transcript = strings.TrimRight(transcript, "\n")
	if transcript == "" {
		return TranscriptLines{}
	}

	lines := strings.Split(transcript, "\n")
	if len(lines) <= maxLines {
		return TranscriptLines{TailLines: lines}
	}
	tail := make([]string, maxLines)
	copy(tail, lines[len(lines)-maxLines:])
	return TranscriptLines{TailLines: tail, Truncated: true}
}

// TranscriptTail 尾部行拼接为单个字符串，便于写入日志字段
func TranscriptTail(transcript string, maxLines int) string {
	res := ParseTranscriptTail(transcript, maxLines)
	return strings.Join(res.TailLines, "\n")
}
