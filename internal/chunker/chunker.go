// Package chunker 负责内容身份的推导与按行切分文本。
// 两个操作都是纯函数：相同的字节输入在任何时刻（包括重启前后）都产生相同的结果，
// 断点续传依赖这一点按分块序号对齐历史进度。
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode/utf8"
)

// Identify 计算输入完整字节内容的 SHA-256 摘要（64 位十六进制）。
// 摘要是文件的唯一身份：文件名不同但字节相同的输入会得到同一个摘要。
func Identify(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Split 将文本按行边界切分为不超过 targetSize（按字符计）的有序分块序列。
// 规则：逐行累积，若再加入下一行会超过 targetSize 则先封闭当前分块；
// 单行本身超过 targetSize 时，该行独占一个分块，不会被截断或阻塞。
// 空输入返回零个分块。
func Split(text string, targetSize int) []string {
	if text == "" {
		return nil
	}
	if targetSize <= 0 {
		targetSize = 1
	}

	lines := splitLines(text)
	var chunks []string
	var buf strings.Builder
	bufSize := 0

	for _, line := range lines {
		lineSize := utf8.RuneCountInString(line)
		if bufSize > 0 && bufSize+lineSize > targetSize {
			chunks = append(chunks, buf.String())
			buf.Reset()
			bufSize = 0
		}
		buf.WriteString(line)
		bufSize += lineSize
	}
	if bufSize > 0 {
		chunks = append(chunks, buf.String())
	}
	return chunks
}

// splitLines 按 '\n' 切分并保留换行符，保证各分块拼接后能精确还原原文。
func splitLines(text string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			lines = append(lines, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		lines = append(lines, text[start:])
	}
	return lines
}
