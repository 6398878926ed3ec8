package retrieval

import (
	"strings"
	"unicode"
)

// Tokenize 轻量分词：小写化后按非字母数字切分。
// 稀疏索引与词重叠重排序共用，保证打分口径一致。
func Tokenize(text string) []string {
	text = strings.ToLower(text)
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
