package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// maxFlashNameRunes はフラッシュメッセージに埋め込む表示名の最大文字数。
const maxFlashNameRunes = 64

// FlashSanitizer はプロバイダー由来の文字列をフラッシュメッセージに埋め込める形にする。
// 表示名はIdP側で利用者が自由に設定できるため、マークアップを全て取り除く。
type FlashSanitizer struct {
	policy *bluemonday.Policy
}

// NewFlashSanitizer はタグを一切許可しないポリシーでFlashSanitizerを生成する。
func NewFlashSanitizer() *FlashSanitizer {
	return &FlashSanitizer{policy: bluemonday.StrictPolicy()}
}

// Clean はタグを除去し、前後の空白を落として長さを制限した文字列を返す。
// 結果はHTMLとしてエスケープ済みのテキストになる。
func (s *FlashSanitizer) Clean(raw string) string {
	text := strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(raw)))
	if utf8.RuneCountInString(text) > maxFlashNameRunes {
		text = strings.TrimSpace(string([]rune(text)[:maxFlashNameRunes])) + "…"
	}
	return html.EscapeString(text)
}
