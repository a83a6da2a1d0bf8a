package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeNext(t *testing.T) {
	tests := []struct {
		name string
		next string
		want string
	}{
		{"空はルート", "", "/"},
		{"相対パス", "/episodes/12", "/episodes/12"},
		{"クエリ付き", "/account?tab=billing", "/account?tab=billing"},
		{"絶対URL", "https://evil.example/", "/"},
		{"スキーム相対URL", "//evil.example/path", "/"},
		{"バックスラッシュ", "/\\evil.example", "/"},
		{"スラッシュなし", "episodes", "/"},
		{"javascriptスキーム", "javascript:alert(1)", "/"},
		{"改行", "/ok\r\nSet-Cookie: x=y", "/"},
		{"制御文字", "/ok\x00", "/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeNext(tt.next))
		})
	}
}
