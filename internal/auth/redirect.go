package auth

import (
	"net/url"
	"strings"
)

// DefaultNext はログイン後の遷移先が指定されていない場合のパス。
const DefaultNext = "/"

// SanitizeNext はログイン後の遷移先を同一サイト内の相対パスに制限する。
// 他サイトへ飛ばせる値（スキーム付き、//から始まるもの、バックスラッシュを含むもの）は
// DefaultNextに置き換える。
func SanitizeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") {
		return DefaultNext
	}
	if strings.HasPrefix(next, "//") || strings.ContainsAny(next, "\\\r\n\t") {
		return DefaultNext
	}
	for _, r := range next {
		if r < 0x20 || r == 0x7f {
			return DefaultNext
		}
	}

	u, err := url.Parse(next)
	if err != nil || u.Scheme != "" || u.Host != "" || u.User != nil {
		return DefaultNext
	}
	return next
}
