// Package webhook は決済プロバイダーからのWebhook呼び出しの真正性検証を提供する。
//
// 署名ヘッダーの形式:
//
//	Stripe-Signature: t=<unix秒>,v1=<hex>[,v1=<hex>...]
//
// 署名は受信したボディのバイト列そのものに対して計算される。
// 再シリアライズしたJSONはバイト単位で一致する保証がないため、
// 検証はパース前の生ボディに対して行うこと。
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/subscast/internal/model"
)

const (
	// SignatureHeader は署名を運ぶHTTPヘッダー名。
	SignatureHeader = "Stripe-Signature"

	// DefaultTolerance はタイムスタンプの最大許容経過時間（リプレイ窓）。
	DefaultTolerance = 5 * time.Minute

	// DefaultClockSkew は未来方向のタイムスタンプに許容する時計のずれ。
	DefaultClockSkew = time.Minute

	timestampKey = "t"
	signatureKey = "v1"
)

// SignedPayload はリクエストから組み立てた検証対象。検証後は破棄する。
type SignedPayload struct {
	Payload    []byte
	Signatures [][]byte
	Timestamp  int64
}

// ParseSignatureHeader は署名ヘッダーをタイムスタンプとv1署名の一覧に分解する。
// tが無い・重複・10進整数でない、またはv1が1つも無い場合はErrSignatureHeaderMalformedを返す。
// 未知のキー（v0など）は無視する。
func ParseSignatureHeader(header string) (int64, [][]byte, error) {
	var (
		timestamp int64
		seenT     bool
		sigs      [][]byte
	)

	for _, item := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(item), "=")
		if !ok {
			return 0, nil, fmt.Errorf("%w: pair without '='", model.ErrSignatureHeaderMalformed)
		}
		switch key {
		case timestampKey:
			if seenT {
				return 0, nil, fmt.Errorf("%w: duplicate timestamp", model.ErrSignatureHeaderMalformed)
			}
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil || ts < 0 || strconv.FormatInt(ts, 10) != value {
				return 0, nil, fmt.Errorf("%w: invalid timestamp", model.ErrSignatureHeaderMalformed)
			}
			timestamp, seenT = ts, true
		case signatureKey:
			if value != "" {
				sigs = append(sigs, []byte(value))
			}
		}
	}

	if !seenT {
		return 0, nil, fmt.Errorf("%w: missing timestamp", model.ErrSignatureHeaderMalformed)
	}
	if len(sigs) == 0 {
		return 0, nil, fmt.Errorf("%w: no %s signature", model.ErrSignatureHeaderMalformed, signatureKey)
	}
	return timestamp, sigs, nil
}

// ComputeSignature は HMAC-SHA256(secret, "<timestamp>.<body>") を16進文字列で返す。
func ComputeSignature(secret []byte, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verifier はWebhook署名を検証する。副作用を持たない純粋な検証器で、
// 生成後は読み取り専用として複数goroutineから使用できる。
type Verifier struct {
	secrets   [][]byte
	tolerance time.Duration
	skew      time.Duration
	now       func() time.Time
}

// Option はVerifierの設定を変更する。
type Option func(*Verifier)

// WithTolerance はリプレイ窓を設定する。
func WithTolerance(d time.Duration) Option {
	return func(v *Verifier) { v.tolerance = d }
}

// WithClockSkew は未来方向の許容ずれを設定する。
func WithClockSkew(d time.Duration) Option {
	return func(v *Verifier) { v.skew = d }
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier はVerifierを生成する。
// secretsには現在有効な署名シークレットをすべて渡す（ローテーション中は複数）。
func NewVerifier(secrets [][]byte, opts ...Option) (*Verifier, error) {
	if len(secrets) == 0 {
		return nil, errors.New("webhook: at least one signing secret is required")
	}
	for i, s := range secrets {
		if len(s) == 0 {
			return nil, fmt.Errorf("webhook: signing secret #%d is empty", i)
		}
	}

	v := &Verifier{
		secrets:   secrets,
		tolerance: DefaultTolerance,
		skew:      DefaultClockSkew,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify は生ボディと署名ヘッダーを検証する。
// 署名の一致とタイムスタンプの範囲の両方を常に評価し、どちらかが失敗すれば拒否する。
// 返すエラーの種別はサーバー側のログ用であり、クライアントに区別して見せてはならない。
func (v *Verifier) Verify(body []byte, header string) (*SignedPayload, error) {
	ts, sigs, err := ParseSignatureHeader(header)
	if err != nil {
		return nil, err
	}
	p := &SignedPayload{Payload: body, Signatures: sigs, Timestamp: ts}

	signed := v.matchesAny(p)
	timeErr := v.checkTimestamp(ts)

	if !signed {
		return nil, fmt.Errorf("%w: no matching %s signature", model.ErrSignatureMismatch, signatureKey)
	}
	if timeErr != nil {
		return nil, timeErr
	}
	return p, nil
}

// Sign は現行シークレットで署名ヘッダーを生成する。テストと開発用ツールで使用する。
func (v *Verifier) Sign(body []byte, at time.Time) string {
	ts := at.Unix()
	return fmt.Sprintf("%s=%d,%s=%s", timestampKey, ts, signatureKey, ComputeSignature(v.secrets[0], ts, body))
}

// matchesAny はいずれかの署名がいずれかのシークレットの期待値と一致するかを返す。
// 途中で一致しても残りの比較を打ち切らない。
func (v *Verifier) matchesAny(p *SignedPayload) bool {
	matched := 0
	for _, secret := range v.secrets {
		expected := []byte(ComputeSignature(secret, p.Timestamp, p.Payload))
		for _, sig := range p.Signatures {
			matched |= constantTimeEqual(sig, expected)
		}
	}
	return matched == 1
}

// checkTimestamp はunix秒のまま比較する。time.Durationを経由すると極端なtsで飽和する。
func (v *Verifier) checkTimestamp(ts int64) error {
	now := v.now().Unix()
	tolerance := int64(v.tolerance / time.Second)
	skew := int64(v.skew / time.Second)

	if ts < now && now-tolerance > ts {
		return fmt.Errorf("%w: signed %ds ago", model.ErrTimestampOutOfTolerance, uint64(now)-uint64(ts))
	}
	if ts > now && ts-skew > now {
		return fmt.Errorf("%w: signed %ds in the future", model.ErrTimestampOutOfTolerance, uint64(ts)-uint64(now))
	}
	return nil
}

// constantTimeEqual は比較時間が不一致位置に依存しない比較を行い、一致時に1を返す。
// 長さが異なる場合も同じ長さのダミー比較を実行してから0を返す。
func constantTimeEqual(got, expected []byte) int {
	if len(got) != len(expected) {
		subtle.ConstantTimeCompare(expected, expected)
		return 0
	}
	return subtle.ConstantTimeCompare(got, expected)
}
