// Package session はセッションCookieの値のエンコード・デコードを提供する。
//
// Cookie値の形式:
//
//	v1.<keyID>.<base64url(nonce)>.<base64url(ciphertext)>.<base64url(mac)>
//
// ペイロード（JSON）はXChaCha20-Poly1305で暗号化し、先頭4セグメント全体に
// HMAC-SHA256を付与する（Encrypt-then-MAC）。暗号化を無効にした場合は
// nonceセグメントが空になり、平文JSONに対してMACのみを付与する。
// keyIDは鍵ローテーション用に予約しており、シークレットから導出する。
package session

import (
	"crypto/hkdf"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/hitoshi/subscast/internal/model"
)

const (
	formatVersion = "v1"
	segmentCount  = 5

	// 未来方向に許容するiatのずれ。
	issuedAtSkew = time.Minute
)

// b64 は非正規表現を拒否するbase64url（パディングなし）。
var b64 = base64.RawURLEncoding.Strict()

// Key はシークレットから導出した署名鍵と暗号鍵の組。
type Key struct {
	ID     string
	macKey []byte
	encKey []byte
}

// NewKey はシークレットからKeyを導出する。空のシークレットはエラーとなる。
func NewKey(secret []byte) (Key, error) {
	if len(secret) == 0 {
		return Key{}, errors.New("session secret is empty")
	}
	id, err := hkdf.Key(sha256.New, secret, nil, "subscast session key id", 4)
	if err != nil {
		return Key{}, fmt.Errorf("derive key id: %w", err)
	}
	macKey, err := hkdf.Key(sha256.New, secret, nil, "subscast session mac "+formatVersion, 32)
	if err != nil {
		return Key{}, fmt.Errorf("derive mac key: %w", err)
	}
	encKey, err := hkdf.Key(sha256.New, secret, nil, "subscast session enc "+formatVersion, chacha20poly1305.KeySize)
	if err != nil {
		return Key{}, fmt.Errorf("derive encryption key: %w", err)
	}
	return Key{ID: hex.EncodeToString(id), macKey: macKey, encKey: encKey}, nil
}

func (k Key) sign(signed string) []byte {
	mac := hmac.New(sha256.New, k.macKey)
	_, _ = mac.Write([]byte(signed))
	return mac.Sum(nil)
}

// payload はCookieに載せるJSON。
type payload struct {
	model.Session
	IssuedAt int64 `json:"iat"`
}

// Codec はセッションのエンコード・デコードを行う。
// 生成後は読み取り専用で、複数goroutineから安全に使用できる。
type Codec struct {
	keys     []Key
	previous [][]byte
	encrypt  bool
	maxAge   time.Duration
	now      func() time.Time
}

// Option はCodecの設定を変更する。
type Option func(*Codec)

// WithoutEncryption はペイロードの暗号化を無効にし、署名のみを行う。
func WithoutEncryption() Option {
	return func(c *Codec) { c.encrypt = false }
}

// WithMaxAge は発行からの最大有効期間を設定する。0の場合は期限を検証しない。
func WithMaxAge(d time.Duration) Option {
	return func(c *Codec) { c.maxAge = d }
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// WithPreviousSecrets はデコードのみに使用する旧シークレットを追加する。
func WithPreviousSecrets(secrets ...[]byte) Option {
	return func(c *Codec) { c.previous = append(c.previous, secrets...) }
}

// NewCodec はCodecを生成する。secretはエンコードに使用する現行シークレット。
func NewCodec(secret []byte, opts ...Option) (*Codec, error) {
	c := &Codec{encrypt: true, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}

	for _, s := range append([][]byte{secret}, c.previous...) {
		k, err := NewKey(s)
		if err != nil {
			return nil, err
		}
		c.keys = append(c.keys, k)
	}
	c.previous = nil

	return c, nil
}

// Encode はセッションをCookie値にエンコードする。
// セッション内の文字列は有効なUTF-8でなければならない。JSON化で置換されると往復で値が変わるため。
func (c *Codec) Encode(s model.Session) (string, error) {
	if !validUTF8(s) {
		return "", fmt.Errorf("%w: invalid UTF-8", model.ErrSessionEncodeFailed)
	}

	body, err := json.Marshal(payload{Session: s, IssuedAt: c.now().Unix()})
	if err != nil {
		return "", fmt.Errorf("%w: marshal: %v", model.ErrSessionEncodeFailed, err)
	}

	key := c.keys[0]
	var nonce []byte
	data := body
	if c.encrypt {
		aead, err := chacha20poly1305.NewX(key.encKey)
		if err != nil {
			return "", fmt.Errorf("%w: cipher: %v", model.ErrSessionEncodeFailed, err)
		}
		nonce = make([]byte, aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return "", fmt.Errorf("%w: nonce: %v", model.ErrSessionEncodeFailed, err)
		}
		data = aead.Seal(nil, nonce, body, additionalData(key.ID))
	}

	signed := strings.Join([]string{formatVersion, key.ID, b64.EncodeToString(nonce), b64.EncodeToString(data)}, ".")
	return signed + "." + b64.EncodeToString(key.sign(signed)), nil
}

func validUTF8(s model.Session) bool {
	if !utf8.ValidString(s.UserID) {
		return false
	}
	if s.Flash != nil {
		return utf8.ValidString(string(s.Flash.Priority)) && utf8.ValidString(s.Flash.Message)
	}
	return true
}

// Decode はCookie値を検証してセッションに戻す。
// 形式不正・MAC不一致・復号失敗・期限切れはすべてErrSessionDecodeFailedをラップして返す。
// 呼び出し側はこれを「Cookieなし」と同等に扱うこと。
func (c *Codec) Decode(value string) (model.Session, error) {
	parts := strings.Split(value, ".")
	if len(parts) != segmentCount {
		return model.Session{}, decodeError("unexpected segment count")
	}
	if parts[0] != formatVersion {
		return model.Session{}, decodeError("unsupported version")
	}
	key, ok := c.lookup(parts[1])
	if !ok {
		return model.Session{}, decodeError("unknown key id")
	}

	mac, err := b64.DecodeString(parts[4])
	if err != nil {
		return model.Session{}, decodeError("malformed mac")
	}
	signed := value[:strings.LastIndexByte(value, '.')]
	if !hmac.Equal(mac, key.sign(signed)) {
		return model.Session{}, decodeError("mac mismatch")
	}

	nonce, err := b64.DecodeString(parts[2])
	if err != nil {
		return model.Session{}, decodeError("malformed nonce")
	}
	data, err := b64.DecodeString(parts[3])
	if err != nil {
		return model.Session{}, decodeError("malformed payload")
	}

	body := data
	if len(nonce) > 0 {
		aead, err := chacha20poly1305.NewX(key.encKey)
		if err != nil {
			return model.Session{}, decodeError("cipher")
		}
		if len(nonce) != aead.NonceSize() {
			return model.Session{}, decodeError("bad nonce size")
		}
		body, err = aead.Open(nil, nonce, data, additionalData(key.ID))
		if err != nil {
			return model.Session{}, decodeError("decrypt")
		}
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return model.Session{}, decodeError("unmarshal")
	}

	if c.maxAge > 0 {
		now := c.now()
		issued := time.Unix(p.IssuedAt, 0)
		if now.Sub(issued) > c.maxAge || issued.Sub(now) > issuedAtSkew {
			return model.Session{}, decodeError("expired")
		}
	}

	return p.Session, nil
}

func (c *Codec) lookup(id string) (Key, bool) {
	for _, k := range c.keys {
		if k.ID == id {
			return k, true
		}
	}
	return Key{}, false
}

// KeyID はエンコードに使用する現行鍵のIDを返す。
func (c *Codec) KeyID() string {
	return c.keys[0].ID
}

func additionalData(keyID string) []byte {
	return []byte(formatVersion + "." + keyID)
}

func decodeError(reason string) error {
	return fmt.Errorf("%w: %s", model.ErrSessionDecodeFailed, reason)
}

// Encode はsecretでセッションをエンコードする。
func Encode(s model.Session, secret []byte) (string, error) {
	c, err := NewCodec(secret)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrSessionEncodeFailed, err)
	}
	return c.Encode(s)
}

// Decode はsecretでCookie値をデコードする。
func Decode(value string, secret []byte) (model.Session, error) {
	c, err := NewCodec(secret)
	if err != nil {
		return model.Session{}, decodeError(err.Error())
	}
	return c.Decode(value)
}
