package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/hitoshi/subscast/internal/logger"
	"github.com/hitoshi/subscast/internal/model"
)

const (
	defaultGoogleAuthURL     = "https://accounts.google.com/o/oauth2/auth"
	defaultGoogleTokenURL    = "https://oauth2.googleapis.com/token"
	defaultGoogleUserInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"

	// ProviderGoogle はidentitiesテーブルに保存するプロバイダー名。
	ProviderGoogle = "google"

	// CallbackPath はOAuthコールバックを受けるパス。
	CallbackPath = "/auth/callback"

	// maxUserInfoBytes はユーザー情報レスポンスとして読み込む最大サイズ。
	maxUserInfoBytes = 1 << 20
)

// GoogleOAuthConfig はGoogle OAuthプロバイダーの設定。
type GoogleOAuthConfig struct {
	ClientID     string
	ClientSecret string
	// BaseURL はこのサービスの公開URL。redirect_uriの組み立てに使用する。
	BaseURL string

	// テスト用にオーバーライド可能なURL
	AuthURL     string
	TokenURL    string
	UserInfoURL string

	// HTTPClient はトークン交換とユーザー情報取得に使うクライアント。
	// nilの場合はhttp.DefaultClientを使用する。
	HTTPClient *http.Client
}

// AccessToken はトークンエンドポイントから受け取ったアクセストークン。
// 1回のログイン処理の中でのみ使用し、永続化しない。
type AccessToken struct {
	token *oauth2.Token
}

// NewAccessToken は生のトークン文字列からAccessTokenを生成する。
func NewAccessToken(raw string) *AccessToken {
	return &AccessToken{token: &oauth2.Token{AccessToken: raw, TokenType: "Bearer"}}
}

// Value はトークン文字列を返す。
func (t *AccessToken) Value() string {
	if t == nil || t.token == nil {
		return ""
	}
	return t.token.AccessToken
}

// String はログ出力用に伏せたトークンを返す。
func (t *AccessToken) String() string {
	return logger.Redact(t.Value())
}

// LogValue はslogに出力される値を伏せる。
func (t *AccessToken) LogValue() slog.Value {
	return slog.StringValue(t.String())
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
// トークン交換とプロファイル取得は1回ずつの外部呼び出しで、再試行しない。
type OAuthProvider interface {
	// LoginURL はOAuth認証URLを生成する。nextはログイン後の遷移先。
	LoginURL(state, next string) string
	// ExchangeCode は認可コードをアクセストークンに交換する。
	ExchangeCode(ctx context.Context, code, next string) (*AccessToken, error)
	// FetchProfile はアクセストークンでユーザー情報を取得する。
	FetchProfile(ctx context.Context, token *AccessToken) (*model.ExternalProfile, error)
}

// GoogleOAuthProvider はGoogle OAuth 2.0による認証を提供する。
type GoogleOAuthProvider struct {
	config GoogleOAuthConfig
}

// NewGoogleOAuthProvider はGoogleOAuthProviderを生成する。
func NewGoogleOAuthProvider(config GoogleOAuthConfig) *GoogleOAuthProvider {
	if config.AuthURL == "" {
		config.AuthURL = defaultGoogleAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultGoogleTokenURL
	}
	if config.UserInfoURL == "" {
		config.UserInfoURL = defaultGoogleUserInfoURL
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &GoogleOAuthProvider{config: config}
}

// RedirectURL はnextを含むコールバックURLを返す。
// 認可リクエストとトークン交換で同じ値を送る必要がある。
func (p *GoogleOAuthProvider) RedirectURL(next string) string {
	return p.config.BaseURL + CallbackPath + "?" + url.Values{"next": {SanitizeNext(next)}}.Encode()
}

// oauth2Config はリクエストごとのoauth2.Configを組み立てる。
// AuthStyleInParamsを固定し、認証方式の自動判別による2回目のリクエストを発生させない。
func (p *GoogleOAuthProvider) oauth2Config(next string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.config.ClientID,
		ClientSecret: p.config.ClientSecret,
		RedirectURL:  p.RedirectURL(next),
		Scopes:       []string{"openid", "email", "profile"},
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.config.AuthURL,
			TokenURL:  p.config.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// LoginURL はGoogle OAuthの認証URLを生成する。
// スコープにはopenid, email, profileを含む。
func (p *GoogleOAuthProvider) LoginURL(state, next string) string {
	return p.oauth2Config(next).AuthCodeURL(state)
}

// ExchangeCode は認可コードをアクセストークンに交換する。
func (p *GoogleOAuthProvider) ExchangeCode(ctx context.Context, code, next string) (*AccessToken, error) {
	if code == "" {
		return nil, model.ErrMissingAuthorizationCode
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.config.HTTPClient)
	tok, err := p.oauth2Config(next).Exchange(ctx, code)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return nil, fmt.Errorf("%w: status %d %s", model.ErrTokenExchangeFailed, re.Response.StatusCode, re.ErrorCode)
		}
		return nil, fmt.Errorf("%w: %w", model.ErrTokenExchangeFailed, err)
	}

	return &AccessToken{token: tok}, nil
}

// googleUserInfo はGoogleのユーザー情報エンドポイントのレスポンス。
type googleUserInfo struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// FetchProfile はアクセストークンでGoogleのユーザー情報を取得する。
func (p *GoogleOAuthProvider) FetchProfile(ctx context.Context, token *AccessToken) (*model.ExternalProfile, error) {
	if token.Value() == "" {
		return nil, fmt.Errorf("%w: empty access token", model.ErrProfileFetchFailed)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.config.HTTPClient)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(token.token))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create user info request: %w", model.ErrProfileFetchFailed, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: user info request failed: %w", model.ErrProfileFetchFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUserInfoBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read user info response: %w", model.ErrProfileFetchFailed, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", model.ErrProfileFetchFailed, resp.StatusCode)
	}

	var info googleUserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("%w: failed to parse user info response: %w", model.ErrProfileFetchFailed, err)
	}

	if info.Sub == "" {
		return nil, fmt.Errorf("%w: empty sub in user info response", model.ErrProfileFetchFailed)
	}

	return &model.ExternalProfile{
		Provider:    ProviderGoogle,
		ExternalID:  info.Sub,
		Email:       info.Email,
		DisplayName: info.Name,
	}, nil
}

// compile-time interface check
var _ OAuthProvider = (*GoogleOAuthProvider)(nil)
