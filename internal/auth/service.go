// Package auth はOAuthログインフローとセッション発行を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/subscast/internal/model"
	"github.com/hitoshi/subscast/internal/security"
)

// DefaultOAuthTimeout はプロバイダー呼び出し1回あたりのデフォルトのタイムアウト。
const DefaultOAuthTimeout = 10 * time.Second

// ログイン結果のステージ名。メトリクスのラベルに使用する。
const StageSuccess = "success"

// フラッシュメッセージ
const (
	flashWelcomeFormat = "Welcome, %s!"
	flashWelcomeNoName = "Welcome!"
	flashSignedOut     = "You have been signed out."
	flashLoginFailed   = "We could not sign you in. Please try again."
)

// IdentityResolver は外部プロファイルをローカルユーザーIDに解決する。
type IdentityResolver interface {
	Resolve(ctx context.Context, profile *model.ExternalProfile) (string, error)
}

// SessionEncoder はセッションをCookie値に変換する。
type SessionEncoder interface {
	Encode(s model.Session) (string, error)
}

// UserFinder は/auth/meで使用するユーザー取得。
type UserFinder interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// LoginRecorder はログイン結果を記録する。metrics.Collectorが実装する。
type LoginRecorder interface {
	RecordLogin(stage string)
}

// UserEnvelope は1回のログイン処理の中でのみ存在するトークンとプロファイルの組。
type UserEnvelope struct {
	Token   *AccessToken
	Profile *model.ExternalProfile
}

// LoginResult はログイン成功時に発行するセッションとそのCookie値。
type LoginResult struct {
	Session     model.Session
	CookieValue string
	Next        string
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	// OAuthTimeout はトークン交換・プロファイル取得それぞれのタイムアウト。
	OAuthTimeout time.Duration
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	oauth     OAuthProvider
	resolver  IdentityResolver
	codec     SessionEncoder
	users     UserFinder
	sanitizer *security.FlashSanitizer
	recorder  LoginRecorder
	config    ServiceConfig
}

// NewService はServiceを生成する。recorderはnilでもよい。
func NewService(
	oauth OAuthProvider,
	resolver IdentityResolver,
	codec SessionEncoder,
	users UserFinder,
	recorder LoginRecorder,
	config ServiceConfig,
) *Service {
	if config.OAuthTimeout <= 0 {
		config.OAuthTimeout = DefaultOAuthTimeout
	}
	return &Service{
		oauth:     oauth,
		resolver:  resolver,
		codec:     codec,
		users:     users,
		sanitizer: security.NewFlashSanitizer(),
		recorder:  recorder,
		config:    config,
	}
}

// LoginURL はOAuth認証URLを生成する。
func (s *Service) LoginURL(state, next string) string {
	return s.oauth.LoginURL(state, SanitizeNext(next))
}

// Login は認可コードからセッションCookie値を発行する。
//
// トークン交換、プロファイル取得、ユーザー解決、セッション生成を順に行い、
// いずれかが失敗した時点で中断する。返すエラーはmodel.KindOfで種別を判別できる。
// 認可コードとアクセストークンは保存しない。
func (s *Service) Login(ctx context.Context, code, next string) (*LoginResult, error) {
	next = SanitizeNext(next)

	result, err := s.login(ctx, code, next)
	if err != nil {
		s.record(string(model.KindOf(err)))
		return nil, err
	}
	s.record(StageSuccess)
	return result, nil
}

func (s *Service) login(ctx context.Context, code, next string) (*LoginResult, error) {
	if code == "" {
		return nil, model.ErrMissingAuthorizationCode
	}

	// 1. 認可コードをアクセストークンに交換
	token, err := s.exchange(ctx, code, next)
	if err != nil {
		return nil, err
	}

	// 2. アクセストークンでユーザー情報を取得
	profile, err := s.fetchProfile(ctx, token)
	if err != nil {
		return nil, err
	}
	envelope := UserEnvelope{Token: token, Profile: profile}

	// 3. ローカルユーザーに解決
	userID, err := s.resolver.Resolve(ctx, envelope.Profile)
	if err != nil {
		return nil, withKind(err, model.ErrIdentityResolutionFailed)
	}

	// 4. セッションを発行
	session := model.Session{
		UserID: userID,
		Flash:  &model.Flash{Priority: model.FlashSuccess, Message: s.welcome(envelope.Profile)},
	}
	value, err := s.codec.Encode(session)
	if err != nil {
		return nil, withKind(err, model.ErrSessionEncodeFailed)
	}

	slog.Info("user logged in",
		slog.String("user_id", userID),
		slog.String("provider", envelope.Profile.Provider),
	)

	return &LoginResult{Session: session, CookieValue: value, Next: next}, nil
}

func (s *Service) exchange(ctx context.Context, code, next string) (*AccessToken, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.OAuthTimeout)
	defer cancel()

	token, err := s.oauth.ExchangeCode(ctx, code, next)
	if err != nil {
		if errors.Is(err, model.ErrMissingAuthorizationCode) {
			return nil, err
		}
		return nil, withKind(err, model.ErrTokenExchangeFailed)
	}
	return token, nil
}

func (s *Service) fetchProfile(ctx context.Context, token *AccessToken) (*model.ExternalProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.OAuthTimeout)
	defer cancel()

	profile, err := s.oauth.FetchProfile(ctx, token)
	if err != nil {
		return nil, withKind(err, model.ErrProfileFetchFailed)
	}
	if profile == nil || profile.ExternalID == "" {
		return nil, fmt.Errorf("%w: empty external id", model.ErrProfileFetchFailed)
	}
	return profile, nil
}

// LogoutCookieValue はログアウト後に発行する匿名セッションのCookie値を返す。
func (s *Service) LogoutCookieValue() (string, error) {
	return s.flashOnly(model.FlashInfo, flashSignedOut)
}

// FailureCookieValue はログイン失敗時に発行する匿名セッションのCookie値を返す。
// 失敗の種別によらず同じ文言を使う。
func (s *Service) FailureCookieValue() (string, error) {
	return s.flashOnly(model.FlashError, flashLoginFailed)
}

func (s *Service) flashOnly(p model.FlashPriority, msg string) (string, error) {
	value, err := s.codec.Encode(model.Session{Flash: &model.Flash{Priority: p, Message: msg}})
	if err != nil {
		return "", withKind(err, model.ErrSessionEncodeFailed)
	}
	return value, nil
}

// GetCurrentUser はユーザーIDから現在のユーザーを取得する。
// ユーザーが見つからない場合は(nil, nil)を返す。
func (s *Service) GetCurrentUser(ctx context.Context, userID string) (*model.User, error) {
	if userID == "" {
		return nil, fmt.Errorf("user ID is required")
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return user, nil
}

func (s *Service) welcome(p *model.ExternalProfile) string {
	name := s.sanitizer.Clean(p.DisplayName)
	if name == "" {
		return flashWelcomeNoName
	}
	return fmt.Sprintf(flashWelcomeFormat, name)
}

func (s *Service) record(stage string) {
	if s.recorder != nil {
		s.recorder.RecordLogin(stage)
	}
}

// withKind はerrが既にsentinelを含まない場合にsentinelでラップする。
func withKind(err error, sentinel error) error {
	if errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
