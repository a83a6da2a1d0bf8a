package auth

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/subscast/internal/identity"
	"github.com/hitoshi/subscast/internal/model"
	"github.com/hitoshi/subscast/internal/session"
)

// --- モック定義 ---

type mockOAuthProvider struct {
	loginURLFn     func(state, next string) string
	exchangeCodeFn func(ctx context.Context, code, next string) (*AccessToken, error)
	fetchProfileFn func(ctx context.Context, token *AccessToken) (*model.ExternalProfile, error)
}

func (m *mockOAuthProvider) LoginURL(state, next string) string {
	if m.loginURLFn != nil {
		return m.loginURLFn(state, next)
	}
	return "https://accounts.example/auth?state=" + state
}

func (m *mockOAuthProvider) ExchangeCode(ctx context.Context, code, next string) (*AccessToken, error) {
	return m.exchangeCodeFn(ctx, code, next)
}

func (m *mockOAuthProvider) FetchProfile(ctx context.Context, token *AccessToken) (*model.ExternalProfile, error) {
	return m.fetchProfileFn(ctx, token)
}

type mockResolver struct {
	resolveFn func(ctx context.Context, p *model.ExternalProfile) (string, error)
}

func (m *mockResolver) Resolve(ctx context.Context, p *model.ExternalProfile) (string, error) {
	return m.resolveFn(ctx, p)
}

type mockEncoder struct {
	encodeFn func(s model.Session) (string, error)
}

func (m *mockEncoder) Encode(s model.Session) (string, error) {
	return m.encodeFn(s)
}

type mockUserFinder struct {
	findByIDFn func(ctx context.Context, id string) (*model.User, error)
}

func (m *mockUserFinder) FindByID(ctx context.Context, id string) (*model.User, error) {
	return m.findByIDFn(ctx, id)
}

type mockLoginRecorder struct {
	mu     sync.Mutex
	stages []string
}

func (m *mockLoginRecorder) RecordLogin(stage string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages = append(m.stages, stage)
}

func okProvider() *mockOAuthProvider {
	return &mockOAuthProvider{
		exchangeCodeFn: func(ctx context.Context, code, next string) (*AccessToken, error) {
			return NewAccessToken("tok_1"), nil
		},
		fetchProfileFn: func(ctx context.Context, token *AccessToken) (*model.ExternalProfile, error) {
			return &model.ExternalProfile{Provider: ProviderGoogle, ExternalID: "42", Email: "a@b.com", DisplayName: "A B"}, nil
		},
	}
}

func okResolver() *mockResolver {
	return &mockResolver{resolveFn: func(ctx context.Context, p *model.ExternalProfile) (string, error) {
		return "u1", nil
	}}
}

func okEncoder() *mockEncoder {
	return &mockEncoder{encodeFn: func(s model.Session) (string, error) { return "cookie-value", nil }}
}

// --- テスト ---

func TestService_Login_Success(t *testing.T) {
	rec := &mockLoginRecorder{}
	var encoded model.Session
	enc := &mockEncoder{encodeFn: func(s model.Session) (string, error) {
		encoded = s
		return "cookie-value", nil
	}}

	svc := NewService(okProvider(), okResolver(), enc, nil, rec, ServiceConfig{})
	res, err := svc.Login(context.Background(), "abc123", "/episodes/1")
	require.NoError(t, err)

	assert.Equal(t, "cookie-value", res.CookieValue)
	assert.Equal(t, "/episodes/1", res.Next)
	assert.Equal(t, "u1", res.Session.UserID)
	require.NotNil(t, encoded.Flash)
	assert.Equal(t, model.FlashSuccess, encoded.Flash.Priority)
	assert.Equal(t, "Welcome, A B!", encoded.Flash.Message)
	assert.Equal(t, []string{StageSuccess}, rec.stages)
}

func TestService_Login_StagesRunInOrder(t *testing.T) {
	var order []string
	provider := &mockOAuthProvider{
		exchangeCodeFn: func(ctx context.Context, code, next string) (*AccessToken, error) {
			order = append(order, "exchange")
			assert.Equal(t, "abc123", code)
			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline, "プロバイダー呼び出しにはタイムアウトが設定されること")
			return NewAccessToken("tok_1"), nil
		},
		fetchProfileFn: func(ctx context.Context, token *AccessToken) (*model.ExternalProfile, error) {
			order = append(order, "profile")
			assert.Equal(t, "tok_1", token.Value())
			return &model.ExternalProfile{Provider: ProviderGoogle, ExternalID: "42"}, nil
		},
	}
	resolver := &mockResolver{resolveFn: func(ctx context.Context, p *model.ExternalProfile) (string, error) {
		order = append(order, "resolve")
		assert.Equal(t, "42", p.ExternalID)
		return "u1", nil
	}}
	enc := &mockEncoder{encodeFn: func(s model.Session) (string, error) {
		order = append(order, "encode")
		return "v", nil
	}}

	_, err := NewService(provider, resolver, enc, nil, nil, ServiceConfig{}).Login(context.Background(), "abc123", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"exchange", "profile", "resolve", "encode"}, order)
}

func TestService_Login_FailureKinds(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name     string
		code     string
		setup    func(p *mockOAuthProvider, r *mockResolver, e *mockEncoder)
		wantKind model.ErrorKind
	}{
		{
			name:     "missing code",
			code:     "",
			setup:    func(*mockOAuthProvider, *mockResolver, *mockEncoder) {},
			wantKind: model.KindMissingAuthorizationCode,
		},
		{
			name: "token exchange",
			code: "abc123",
			setup: func(p *mockOAuthProvider, _ *mockResolver, _ *mockEncoder) {
				p.exchangeCodeFn = func(context.Context, string, string) (*AccessToken, error) { return nil, boom }
			},
			wantKind: model.KindTokenExchangeFailed,
		},
		{
			name: "profile fetch",
			code: "abc123",
			setup: func(p *mockOAuthProvider, _ *mockResolver, _ *mockEncoder) {
				p.fetchProfileFn = func(context.Context, *AccessToken) (*model.ExternalProfile, error) { return nil, boom }
			},
			wantKind: model.KindProfileFetchFailed,
		},
		{
			name: "profile without external id",
			code: "abc123",
			setup: func(p *mockOAuthProvider, _ *mockResolver, _ *mockEncoder) {
				p.fetchProfileFn = func(context.Context, *AccessToken) (*model.ExternalProfile, error) {
					return &model.ExternalProfile{Email: "a@b.com"}, nil
				}
			},
			wantKind: model.KindProfileFetchFailed,
		},
		{
			name: "identity resolution",
			code: "abc123",
			setup: func(_ *mockOAuthProvider, r *mockResolver, _ *mockEncoder) {
				r.resolveFn = func(context.Context, *model.ExternalProfile) (string, error) { return "", boom }
			},
			wantKind: model.KindIdentityResolutionFailed,
		},
		{
			name: "session encode",
			code: "abc123",
			setup: func(_ *mockOAuthProvider, _ *mockResolver, e *mockEncoder) {
				e.encodeFn = func(model.Session) (string, error) { return "", boom }
			},
			wantKind: model.KindSessionEncodeFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, r, e := okProvider(), okResolver(), okEncoder()
			tt.setup(p, r, e)
			rec := &mockLoginRecorder{}

			res, err := NewService(p, r, e, nil, rec, ServiceConfig{}).Login(context.Background(), tt.code, "/")
			require.Error(t, err)
			assert.Nil(t, res)
			assert.Equal(t, tt.wantKind, model.KindOf(err))
			assert.Equal(t, []string{string(tt.wantKind)}, rec.stages)
		})
	}
}

func TestService_Login_ExchangeFailureStopsPipeline(t *testing.T) {
	p := okProvider()
	p.exchangeCodeFn = func(context.Context, string, string) (*AccessToken, error) {
		return nil, errors.New("invalid_grant")
	}
	p.fetchProfileFn = func(context.Context, *AccessToken) (*model.ExternalProfile, error) {
		t.Fatal("FetchProfile must not be called after exchange failure")
		return nil, nil
	}
	r := &mockResolver{resolveFn: func(context.Context, *model.ExternalProfile) (string, error) {
		t.Fatal("Resolve must not be called after exchange failure")
		return "", nil
	}}

	_, err := NewService(p, r, okEncoder(), nil, nil, ServiceConfig{}).Login(context.Background(), "abc123", "/")
	assert.ErrorIs(t, err, model.ErrTokenExchangeFailed)
}

func TestService_Login_ProviderTimeout(t *testing.T) {
	p := okProvider()
	p.exchangeCodeFn = func(ctx context.Context, _, _ string) (*AccessToken, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	start := time.Now()
	_, err := NewService(p, okResolver(), okEncoder(), nil, nil, ServiceConfig{OAuthTimeout: 30 * time.Millisecond}).
		Login(context.Background(), "abc123", "/")
	assert.ErrorIs(t, err, model.ErrTokenExchangeFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestService_Login_UnsafeNextReplaced(t *testing.T) {
	var gotNext string
	p := okProvider()
	p.exchangeCodeFn = func(_ context.Context, _, next string) (*AccessToken, error) {
		gotNext = next
		return NewAccessToken("tok_1"), nil
	}

	res, err := NewService(p, okResolver(), okEncoder(), nil, nil, ServiceConfig{}).
		Login(context.Background(), "abc123", "//evil.example")
	require.NoError(t, err)
	assert.Equal(t, "/", res.Next)
	assert.Equal(t, "/", gotNext)
}

func TestService_Login_WelcomeFlashSanitized(t *testing.T) {
	p := okProvider()
	p.fetchProfileFn = func(context.Context, *AccessToken) (*model.ExternalProfile, error) {
		return &model.ExternalProfile{Provider: ProviderGoogle, ExternalID: "42", DisplayName: "<script>x</script><b>Mallory</b>"}, nil
	}

	res, err := NewService(p, okResolver(), okEncoder(), nil, nil, ServiceConfig{}).
		Login(context.Background(), "abc123", "/")
	require.NoError(t, err)
	assert.Equal(t, "Welcome, Mallory!", res.Session.Flash.Message)
}

func TestService_Login_WelcomeWithoutName(t *testing.T) {
	p := okProvider()
	p.fetchProfileFn = func(context.Context, *AccessToken) (*model.ExternalProfile, error) {
		return &model.ExternalProfile{Provider: ProviderGoogle, ExternalID: "42"}, nil
	}

	res, err := NewService(p, okResolver(), okEncoder(), nil, nil, ServiceConfig{}).
		Login(context.Background(), "abc123", "/")
	require.NoError(t, err)
	assert.Equal(t, "Welcome!", res.Session.Flash.Message)
}

func TestService_FlashOnlyCookies(t *testing.T) {
	var sessions []model.Session
	enc := &mockEncoder{encodeFn: func(s model.Session) (string, error) {
		sessions = append(sessions, s)
		return "v", nil
	}}
	svc := NewService(okProvider(), okResolver(), enc, nil, nil, ServiceConfig{})

	_, err := svc.LogoutCookieValue()
	require.NoError(t, err)
	_, err = svc.FailureCookieValue()
	require.NoError(t, err)

	require.Len(t, sessions, 2)
	for _, s := range sessions {
		assert.False(t, s.IsAuthenticated())
		require.NotNil(t, s.Flash)
	}
	assert.Equal(t, model.FlashInfo, sessions[0].Flash.Priority)
	assert.Equal(t, model.FlashError, sessions[1].Flash.Priority)
}

func TestService_GetCurrentUser(t *testing.T) {
	users := &mockUserFinder{findByIDFn: func(_ context.Context, id string) (*model.User, error) {
		if id == "u1" {
			return &model.User{ID: "u1", Email: "a@b.com"}, nil
		}
		return nil, nil
	}}
	svc := NewService(okProvider(), okResolver(), okEncoder(), users, nil, ServiceConfig{})

	u, err := svc.GetCurrentUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", u.Email)

	u, err = svc.GetCurrentUser(context.Background(), "u2")
	require.NoError(t, err)
	assert.Nil(t, u)

	_, err = svc.GetCurrentUser(context.Background(), "")
	assert.Error(t, err)
}

func TestService_LoginURL_SanitizesNext(t *testing.T) {
	var gotNext string
	p := okProvider()
	p.loginURLFn = func(state, next string) string {
		gotNext = next
		return "https://accounts.example/auth"
	}

	NewService(p, okResolver(), okEncoder(), nil, nil, ServiceConfig{}).LoginURL("s", "https://evil.example")
	assert.Equal(t, "/", gotNext)
}

// memoryStore はidentity.Storeのインメモリ実装。
type memoryStore struct {
	mu    sync.Mutex
	users map[string]string
}

func (s *memoryStore) FindUserIDByExternalID(_ context.Context, provider, externalID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[provider+"/"+externalID], nil
}

func (s *memoryStore) CreateFromProfile(_ context.Context, p *model.ExternalProfile) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := p.Provider + "/" + p.ExternalID
	if id, ok := s.users[key]; ok {
		return id, nil
	}
	s.users[key] = "u1"
	return "u1", nil
}

// TestLogin_EndToEnd は認可コードabc123からセッションCookieを発行し、
// そのCookieを復号するとユーザーu1になることを検証する。
func TestLogin_EndToEnd(t *testing.T) {
	f := newFakeGoogle(t)
	store := &memoryStore{users: map[string]string{}}
	codec, err := session.NewCodec([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	svc := NewService(
		f.provider(),
		identity.NewResolver(store, time.Second, nil),
		codec,
		nil,
		nil,
		ServiceConfig{OAuthTimeout: 5 * time.Second},
	)

	res, err := svc.Login(context.Background(), "abc123", "/")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.CookieValue, "v1."))

	decoded, err := codec.Decode(res.CookieValue)
	require.NoError(t, err)
	assert.Equal(t, "u1", decoded.UserID)
	assert.Equal(t, "abc123", f.lastForm.Get("code"))

	// 2回目のログインでも同じユーザーに解決される
	res2, err := svc.Login(context.Background(), "abc123", "/")
	require.NoError(t, err)
	assert.Equal(t, "u1", res2.Session.UserID)
	store.mu.Lock()
	assert.Len(t, store.users, 1)
	store.mu.Unlock()

	_, err = url.Parse(svc.LoginURL("state", "/"))
	assert.NoError(t, err)
}
