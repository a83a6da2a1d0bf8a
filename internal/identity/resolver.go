// Package identity は外部プロファイルからローカルユーザーへの解決を提供する。
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/subscast/internal/model"
)

// DefaultTimeout はストレージ呼び出し1回あたりのデフォルトのタイムアウト。
const DefaultTimeout = 5 * time.Second

// 解決に勝った試行の名前。メトリクスのラベルに使用する。
const (
	SourceLookup = "lookup"
	SourceCreate = "create"
)

var errNotFound = errors.New("no user for external identity")

// Store はリゾルバーが必要とするストレージ操作。
// CreateFromProfileは(provider, external_id)に対して冪等であること。
// 同時作成で競合に負けた場合も、エラーにせず既存ユーザーのIDを返すこと。
type Store interface {
	// FindUserIDByExternalID は外部IDに紐づくユーザーIDを返す。見つからない場合は空文字を返す。
	FindUserIDByExternalID(ctx context.Context, provider, externalID string) (string, error)
	// CreateFromProfile はプロファイルからユーザーを作成し、そのIDを返す。
	CreateFromProfile(ctx context.Context, profile *model.ExternalProfile) (string, error)
}

// Recorder は解決結果を記録する。metrics.Collectorが実装する。
type Recorder interface {
	RecordIdentityResolution(source string, ok bool)
}

// Resolver は外部プロファイルをローカルユーザーIDに解決する。
type Resolver struct {
	store    Store
	timeout  time.Duration
	recorder Recorder
}

// NewResolver はResolverを生成する。timeoutが0以下の場合はDefaultTimeoutを使用する。
// recorderはnilでもよい。
func NewResolver(store Store, timeout time.Duration, recorder Recorder) *Resolver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Resolver{store: store, timeout: timeout, recorder: recorder}
}

type outcome struct {
	source string
	userID string
	err    error
}

// Resolve はプロファイルに対応するユーザーIDを返す。
//
// 検索と作成を並行に発行し、先に成功した方の結果を返す。検索で見つからなかった場合は
// 成功とみなさない。負けた側は呼び出し元のキャンセルから切り離したコンテキストで
// 最後まで実行され、その結果は破棄される。両方が失敗した場合は
// ErrIdentityResolutionFailedにまとめて返す。
func (r *Resolver) Resolve(ctx context.Context, profile *model.ExternalProfile) (string, error) {
	if profile == nil || profile.ExternalID == "" {
		return "", fmt.Errorf("%w: empty external id", model.ErrIdentityResolutionFailed)
	}

	results := make(chan outcome, 2)
	detached := context.WithoutCancel(ctx)

	r.dispatch(detached, results, SourceLookup, func(c context.Context) (string, error) {
		id, err := r.store.FindUserIDByExternalID(c, profile.Provider, profile.ExternalID)
		if err == nil && id == "" {
			err = errNotFound
		}
		return id, err
	})
	r.dispatch(detached, results, SourceCreate, func(c context.Context) (string, error) {
		return r.store.CreateFromProfile(c, profile)
	})

	var errs []error
	for range 2 {
		select {
		case o := <-results:
			if o.err == nil && o.userID != "" {
				r.record(o.source, true)
				return o.userID, nil
			}
			if o.err == nil {
				o.err = errors.New("empty user id")
			}
			errs = append(errs, fmt.Errorf("%s: %w", o.source, o.err))
		case <-ctx.Done():
			r.record("", false)
			return "", fmt.Errorf("%w: %v", model.ErrIdentityResolutionFailed, ctx.Err())
		}
	}

	r.record("", false)
	slog.Warn("identity resolution failed",
		slog.String("provider", profile.Provider),
		slog.String("error", errors.Join(errs...).Error()),
	)
	return "", model.ErrIdentityResolutionFailed
}

func (r *Resolver) dispatch(ctx context.Context, results chan<- outcome, source string, fn func(context.Context) (string, error)) {
	go func() {
		c, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		id, err := fn(c)
		results <- outcome{source: source, userID: id, err: err}
	}()
}

func (r *Resolver) record(source string, ok bool) {
	if r.recorder != nil {
		r.recorder.RecordIdentityResolution(source, ok)
	}
}
