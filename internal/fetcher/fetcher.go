// Package fetcher 实现单账号的增量抓取：读缓存、列出视频、按日期下限与 URL 去重、合并并写回缓存。
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Risingtides-dev/jake/internal/domain"
	"github.com/Risingtides-dev/jake/internal/infra/cache"
	"github.com/Risingtides-dev/jake/internal/source"
)

// ErrInFlight 表示同一账号已有抓取在进行中。
var ErrInFlight = errors.New("fetch already in flight for account")

// Repository 是账号缓存的读写接口（见 cache.Store）。
type Repository interface {
	Load(account domain.Account) (domain.CacheEntry, bool)
	Save(account domain.Account, entry domain.CacheEntry) error
}

type Fetcher struct {
	Source source.Lister
	Cache  Repository
	Now    func() time.Time
	Log    *slog.Logger

	inflight sync.Map // domain.Account -> struct{}
}

// Result 是一次账号抓取的结果。失败时 Videos 仍是缓存中的原有集合。
type Result struct {
	Account domain.Account
	Videos  []domain.RawVideoRecord

	Listed    int // 数据源返回条数
	New       int
	Cached    int
	TooOld    int
	Duplicate int

	EffectiveFloor time.Time
	LastFetchDate  *time.Time
}

// Error 是账号级可恢复错误；Code 为稳定错误码（写入报告）。
type Error struct {
	Account domain.Account
	Code    string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch %s [%s]: %v", e.Account, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Hint 返回给操作者的处理建议（可能为空）。
func (e *Error) Hint() string { return Hint(e.Code) }

// Fetch 执行一次增量抓取。
//
// effectiveFloor = max(dateFloor, cache.lastFetchDate)；dateFloor 为零值表示不设下限。
// 数据源失败时返回缓存原样 + *Error，缓存不被改写。
func (f *Fetcher) Fetch(ctx context.Context, account domain.Account, dateFloor time.Time, limit int) (Result, error) {
	if f.Source == nil || f.Cache == nil {
		return Result{}, errors.New("fetcher: Source/Cache 不能为空")
	}
	if account == "" {
		return Result{}, errors.New("fetcher: account 不能为空")
	}
	if _, busy := f.inflight.LoadOrStore(account, struct{}{}); busy {
		return Result{Account: account}, &Error{Account: account, Code: domain.ErrCodeFetchFailed, Err: ErrInFlight}
	}
	defer f.inflight.Delete(account)

	entry, ok := f.Cache.Load(account)
	res := Result{
		Account:        account,
		Videos:         append([]domain.RawVideoRecord(nil), entry.Videos...),
		Cached:         len(entry.Videos),
		EffectiveFloor: dateFloor.UTC(),
		LastFetchDate:  entry.LastFetchDate,
	}
	if ok && entry.LastFetchDate != nil && entry.LastFetchDate.After(res.EffectiveFloor) {
		res.EffectiveFloor = entry.LastFetchDate.UTC()
	}

	listed, err := f.Source.ListVideos(ctx, account, limit)
	if err != nil {
		return res, &Error{Account: account, Code: Classify(err), Err: err}
	}
	res.Listed = len(listed)

	seen := make(map[string]struct{}, len(res.Videos)+len(listed))
	for _, v := range res.Videos {
		seen[v.URL] = struct{}{}
	}
	for _, v := range listed {
		if v.URL == "" {
			continue
		}
		if tooOld(v, res.EffectiveFloor) {
			res.TooOld++
			continue
		}
		if _, dup := seen[v.URL]; dup {
			res.Duplicate++
			continue
		}
		seen[v.URL] = struct{}{}
		if v.Account == "" {
			v.Account = account
		}
		res.Videos = append(res.Videos, v)
		res.New++
	}

	now := f.now().UTC()
	err = f.Cache.Save(account, domain.CacheEntry{Videos: res.Videos, LastFetchDate: &now})
	switch {
	case err == nil:
		if res.LastFetchDate == nil || now.After(*res.LastFetchDate) {
			res.LastFetchDate = &now
		}
	case errors.Is(err, cache.ErrReadOnly):
	default:
		// 写缓存失败不影响本次结果，下次运行会重新抓取这些视频。
		f.logger().Warn("fetcher: cache save failed",
			slog.String("account", string(account)), slog.Any("error", err))
	}
	return res, nil
}

// tooOld 判断记录是否早于下限。仅有日期时按自然日比较；两者都没有时保留。
func tooOld(v domain.RawVideoRecord, floor time.Time) bool {
	if floor.IsZero() {
		return false
	}
	if v.UploadedAt != nil {
		return v.UploadedAt.Before(floor)
	}
	day, ok := v.UploadDay()
	if !ok {
		return false
	}
	f := floor.UTC()
	return day.Before(time.Date(f.Year(), f.Month(), f.Day(), 0, 0, 0, 0, time.UTC))
}

// Classify 把数据源错误映射为稳定错误码。
func Classify(err error) string {
	var ee *source.ExitError
	var be *source.BlockedError
	switch {
	case errors.Is(err, context.Canceled):
		return domain.ErrCodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return domain.ErrCodeFetchTimeout
	case errors.As(err, &be):
		return domain.ErrCodeBlocked
	case errors.As(err, &ee):
		return domain.ErrCodeSourceExit
	default:
		return domain.ErrCodeFetchFailed
	}
}

func Hint(code string) string {
	switch code {
	case domain.ErrCodeFetchTimeout:
		return "检查网络，或调大 list_timeout"
	case domain.ErrCodeSourceExit:
		return "检查 yt-dlp 是否安装且为最新版本（或配置 ytdlp 路径）"
	case domain.ErrCodeBlocked:
		return "请求被拦截：可配置 proxy.url 后重试"
	default:
		return ""
	}
}

func (f *Fetcher) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

func (f *Fetcher) logger() *slog.Logger {
	if f.Log != nil {
		return f.Log
	}
	return slog.Default()
}
