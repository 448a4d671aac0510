// Package resolver 并发补全视频的权威声音 ID（详情页查询 + 重试退避 + 数字校验）。
package resolver

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/Risingtides-dev/jake/internal/domain"
	"github.com/Risingtides-dev/jake/internal/source"
)

const defaultWorkers = 10

// Lookups 是“视频 URL -> 已解析声音”的持久化缓存（见 cache.FileResolutions / cache.RedisResolutions）。
type Lookups interface {
	Lookup(ctx context.Context, videoURL string) (domain.Resolution, bool)
	Remember(ctx context.Context, videoURL string, r domain.Resolution) error
}

// Progress 是补全阶段的进度快照。
type Progress struct {
	Total    int `json:"total"`
	Done     int `json:"done"`
	Enriched int `json:"enriched"`
	Cached   int `json:"cached"`
	Failed   int `json:"failed"`
}

type Resolver struct {
	Source  source.SoundResolver
	Policy  Policy
	Workers int
	Cache   Lookups // 可为空
	Log     *slog.Logger

	// OnProgress 在独立 goroutine 中串行调用，不占用查询 worker。
	// 连续的进度会合并；最后一次调用总能看到全部查询完成后的快照。
	OnProgress func(Progress)

	total    atomic.Int64
	done     atomic.Int64
	enriched atomic.Int64
	cached   atomic.Int64
	failed   atomic.Int64
}

// Progress 返回当前进度；可在 Resolve 运行期间从任意 goroutine 调用。
func (r *Resolver) Progress() Progress {
	return Progress{
		Total:    int(r.total.Load()),
		Done:     int(r.done.Load()),
		Enriched: int(r.enriched.Load()),
		Cached:   int(r.cached.Load()),
		Failed:   int(r.failed.Load()),
	}
}

// NeedsLookup 判断记录是否需要详情页查询：尚未得到权威 ID 的都需要
// （列表阶段的 ID 不可靠，不能替代查询）。
func NeedsLookup(v domain.EnrichedVideoRecord) bool {
	return v.ResolvedSoundID == nil
}

// Resolve 补全一批记录。返回值与输入等长、同序；失败的记录保持 ResolvedSoundID=nil。
// 每条记录只由一个 worker 写入自己的槽位。
func (r *Resolver) Resolve(ctx context.Context, in []domain.EnrichedVideoRecord) []domain.EnrichedVideoRecord {
	out := make([]domain.EnrichedVideoRecord, len(in))
	copy(out, in)

	pending := make([]int, 0, len(out))
	for i := range out {
		v := &out[i]
		if v.ResolvedSoundID != nil && !ValidSoundID(*v.ResolvedSoundID) {
			v.ResolvedSoundID = nil
		}
		if !NeedsLookup(*v) {
			continue
		}
		if r.Cache != nil {
			if res, ok := r.Cache.Lookup(ctx, v.URL); ok && ValidSoundID(res.SoundID) {
				apply(v, res)
				r.cached.Add(1)
				continue
			}
		}
		pending = append(pending, i)
	}
	r.total.Add(int64(len(pending)))
	if len(pending) == 0 || r.Source == nil {
		return out
	}

	notify, stop := r.startProgress()
	var g errgroup.Group
	g.SetLimit(r.workers())
	for _, i := range pending {
		g.Go(func() error {
			r.lookup(ctx, &out[i])
			notify()
			return nil
		})
	}
	_ = g.Wait()
	stop()
	return out
}

// startProgress 启动进度投递 goroutine。notify 不阻塞：已有未投递的通知时直接合并。
func (r *Resolver) startProgress() (notify func(), stop func()) {
	if r.OnProgress == nil {
		return func() {}, func() {}
	}
	kick := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range kick {
			r.OnProgress(r.Progress())
		}
	}()
	notify = func() {
		select {
		case kick <- struct{}{}:
		default:
		}
	}
	stop = func() {
		close(kick)
		<-done
	}
	return notify, stop
}

func (r *Resolver) lookup(ctx context.Context, v *domain.EnrichedVideoRecord) {
	defer r.done.Add(1)

	res, err := Do(ctx, r.Policy, func(ctx context.Context) (domain.Resolution, error) {
		id, title, err := r.Source.ResolveSoundID(ctx, v.URL)
		if err != nil {
			return domain.Resolution{}, err
		}
		return domain.Resolution{SoundID: domain.StrVal(id), Title: domain.StrVal(title)}, nil
	})
	if err != nil {
		r.failed.Add(1)
		r.logger().Debug("resolver: lookup failed", slog.String("url", v.URL), slog.Any("error", err))
		return
	}
	if !ValidSoundID(res.SoundID) {
		// 非数字 ID 视为未找到。
		if res.SoundID != "" {
			r.logger().Debug("resolver: non-numeric sound id dropped", slog.String("url", v.URL), slog.String("id", res.SoundID))
		}
		r.failed.Add(1)
		return
	}

	apply(v, res)
	r.enriched.Add(1)
	if r.Cache != nil {
		if err := r.Cache.Remember(ctx, v.URL, res); err != nil {
			r.logger().Warn("resolver: remember failed", slog.String("url", v.URL), slog.Any("error", err))
		}
	}
}

func apply(v *domain.EnrichedVideoRecord, res domain.Resolution) {
	id := res.SoundID
	v.ResolvedSoundID = &id
	v.ResolvedSoundTitle = domain.StrPtr(res.Title)
}

// ValidSoundID 判断 ID 是否为纯数字。
func ValidSoundID(s string) bool {
	if s == "" || len(s) > 32 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func (r *Resolver) workers() int {
	switch {
	case r.Workers <= 0:
		return defaultWorkers
	case r.Workers > 64:
		return 64
	default:
		return r.Workers
	}
}

func (r *Resolver) logger() *slog.Logger {
	if r.Log != nil {
		return r.Log
	}
	return slog.Default()
}
