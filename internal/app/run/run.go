package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Risingtides-dev/jake/internal/config"
	"github.com/Risingtides-dev/jake/internal/domain"
	"github.com/Risingtides-dev/jake/internal/fetcher"
	"github.com/Risingtides-dev/jake/internal/infra/cache"
	"github.com/Risingtides-dev/jake/internal/match"
	"github.com/Risingtides-dev/jake/internal/outcome"
	"github.com/Risingtides-dev/jake/internal/recency"
	"github.com/Risingtides-dev/jake/internal/registry"
	"github.com/Risingtides-dev/jake/internal/resolver"
	"github.com/Risingtides-dev/jake/internal/source"
)

// resolutionTTL 是 Redis 中已解析声音 ID 的保留时间（视频的声音不会变化，只为控制体积）。
const resolutionTTL = 90 * 24 * time.Hour

// now 仅用于测试注入。
var now = time.Now

type resolutionCache interface {
	resolver.Lookups
	Flush() error
}

// Execute 执行一次 campaign 运行，并返回对外稳定的 RunReport。
// 账号级/视频级错误都降级为报告条目；只有配置、登记表、名单错误会让整次运行失败。
func Execute(ctx context.Context, eff config.EffectiveConfig, reg source.Registry) domain.RunReport {
	return ExecuteWithObserver(ctx, eff, reg, nil)
}

// ExecuteWithObserver 与 Execute 相同，但允许传入 Observer 以输出进度（由上层决定是否启用）。
func ExecuteWithObserver(ctx context.Context, eff config.EffectiveConfig, reg source.Registry, obs Observer) domain.RunReport {
	started := now().UTC()
	log := slog.Default()

	if obs != nil {
		obs.OnStart(eff)
	}

	parent := ctx
	if eff.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, eff.RunTimeout)
		defer cancel()
	}

	rr := domain.RunReport{
		RunID:       uuid.NewString(),
		Path:        eff.Path,
		DryRun:      !eff.Apply,
		StartedAt:   started,
		Since:       eff.Since.Format("2006-01-02"),
		Limit:       eff.Limit,
		WindowHours: eff.WindowHours,
	}
	fail := func(code, msg string) domain.RunReport {
		rr.Status = domain.StatusFailed
		rr.ErrorCode = code
		rr.ErrorMsg = msg
		rr.FinishedAt = now().UTC()
		rr.Finalize()
		return rr
	}

	src, ok := reg.Get(eff.Platform)
	if !ok {
		return fail(domain.ErrCodeSourceUnavailable, fmt.Sprintf("不支持的平台 %q（可用：%v）", eff.Platform, reg.Names()))
	}

	// 1) 名单 + 登记表：任何一个加载失败都是运行级失败，且发生在抓取之前。
	loadStarted := time.Now()
	sounds, roster, err := loadCampaign(eff, log)
	if err != nil {
		var le *loadError
		if errors.As(err, &le) {
			return fail(le.code, le.Error())
		}
		return fail(domain.ErrCodeRegistryLoadFailed, err.Error())
	}

	policy := resolver.Policy{
		MaxAttempts: eff.MaxAttempts,
		MinDelay:    eff.MinDelay,
		MaxDelay:    eff.MaxDelay,
		Timeout:     eff.LookupTimeout,
	}
	hydrated := 0
	if eff.ResolveRegistryLinks {
		if mr, ok := src.(source.MusicResolver); ok {
			hydrated = registry.Hydrate(ctx, sounds, mr, policy, log)
		}
	}
	if obs != nil {
		obs.OnPhaseDone("load", map[string]any{
			"sounds":   len(sounds),
			"accounts": len(roster),
			"hydrated": hydrated,
		}, time.Since(loadStarted))
	}

	// 2) 账号抓取：按账号并发（worker pool），账号内串行。
	store := cache.New(eff.Path, eff.Platform, !eff.Apply)
	store.Log = log
	f := &fetcher.Fetcher{Source: src, Cache: store, Log: log}

	workers := eff.Concurrency
	if workers < 1 {
		workers = 1
	}
	if obs != nil {
		obs.OnPhaseDone("fetch", map[string]any{
			"workers":  workers,
			"accounts": len(roster),
		}, 0)
	}
	fetched := fetchAll(ctx, f, roster, eff, workers, obs)

	var all []domain.RawVideoRecord
	seen := map[string]struct{}{}
	for _, fr := range fetched {
		rr.Accounts = append(rr.Accounts, fr.result)
		rr.Summary.VideosNew += fr.result.VideosNew
		for _, v := range fr.videos {
			if _, dup := seen[v.URL]; dup {
				continue
			}
			seen[v.URL] = struct{}{}
			all = append(all, v)
		}
	}
	rr.Summary.VideosTotal = len(all)

	// 3) 过滤 + 补全：补全作用于所有账号视频的并集，因此在抓取全部结束后开始。
	resolveStarted := time.Now()
	m := match.New(sounds, match.Options{
		FilteredArtists: eff.FilteredArtists,
		FilteredSongs:   eff.FilteredSongs,
	})
	videos, excluded := m.Filter(domain.Enrich(all))
	rr.Summary.VideosExcluded = excluded

	lookups := openResolutions(ctx, eff, log)
	res := &resolver.Resolver{
		Source:  src,
		Policy:  policy,
		Workers: eff.ResolverWorkers,
		Cache:   lookups,
		Log:     log,
	}
	if obs != nil {
		res.OnProgress = obs.OnResolveProgress
	}
	videos = res.Resolve(ctx, videos)
	if err := lookups.Flush(); err != nil {
		log.Warn("run: resolution cache flush failed", slog.Any("error", err))
	}
	if c, ok := lookups.(interface{ Close() error }); ok {
		_ = c.Close()
	}

	p := res.Progress()
	rr.Summary.Lookups = p.Total
	for _, v := range videos {
		if v.ResolvedSoundID != nil {
			rr.Summary.VideosEnriched++
		}
	}
	if obs != nil {
		obs.OnPhaseDone("resolve", map[string]any{
			"videos":   len(videos),
			"excluded": excluded,
			"lookups":  p.Total,
			"enriched": p.Enriched,
			"cached":   p.Cached,
			"failed":   p.Failed,
		}, time.Since(resolveStarted))
	}

	// 4) 匹配 + 时间窗口划分。
	matchStarted := time.Now()
	matches, unmatched := m.MatchAll(videos)
	rr.Suggestions = m.Suggest(unmatched, match.DefaultSuggestThreshold, match.DefaultSuggestMax)
	rr.Buckets = recency.Partition(matches, now(), eff.WindowHours)
	rr.SeedSounds(sounds)

	if ctx.Err() != nil && parent.Err() == nil {
		rr.Status = domain.StatusFailed
		rr.ErrorCode = domain.ErrCodeRunTimeout
		rr.ErrorMsg = fmt.Sprintf("运行超过 run_timeout=%s，结果不完整", eff.RunTimeout)
	}

	rr.FinishedAt = now().UTC()
	rr.Finalize()

	if obs != nil {
		obs.OnPhaseDone("match", map[string]any{
			"matched":     rr.Summary.MatchedTotal,
			"recent":      rr.Summary.RecentCount,
			"older":       rr.Summary.OlderCount,
			"suggestions": len(rr.Suggestions),
		}, time.Since(matchStarted))
	}

	// apply：记录抓取结果日志；dry-run 不写任何文件。
	if eff.Apply {
		if err := recordOutcome(parent, eff.OutcomeDB, rr); err != nil {
			log.Warn("run: outcome log write failed", slog.String("db", eff.OutcomeDB), slog.Any("error", err))
		}
	}
	return rr
}

type loadError struct {
	code string
	err  error
}

func (e *loadError) Error() string { return e.err.Error() }
func (e *loadError) Unwrap() error { return e.err }

// loadCampaign 读取名单与登记表。名单文件缺失或为空时，名单回退为登记表中出现过的账号；
// 此时登记表需要按回退后的名单重新展开开放授权。
func loadCampaign(eff config.EffectiveConfig, log *slog.Logger) ([]domain.TrackedSound, []domain.Account, error) {
	roster, err := registry.LoadRoster(eff.AccountsCSV)
	switch {
	case err == nil:
	case os.IsNotExist(err), errors.Is(err, registry.ErrEmptyRoster):
		roster = nil
	default:
		return nil, nil, &loadError{code: domain.ErrCodeRosterLoadFailed, err: fmt.Errorf("读取账号名单失败：%w", err)}
	}

	sounds, err := registry.LoadSounds(eff.SoundsCSV, roster, log)
	if err != nil {
		return nil, nil, &loadError{code: domain.ErrCodeRegistryLoadFailed, err: fmt.Errorf("读取登记表失败：%w", err)}
	}
	if roster == nil {
		roster = registry.RosterFromSounds(sounds)
		if len(roster) == 0 {
			return nil, nil, &loadError{code: domain.ErrCodeRosterLoadFailed, err: fmt.Errorf("账号名单为空：%w", registry.ErrEmptyRoster)}
		}
		log.Info("run: roster file missing, using registry accounts", slog.Int("accounts", len(roster)))
		if sounds, err = registry.LoadSounds(eff.SoundsCSV, roster, log); err != nil {
			return nil, nil, &loadError{code: domain.ErrCodeRegistryLoadFailed, err: fmt.Errorf("读取登记表失败：%w", err)}
		}
	}
	return sounds, roster, nil
}

type accountFetch struct {
	result domain.AccountResult
	videos []domain.RawVideoRecord
	hint   string
}

func fetchAll(ctx context.Context, f *fetcher.Fetcher, roster []domain.Account, eff config.EffectiveConfig, workers int, obs Observer) []accountFetch {
	jobs := make(chan domain.Account)
	results := make(chan accountFetch, len(roster))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for a := range jobs {
				results <- fetchOne(ctx, f, a, eff)
			}
		}()
	}

	go func() {
		for _, a := range roster {
			jobs <- a
		}
		close(jobs)
		wg.Wait()
		close(results)
	}()

	out := make([]accountFetch, 0, len(roster))
	done := 0
	for r := range results {
		done++
		out = append(out, r)
		if obs != nil {
			obs.OnAccountDone(done, len(roster), r.result, r.hint)
		}
	}
	return out
}

func fetchOne(ctx context.Context, f *fetcher.Fetcher, account domain.Account, eff config.EffectiveConfig) accountFetch {
	started := time.Now()
	res, err := f.Fetch(ctx, account, eff.Since, eff.Limit)

	ar := domain.AccountResult{
		Account:      account,
		Status:       domain.StatusOK,
		VideosListed: res.Listed,
		VideosNew:    res.New,
		VideosCached: res.Cached,
		VideosTotal:  len(res.Videos),
		DurationMS:   time.Since(started).Milliseconds(),
	}
	if !res.EffectiveFloor.IsZero() {
		floor := res.EffectiveFloor
		ar.EffectiveFloor = &floor
	}
	ar.LastFetchDate = res.LastFetchDate
	hint := ""
	if err != nil {
		ar.Status = domain.StatusFailed
		ar.ErrorMsg = err.Error()
		var fe *fetcher.Error
		if errors.As(err, &fe) {
			ar.ErrorCode, hint = fe.Code, fe.Hint()
		} else {
			ar.ErrorCode = fetcher.Classify(err)
			hint = fetcher.Hint(ar.ErrorCode)
		}
	}
	// 失败时 res.Videos 是缓存原样，仍参与匹配。
	return accountFetch{result: ar, videos: res.Videos, hint: hint}
}

func openResolutions(ctx context.Context, eff config.EffectiveConfig, log *slog.Logger) resolutionCache {
	if eff.RedisURL != "" {
		rc, err := cache.NewRedisResolutions(ctx, eff.RedisURL, resolutionTTL, !eff.Apply, log)
		if err == nil {
			return rc
		}
		log.Warn("run: redis unavailable, falling back to file resolution cache", slog.Any("error", err))
	}
	fr := cache.OpenFileResolutions(eff.Path, !eff.Apply, log)
	log.Debug("run: file resolution cache opened", slog.Int("entries", fr.Len()))
	return fr
}

func recordOutcome(ctx context.Context, path string, rr domain.RunReport) error {
	st, err := outcome.Open(path)
	if err != nil {
		return err
	}
	defer st.Close()
	return st.RecordRun(ctx, rr)
}
