package run

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Risingtides-dev/jake/internal/config"
	"github.com/Risingtides-dev/jake/internal/domain"
	"github.com/Risingtides-dev/jake/internal/outcome"
	"github.com/Risingtides-dev/jake/internal/source"
)

// stubSource 按账号返回固定视频列表；详情页查询按 URL 查表，查不到视为页面无法解析。
type stubSource struct {
	videos map[domain.Account][]domain.RawVideoRecord
	fail   map[domain.Account]error
	block  map[domain.Account]bool
	ids    map[string]string

	mu      sync.Mutex
	lookups int
}

func (s *stubSource) Name() string { return "tiktok" }

func (s *stubSource) ListVideos(ctx context.Context, account domain.Account, maxCount int) ([]domain.RawVideoRecord, error) {
	if err := s.fail[account]; err != nil {
		return nil, err
	}
	if s.block[account] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return append([]domain.RawVideoRecord(nil), s.videos[account]...), nil
}

func (s *stubSource) ResolveSoundID(ctx context.Context, videoURL string) (*string, *string, error) {
	s.mu.Lock()
	s.lookups++
	s.mu.Unlock()
	id, ok := s.ids[videoURL]
	if !ok {
		return nil, nil, fmt.Errorf("parse %s: %w", videoURL, source.ErrMalformed)
	}
	return &id, nil, nil
}

func (s *stubSource) lookupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups
}

func ago(d time.Duration) *time.Time {
	t := time.Now().UTC().Add(-d)
	return &t
}

const (
	urlFade  = "https://www.tiktok.com/@a/video/1"
	urlOther = "https://www.tiktok.com/@a/video/2"
	urlMiss  = "https://www.tiktok.com/@b/video/3"
)

func newCampaign(t *testing.T) (config.EffectiveConfig, *stubSource) {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "sounds.csv"), "Tiktok Sound ID,Song,Artist,Account\n"+
		"111,Fade Out,Kami Kehoe,@a\n"+
		"111,Fade Out,Kami Kehoe,@b\n"+
		",Other Song,Someone,@a\n")
	writeFile(t, filepath.Join(root, "accounts.csv"), "Account\n@a\n@b\n@c\n")

	src := &stubSource{
		videos: map[domain.Account][]domain.RawVideoRecord{
			"@a": {
				{URL: urlFade, Account: "@a", TrackTitle: "original sound", ArtistName: "a", ViewCount: 100, UploadedAt: ago(time.Hour)},
				{URL: urlOther, Account: "@a", TrackTitle: "Other Song", ArtistName: "Someone", ViewCount: 50, UploadedAt: ago(48 * time.Hour)},
			},
			"@b": {
				{URL: urlMiss, Account: "@b", TrackTitle: "Totally Different", ArtistName: "Nobody", ViewCount: 10, UploadedAt: ago(30 * time.Hour)},
			},
		},
		fail: map[domain.Account]error{
			"@c": &source.ExitError{Account: "@c", ExitCode: 1, Stderr: "ERROR: account not found"},
		},
		ids: map[string]string{urlFade: "111", urlMiss: "999"},
	}

	eff := config.EffectiveConfig{
		Path:            root,
		Platform:        "tiktok",
		SoundsCSV:       filepath.Join(root, "sounds.csv"),
		AccountsCSV:     filepath.Join(root, "accounts.csv"),
		Since:           time.Now().UTC().AddDate(0, 0, -30),
		Limit:           500,
		WindowHours:     24,
		Concurrency:     2,
		ResolverWorkers: 4,
		MaxAttempts:     1,
		MinDelay:        time.Millisecond,
		MaxDelay:        time.Millisecond,
		LookupTimeout:   time.Second,
		OutcomeDB:       filepath.Join(root, "cache", "outcomes.db"),
	}
	return eff, src
}

func registryOf(t *testing.T, src source.VideoSource) source.Registry {
	t.Helper()
	reg, err := source.NewRegistry(src)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	return reg
}

func TestExecute_DryRun_MatchesWithoutWrites(t *testing.T) {
	eff, src := newCampaign(t)

	rr := Execute(context.Background(), eff, registryOf(t, src))

	if rr.Failed() {
		t.Fatalf("不期望运行失败：%s %s", rr.ErrorCode, rr.ErrorMsg)
	}
	if !rr.DryRun || rr.RunID == "" {
		t.Fatalf("期望 dry-run 且有 run_id：%+v", rr)
	}
	s := rr.Summary
	if s.AccountsTotal != 3 || s.AccountsProcessed != 2 || s.AccountsFailed != 1 {
		t.Fatalf("账号统计不正确：%+v", s)
	}
	if s.MatchedTotal != 2 || s.RecentCount != 1 || s.OlderCount != 1 {
		t.Fatalf("匹配统计不正确：%+v", s)
	}
	if s.VideosTotal != 3 || s.Lookups != 3 || s.VideosEnriched != 2 {
		t.Fatalf("视频统计不正确：%+v", s)
	}

	recent := rr.Buckets.Recent[0]
	if recent.Video.URL != urlFade || recent.Strategy != domain.StrategyResolvedID {
		t.Fatalf("近期匹配不正确：%+v", recent)
	}
	older := rr.Buckets.Older[0]
	if older.Video.URL != urlOther || older.Strategy != domain.StrategyExactKey {
		t.Fatalf("较早匹配不正确：%+v", older)
	}

	var failed domain.AccountResult
	for _, a := range rr.Accounts {
		if a.Status == domain.StatusFailed {
			failed = a
		}
	}
	if failed.Account != "@c" || failed.ErrorCode != domain.ErrCodeSourceExit {
		t.Fatalf("失败账号不正确：%+v", failed)
	}

	if len(rr.Sounds) != 2 || rr.Sounds[0].Views != 100 || rr.Sounds[0].Videos != 1 {
		t.Fatalf("声音汇总不正确：%+v", rr.Sounds)
	}

	if _, err := os.Stat(filepath.Join(eff.Path, "cache")); !os.IsNotExist(err) {
		t.Fatalf("dry-run 不应创建 cache/，但 Stat err=%v", err)
	}
}

func TestExecute_Apply_IncrementalSecondRun(t *testing.T) {
	eff, src := newCampaign(t)
	eff.Apply = true
	reg := registryOf(t, src)

	first := Execute(context.Background(), eff, reg)
	if first.Failed() || first.Summary.VideosNew != 3 {
		t.Fatalf("第一次运行不正确：%+v", first.Summary)
	}
	for _, p := range []string{
		filepath.Join(eff.Path, "cache", "accounts"),
		filepath.Join(eff.Path, "cache", "resolved.json"),
		eff.OutcomeDB,
	} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("apply 应写入 %s：%v", p, err)
		}
	}
	firstLookups := src.lookupCount()
	if firstLookups != 3 {
		t.Fatalf("第一次运行期望 3 次查询，实际 %d", firstLookups)
	}

	second := Execute(context.Background(), eff, reg)
	if second.Failed() {
		t.Fatalf("第二次运行不应失败：%s", second.ErrorMsg)
	}
	// 列表结果都早于上次抓取时间：无新视频，但缓存中的视频仍参与匹配。
	if second.Summary.VideosNew != 0 || second.Summary.VideosTotal != 3 || second.Summary.MatchedTotal != 2 {
		t.Fatalf("第二次运行统计不正确：%+v", second.Summary)
	}
	// 已解析的视频走解析缓存，只剩失败过的那条需要再查。
	if got := src.lookupCount() - firstLookups; got != 1 || second.Summary.Lookups != 1 {
		t.Fatalf("第二次运行期望 1 次查询，实际 %d (summary=%d)", got, second.Summary.Lookups)
	}

	st, err := outcome.Open(eff.OutcomeDB)
	if err != nil {
		t.Fatalf("打开 outcome 失败：%v", err)
	}
	defer st.Close()
	runs, err := st.Runs(context.Background(), 10)
	if err != nil || len(runs) != 2 {
		t.Fatalf("期望记录 2 次运行：%v %v", runs, err)
	}
	hist, err := st.Recent(context.Background(), "@c", 10)
	if err != nil || len(hist) != 2 || hist[0].ErrorCode != domain.ErrCodeSourceExit {
		t.Fatalf("@c 的抓取日志不正确：%+v %v", hist, err)
	}
}

func TestExecute_RunTimeout_KeepsPartialResults(t *testing.T) {
	eff, src := newCampaign(t)
	src.block = map[domain.Account]bool{"@b": true}
	eff.RunTimeout = 300 * time.Millisecond

	rr := Execute(context.Background(), eff, registryOf(t, src))
	if !rr.Failed() || rr.ErrorCode != domain.ErrCodeRunTimeout {
		t.Fatalf("期望 run_timeout，实际 status=%s code=%s", rr.Status, rr.ErrorCode)
	}
	if len(rr.Accounts) != 3 {
		t.Fatalf("超时后仍应保留全部账号结果：%+v", rr.Accounts)
	}

	byAccount := map[domain.Account]domain.AccountResult{}
	for _, a := range rr.Accounts {
		byAccount[a.Account] = a
	}
	if a := byAccount["@a"]; a.Status != domain.StatusOK || a.VideosTotal != 2 {
		t.Fatalf("已完成的账号应保持 ok：%+v", a)
	}
	if b := byAccount["@b"]; b.Status != domain.StatusFailed || b.ErrorCode != domain.ErrCodeFetchTimeout {
		t.Fatalf("被卡住的账号应为 fetch_timeout：%+v", b)
	}
	if rr.Summary.AccountsProcessed != 1 || rr.Summary.AccountsFailed != 2 {
		t.Fatalf("账号统计不正确：%+v", rr.Summary)
	}
}

func TestExecute_RegistryMissing_IsRunFailure(t *testing.T) {
	eff, src := newCampaign(t)
	eff.SoundsCSV = filepath.Join(eff.Path, "missing.csv")

	rr := Execute(context.Background(), eff, registryOf(t, src))
	if !rr.Failed() || rr.ErrorCode != domain.ErrCodeRegistryLoadFailed {
		t.Fatalf("期望 registry_load_failed，实际 %+v", rr)
	}
	if len(rr.Accounts) != 0 || src.lookupCount() != 0 {
		t.Fatalf("登记表失败时不应开始抓取")
	}
}

func TestExecute_ZeroMatchesIsNotFailure(t *testing.T) {
	eff, src := newCampaign(t)
	src.videos = map[domain.Account][]domain.RawVideoRecord{}

	rr := Execute(context.Background(), eff, registryOf(t, src))
	if rr.Failed() || rr.Summary.MatchedTotal != 0 {
		t.Fatalf("零匹配不应是运行失败：%+v", rr)
	}
	if len(rr.Sounds) != 2 {
		t.Fatalf("零匹配时声音汇总仍应列出全部声音：%+v", rr.Sounds)
	}
}

func TestExecute_RosterFallsBackToRegistry(t *testing.T) {
	eff, src := newCampaign(t)
	eff.AccountsCSV = filepath.Join(eff.Path, "no-roster.csv")

	rr := Execute(context.Background(), eff, registryOf(t, src))
	if rr.Failed() {
		t.Fatalf("名单缺失时应回退，不应失败：%s", rr.ErrorMsg)
	}
	// 登记表中只有 @a 与 @b。
	if rr.Summary.AccountsTotal != 2 || rr.Summary.AccountsFailed != 0 {
		t.Fatalf("回退名单不正确：%+v", rr.Summary)
	}
}

func TestExecute_UnknownPlatform(t *testing.T) {
	eff, src := newCampaign(t)
	eff.Platform = "instagram"

	rr := Execute(context.Background(), eff, registryOf(t, src))
	if !rr.Failed() || rr.ErrorCode != domain.ErrCodeSourceUnavailable {
		t.Fatalf("期望 source_unavailable，实际 %+v", rr)
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("写文件失败：%v", err)
	}
}
