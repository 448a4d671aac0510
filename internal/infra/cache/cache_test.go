package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Risingtides-dev/jake/internal/domain"
)

func video(url string) domain.RawVideoRecord {
	return domain.RawVideoRecord{URL: url, Account: "@acct1"}
}

func TestStore_LoadMissing_Empty(t *testing.T) {
	s := New(t.TempDir(), "tiktok", false)
	e, ok := s.Load("@acct1")
	if ok || len(e.Videos) != 0 || e.LastFetchDate != nil {
		t.Fatalf("缺失缓存应返回空状态：ok=%v entry=%+v", ok, e)
	}
}

func TestStore_SaveLoad_RoundTripAndDedup(t *testing.T) {
	root := t.TempDir()
	s := New(root, "tiktok", false)

	at := time.Date(2026, 10, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	err := s.Save("@acct1", domain.CacheEntry{
		Videos:        []domain.RawVideoRecord{video("u1"), video("u2"), video("u1"), {URL: ""}},
		LastFetchDate: &at,
	})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}

	p, _ := s.Path("@acct1")
	if filepath.Base(p) != "tiktok_acct1_cache.json" {
		t.Fatalf("缓存文件名不符合约定：%q", p)
	}

	e, ok := s.Load("@acct1")
	if !ok {
		t.Fatalf("期望命中缓存")
	}
	if len(e.Videos) != 2 || e.Videos[0].URL != "u1" || e.Videos[1].URL != "u2" {
		t.Fatalf("按 URL 去重失败：%+v", e.Videos)
	}
	if e.LastFetchDate == nil || !e.LastFetchDate.Equal(at) || e.LastFetchDate.Location() != time.UTC {
		t.Fatalf("last_fetch_date 不正确：%v", e.LastFetchDate)
	}
}

func TestStore_CorruptFile_EmptyAndQuarantined(t *testing.T) {
	root := t.TempDir()
	s := New(root, "tiktok", false)
	p, _ := s.Path("@acct1")
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}
	if err := os.WriteFile(p, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("写入失败：%v", err)
	}

	e, ok := s.Load("@acct1")
	if ok || len(e.Videos) != 0 {
		t.Fatalf("损坏缓存必须视为空：ok=%v entry=%+v", ok, e)
	}
	if _, err := os.Stat(p + ".corrupt"); err != nil {
		t.Fatalf("损坏文件应被移到 .corrupt：%v", err)
	}
}

func TestStore_CorruptFile_ReadOnlyLeavesFile(t *testing.T) {
	root := t.TempDir()
	s := New(root, "tiktok", true)
	p, _ := s.Path("@acct1")
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}
	if err := os.WriteFile(p, []byte("garbage"), 0o644); err != nil {
		t.Fatalf("写入失败：%v", err)
	}

	if _, ok := s.Load("@acct1"); ok {
		t.Fatalf("损坏缓存必须视为空")
	}
	if _, err := os.Stat(p); err != nil {
		t.Fatalf("只读模式不应移动文件：%v", err)
	}
}

func TestStore_ForwardCompat(t *testing.T) {
	root := t.TempDir()
	s := New(root, "tiktok", false)
	p, _ := s.Path("@acct1")
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}

	// 早期文件：没有 version 字段，且包含未知字段。
	old := `{"account":"@acct1","last_fetch_date":"2026-01-02T00:00:00Z","videos":[{"url":"u1","account":"@acct1","legacy_field":1}],"extra":true}`
	if err := os.WriteFile(p, []byte(old), 0o644); err != nil {
		t.Fatalf("写入失败：%v", err)
	}
	e, ok := s.Load("@acct1")
	if !ok || len(e.Videos) != 1 {
		t.Fatalf("旧版本缓存应可读取：ok=%v entry=%+v", ok, e)
	}

	// 更新版本写出的文件：不兼容 -> 空状态。
	newer := `{"version":99,"videos":[{"url":"u1"}]}`
	if err := os.WriteFile(p, []byte(newer), 0o644); err != nil {
		t.Fatalf("写入失败：%v", err)
	}
	if _, ok := s.Load("@acct1"); ok {
		t.Fatalf("不兼容版本应视为空")
	}
}

func TestStore_Save_LastFetchDateNeverGoesBack(t *testing.T) {
	s := New(t.TempDir(), "tiktok", false)
	later := time.Date(2026, 10, 2, 0, 0, 0, 0, time.UTC)
	earlier := later.Add(-48 * time.Hour)

	if err := s.Save("@acct1", domain.CacheEntry{Videos: []domain.RawVideoRecord{video("u1")}, LastFetchDate: &later}); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if err := s.Save("@acct1", domain.CacheEntry{Videos: []domain.RawVideoRecord{video("u1")}, LastFetchDate: &earlier}); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	e, _ := s.Load("@acct1")
	if e.LastFetchDate == nil || !e.LastFetchDate.Equal(later) {
		t.Fatalf("last_fetch_date 不应倒退：%v", e.LastFetchDate)
	}
}

func TestStore_ReadOnly(t *testing.T) {
	root := t.TempDir()
	s := New(root, "tiktok", true)
	if err := s.Save("@acct1", domain.CacheEntry{}); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("期望 ErrReadOnly，实际=%v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "cache")); !os.IsNotExist(err) {
		t.Fatalf("只读模式不应创建 cache/，Stat err=%v", err)
	}
}

func TestStore_RejectsPathTraversal(t *testing.T) {
	s := New(t.TempDir(), "tiktok", false)
	for _, a := range []domain.Account{"@../x", "@..", "@", "@a/b"} {
		if err := s.Save(a, domain.CacheEntry{}); err == nil {
			t.Fatalf("非法账号 %q 应被拒绝", a)
		}
	}
}

func TestStore_Invalidate(t *testing.T) {
	s := New(t.TempDir(), "tiktok", false)
	if err := s.Save("@acct1", domain.CacheEntry{Videos: []domain.RawVideoRecord{video("u1")}}); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if err := s.Invalidate("@acct1"); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if _, ok := s.Load("@acct1"); ok {
		t.Fatalf("invalidate 之后不应命中缓存")
	}
	if err := s.Invalidate("@acct1"); err != nil {
		t.Fatalf("重复 invalidate 不应报错：%v", err)
	}
}

func TestFileResolutions_RememberFlushReload(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	f := OpenFileResolutions(root, false, nil)
	if _, ok := f.Lookup(ctx, "u1"); ok {
		t.Fatalf("空表不应命中")
	}
	_ = f.Remember(ctx, "u1", domain.Resolution{SoundID: "123", Title: "Fade Out"})
	_ = f.Remember(ctx, "u2", domain.Resolution{}) // 空 ID 不记
	if err := f.Flush(); err != nil {
		t.Fatalf("Flush 失败：%v", err)
	}

	g := OpenFileResolutions(root, true, nil)
	r, ok := g.Lookup(ctx, "u1")
	if !ok || r.SoundID != "123" || r.Title != "Fade Out" {
		t.Fatalf("重新加载后应命中：ok=%v r=%+v", ok, r)
	}
	if g.Len() != 1 {
		t.Fatalf("期望 1 条，实际 %d", g.Len())
	}
}

func TestFileResolutions_ReadOnlyDoesNotWrite(t *testing.T) {
	root := t.TempDir()
	f := OpenFileResolutions(root, true, nil)
	_ = f.Remember(context.Background(), "u1", domain.Resolution{SoundID: "1"})
	if err := f.Flush(); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "cache", "resolved.json")); !os.IsNotExist(err) {
		t.Fatalf("只读模式不应落盘，Stat err=%v", err)
	}
}

func TestNewRedisResolutions_InvalidURL(t *testing.T) {
	if _, err := NewRedisResolutions(context.Background(), "not-a-redis-url", time.Hour, false, nil); err == nil {
		t.Fatalf("非法 redis url 应返回错误")
	}
}
