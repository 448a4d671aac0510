package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func fixNow(t *testing.T, s string) {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("解析时间失败：%v", err)
	}
	old := now
	now = func() time.Time { return ts }
	t.Cleanup(func() { now = old })
}

func TestLoadEffective_ConfigNotFound(t *testing.T) {
	cwd := t.TempDir()

	_, err := LoadEffective(cwd, CLIArgs{})
	if Code(err) != ErrCodeNotFound {
		t.Fatalf("期望 %q，实际 err=%v (code=%q)", ErrCodeNotFound, err, Code(err))
	}
}

func TestLoadEffective_ConfigMissingPath(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, FileName), []byte(`{"platform":"tiktok"}`))

	_, err := LoadEffective(cwd, CLIArgs{})
	if Code(err) != ErrCodeMissingPath {
		t.Fatalf("期望 %q，实际 err=%v (code=%q)", ErrCodeMissingPath, err, Code(err))
	}
}

func TestLoadEffective_Defaults(t *testing.T) {
	fixNow(t, "2025-10-01T12:00:00Z")
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, FileName), []byte(`{"path":"campaign"}`))

	eff, err := LoadEffective(cwd, CLIArgs{})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	root := filepath.Join(cwd, "campaign")
	if eff.Path != root {
		t.Fatalf("期望 path=%q，实际=%q", root, eff.Path)
	}
	if eff.Platform != "tiktok" || eff.WindowHours != 24 || eff.Concurrency != 4 || eff.ResolverWorkers != 10 {
		t.Fatalf("默认值不正确：%+v", eff)
	}
	if eff.SoundsCSV != filepath.Join(root, "sounds.csv") || eff.AccountsCSV != filepath.Join(root, "accounts.csv") {
		t.Fatalf("CSV 路径不正确：%q %q", eff.SoundsCSV, eff.AccountsCSV)
	}
	if want := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC); !eff.Since.Equal(want) {
		t.Fatalf("默认 since 应为 30 天前：%v", eff.Since)
	}
	// 默认下限早于 25 天，limit 自动提升。
	if eff.Limit != AutoLimit {
		t.Fatalf("期望 limit=%d，实际=%d", AutoLimit, eff.Limit)
	}
	if eff.MaxAttempts != 3 || eff.MinDelay != 2*time.Second || eff.MaxDelay != 10*time.Second || eff.LookupTimeout != 30*time.Second {
		t.Fatalf("resolver 默认值不正确：%+v", eff)
	}
	if eff.ListTimeout != 600*time.Second || eff.RunTimeout != 0 {
		t.Fatalf("超时默认值不正确：%v %v", eff.ListTimeout, eff.RunTimeout)
	}
	if eff.OutcomeDB != filepath.Join(root, "cache", "outcomes.db") {
		t.Fatalf("outcome_db 默认值不正确：%q", eff.OutcomeDB)
	}
	if eff.LogLevel != slog.LevelWarn || eff.Apply {
		t.Fatalf("log_level/apply 默认值不正确：%v %v", eff.LogLevel, eff.Apply)
	}
}

func TestLoadEffective_LimitAutoRaise(t *testing.T) {
	fixNow(t, "2025-10-01T12:00:00Z")
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, FileName), []byte(`{"path":"p"}`))

	// 下限较近：保持默认 500。
	eff, err := LoadEffective(cwd, CLIArgs{Since: "2025-09-20", SinceSet: true})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.Limit != DefaultLimit {
		t.Fatalf("期望 limit=%d，实际=%d", DefaultLimit, eff.Limit)
	}

	// 恰好 25 天前：提升。
	eff, err = LoadEffective(cwd, CLIArgs{Since: "2025-09-06", SinceSet: true})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.Limit != AutoLimit {
		t.Fatalf("期望 limit=%d，实际=%d", AutoLimit, eff.Limit)
	}

	// 显式指定 limit 时不提升。
	eff, err = LoadEffective(cwd, CLIArgs{Since: "2025-01-01", SinceSet: true, Limit: 50, LimitSet: true})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.Limit != 50 {
		t.Fatalf("期望 limit=50，实际=%d", eff.Limit)
	}
}

func TestLoadEffective_ApplyCLIOverride(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, FileName), []byte(`{"path":"videos","apply":true}`))

	eff, err := LoadEffective(cwd, CLIArgs{
		Apply:    false,
		ApplySet: true, // --apply=false
	})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.Apply != false {
		t.Fatalf("期望 apply=false，实际=%v", eff.Apply)
	}

	eff, err = LoadEffective(cwd, CLIArgs{})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if !eff.Apply {
		t.Fatalf("未指定 CLI 时应使用配置文件 apply=true")
	}
}

func TestLoadEffective_EnvOverridesFile(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, FileName), []byte(`{
		"path": "p",
		"proxy": {"url": "http://file-proxy:8080"},
		"log_level": "error"
	}`))
	t.Setenv("JAKE_PROXY_URL", "socks5://env-proxy:1080")
	t.Setenv("JAKE_LOG_LEVEL", "debug")
	t.Setenv("JAKE_REDIS_URL", "redis://localhost:6379/2")

	eff, err := LoadEffective(cwd, CLIArgs{})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.ProxyURL != "socks5://env-proxy:1080" {
		t.Fatalf("环境变量应覆盖配置文件 proxy：%q", eff.ProxyURL)
	}
	if eff.LogLevel != slog.LevelDebug {
		t.Fatalf("环境变量应覆盖 log_level：%v", eff.LogLevel)
	}
	if eff.RedisURL != "redis://localhost:6379/2" {
		t.Fatalf("redis_url 不正确：%q", eff.RedisURL)
	}
}

func TestLoadEffective_CLIPath_ConfigOptional(t *testing.T) {
	cwd := t.TempDir()
	root := filepath.Join(cwd, "root")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}

	// <root>/jake.json 不存在也不算错误。
	eff, err := LoadEffective(cwd, CLIArgs{Path: "root"})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.Path != root {
		t.Fatalf("期望 path=%q，实际=%q", root, eff.Path)
	}

	writeFile(t, filepath.Join(root, FileName), []byte(`{"sounds_csv":"data/campaign.csv","window_hours":48}`))
	eff, err = LoadEffective(cwd, CLIArgs{Path: root})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.SoundsCSV != filepath.Join(root, "data", "campaign.csv") || eff.WindowHours != 48 {
		t.Fatalf("<path>/jake.json 未生效：%+v", eff)
	}
}

func TestLoadEffective_Clamps(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, FileName), []byte(`{"path":"p","concurrency":100,"resolver":{"workers":500}}`))

	eff, err := LoadEffective(cwd, CLIArgs{})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.Concurrency != 32 || eff.ResolverWorkers != 64 {
		t.Fatalf("并发应被钳制：concurrency=%d workers=%d", eff.Concurrency, eff.ResolverWorkers)
	}
}

func TestLoadEffective_Invalid(t *testing.T) {
	cases := map[string]string{
		"bad json":     `{"path":`,
		"bad since":    `{"path":"p","since":"2025/01/01"}`,
		"bad duration": `{"path":"p","resolver":{"timeout":"soon"}}`,
		"delay order":  `{"path":"p","resolver":{"min_delay":"5s","max_delay":"1s"}}`,
		"bad proxy":    `{"path":"p","proxy":{"url":"not a url"}}`,
		"bad redis":    `{"path":"p","redis_url":"http://localhost"}`,
		"bad level":    `{"path":"p","log_level":"loud"}`,
		"neg window":   `{"path":"p","window_hours":-1}`,
		"neg limit":    `{"path":"p","limit":-5}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			cwd := t.TempDir()
			writeFile(t, filepath.Join(cwd, FileName), []byte(body))
			_, err := LoadEffective(cwd, CLIArgs{})
			if Code(err) != ErrCodeInvalid {
				t.Fatalf("期望 %q，实际 err=%v (code=%q)", ErrCodeInvalid, err, Code(err))
			}
		})
	}
}

func writeFile(t *testing.T, path string, b []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("写文件失败：%v", err)
	}
}
