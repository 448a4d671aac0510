package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/Risingtides-dev/jake/internal/config"
	"github.com/Risingtides-dev/jake/internal/domain"
	"github.com/Risingtides-dev/jake/internal/resolver"
)

func TestProgressUI_Lines(t *testing.T) {
	old := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = old })

	var buf bytes.Buffer
	p := newProgressUI(&buf)
	p.resolveInterval = time.Hour

	p.OnStart(config.EffectiveConfig{Path: "/camp", Platform: "tiktok", ProxyURL: "http://user:pw@proxy:8080"})
	p.OnPhaseDone("fetch", map[string]any{"workers": 2, "accounts": 2}, 0)
	p.OnAccountDone(1, 2, domain.AccountResult{Account: "@a", Status: domain.StatusOK, VideosListed: 5, VideosNew: 2}, "")
	p.OnAccountDone(2, 2, domain.AccountResult{
		Account: "@b", Status: domain.StatusFailed, ErrorCode: domain.ErrCodeBlocked, ErrorMsg: "blocked: login", VideosCached: 7,
	}, "配置 proxy")
	p.OnResolveProgress(resolver.Progress{Total: 3, Done: 1})
	p.OnResolveProgress(resolver.Progress{Total: 3, Done: 2})
	p.OnResolveProgress(resolver.Progress{Total: 3, Done: 3, Enriched: 2, Failed: 1})

	out := buf.String()
	for _, want := range []string{
		"jake run",
		"proxy: on (http://proxy:8080, auth=on)",
		"[1/2] @a OK listed=5 new=2",
		"[2/2] @b FAIL blocked: blocked: login",
		"使用缓存 7 条",
		"提示：配置 proxy",
		"补全进度: 3/3 enriched=2 failed=1",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("输出缺少 %q：\n%s", want, out)
		}
	}
	if strings.Contains(out, "pw") {
		t.Fatalf("输出不应包含代理密码：\n%s", out)
	}
	// 节流：中间进度不输出（第一条因 lastResolveOut 为零值会输出）。
	if strings.Contains(out, "补全进度: 2/3") {
		t.Fatalf("中间进度应被节流：\n%s", out)
	}
	if p.tickerStarted {
		t.Fatalf("全部账号完成后 ticker 应停止")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdefgh", 6); got != "abc..." {
		t.Fatalf("truncate 结果不正确：%q", got)
	}
	if got := truncate("  ab  ", 6); got != "ab" {
		t.Fatalf("truncate 结果不正确：%q", got)
	}
}
