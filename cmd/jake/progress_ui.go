package main

import (
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/Risingtides-dev/jake/internal/app/run"
	"github.com/Risingtides-dev/jake/internal/config"
	"github.com/Risingtides-dev/jake/internal/domain"
	"github.com/Risingtides-dev/jake/internal/resolver"
)

var _ run.Observer = (*progressUI)(nil)

var (
	tagOK   = color.New(color.FgGreen, color.Bold).SprintFunc()
	tagFail = color.New(color.FgRed, color.Bold).SprintFunc()
	tagDim  = color.New(color.Faint).SprintFunc()
	tagHead = color.New(color.FgCyan, color.Bold).SprintFunc()
)

// progressUI 是交互终端下的进度输出。
//
// - 所有过程信息写到 stderr（或 fallback 到 stdout），不污染 stdout 的 JSON 输出契约
// - 事件驱动：run 层只发事件，CLI 决定如何展示
// - keepalive：抓取阶段长时间没有账号完成时，定期输出一行进度
type progressUI struct {
	w io.Writer

	mu          sync.Mutex
	startedAt   time.Time
	lastPrinted time.Time

	workers int
	total   int
	done    int
	ok      int
	fail    int

	resolveTotal   int
	lastResolveOut time.Time

	keepaliveThreshold time.Duration
	tickerInterval     time.Duration
	resolveInterval    time.Duration

	stopCh        chan struct{}
	tickerStarted bool
}

func newProgressUI(w io.Writer) *progressUI {
	return &progressUI{
		w:                  w,
		keepaliveThreshold: 6 * time.Second,
		tickerInterval:     2 * time.Second,
		resolveInterval:    2 * time.Second,
	}
}

func (p *progressUI) OnStart(eff config.EffectiveConfig) {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startedAt.IsZero() {
		p.startedAt = now
	}

	mode := "dry-run"
	modeHint := " (不写缓存/日志/报告)"
	if eff.Apply {
		mode = "apply"
		modeHint = ""
	}

	fmt.Fprintf(p.w, "[%s] %s (%s)\n", now.Format("15:04:05"), tagHead("jake run"), mode)
	fmt.Fprintln(p.w, "配置（生效）:")
	fmt.Fprintf(p.w, "  path: %s\n", eff.Path)
	fmt.Fprintf(p.w, "  mode: %s%s\n", mode, modeHint)
	fmt.Fprintf(p.w, "  platform: %s\n", eff.Platform)
	fmt.Fprintf(p.w, "  sounds_csv: %s\n", eff.SoundsCSV)
	fmt.Fprintf(p.w, "  accounts_csv: %s\n", eff.AccountsCSV)
	fmt.Fprintf(p.w, "  since: %s  limit: %d  window_hours: %d\n", eff.Since.Format("2006-01-02"), eff.Limit, eff.WindowHours)
	fmt.Fprintf(p.w, "  concurrency: %d  resolver.workers: %d\n", eff.Concurrency, eff.ResolverWorkers)
	fmt.Fprintf(p.w, "  proxy: %s\n", formatProxy(eff.ProxyURL))
	fmt.Fprintf(p.w, "  resolution_cache: %s\n", resolutionCacheLabel(eff.RedisURL))
	if eff.RunTimeout > 0 {
		fmt.Fprintf(p.w, "  run_timeout: %s\n", eff.RunTimeout)
	}
	fmt.Fprintln(p.w)

	p.lastPrinted = time.Now()
}

func (p *progressUI) OnPhaseDone(name string, fields map[string]any, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch name {
	case "load":
		fmt.Fprintf(p.w, "加载: sounds=%d accounts=%d hydrated=%d (%s)\n",
			intField(fields, "sounds"), intField(fields, "accounts"), intField(fields, "hydrated"), formatShortDuration(dur),
		)
	case "fetch":
		p.workers = intField(fields, "workers")
		p.total = intField(fields, "accounts")
		fmt.Fprintf(p.w, "抓取: workers=%d accounts=%d\n\n", p.workers, p.total)
		if p.total > 0 && !p.tickerStarted {
			p.startTickerLocked()
		}
	case "resolve":
		p.stopTickerLocked()
		fmt.Fprintf(p.w, "\n补全: videos=%d excluded=%d lookups=%d enriched=%d cached=%d failed=%d (%s)\n",
			intField(fields, "videos"),
			intField(fields, "excluded"),
			intField(fields, "lookups"),
			intField(fields, "enriched"),
			intField(fields, "cached"),
			intField(fields, "failed"),
			formatShortDuration(dur),
		)
	case "match":
		fmt.Fprintf(p.w, "匹配: matched=%d recent=%d older=%d suggestions=%d (%s)\n",
			intField(fields, "matched"),
			intField(fields, "recent"),
			intField(fields, "older"),
			intField(fields, "suggestions"),
			formatShortDuration(dur),
		)
	default:
		fmt.Fprintf(p.w, "%s (%s)\n", name, formatShortDuration(dur))
	}

	p.lastPrinted = time.Now()
}

func (p *progressUI) OnAccountDone(idx, total int, res domain.AccountResult, hint string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done = idx
	p.total = total
	dur := time.Duration(res.DurationMS) * time.Millisecond

	if res.Status == domain.StatusFailed {
		p.fail++
		line := fmt.Sprintf("[%d/%d] %s %s %s: %s (%s)",
			idx, total, res.Account, tagFail("FAIL"), res.ErrorCode, truncate(res.ErrorMsg, 160), formatShortDuration(dur),
		)
		if res.VideosCached > 0 {
			line += fmt.Sprintf(" 使用缓存 %d 条", res.VideosCached)
		}
		fmt.Fprintln(p.w, line)
		if hint != "" {
			fmt.Fprintf(p.w, "        %s\n", tagDim("提示："+hint))
		}
	} else {
		p.ok++
		fmt.Fprintf(p.w, "[%d/%d] %s %s listed=%d new=%d cached=%d total=%d (%s)\n",
			idx, total, res.Account, tagOK("OK"), res.VideosListed, res.VideosNew, res.VideosCached, res.VideosTotal, formatShortDuration(dur),
		)
	}

	p.lastPrinted = time.Now()
	if p.done >= p.total {
		p.stopTickerLocked()
	}
}

// OnResolveProgress 节流输出：最多每 resolveInterval 一行，最后一条总会输出。
func (p *progressUI) OnResolveProgress(pr resolver.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.resolveTotal = pr.Total
	final := pr.Done >= pr.Total
	if !final && time.Since(p.lastResolveOut) < p.resolveInterval {
		return
	}
	fmt.Fprintf(p.w, "补全进度: %d/%d enriched=%d failed=%d elapsed=%s\n",
		pr.Done, pr.Total, pr.Enriched, pr.Failed, formatElapsed(time.Since(p.startedAt)),
	)
	p.lastResolveOut = time.Now()
	p.lastPrinted = p.lastResolveOut
}

func (p *progressUI) startTickerLocked() {
	p.stopCh = make(chan struct{})
	p.tickerStarted = true

	interval := p.tickerInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	threshold := p.keepaliveThreshold
	if threshold <= 0 {
		threshold = 6 * time.Second
	}
	stop := p.stopCh

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				p.mu.Lock()
				if p.total > 0 && time.Since(p.lastPrinted) > threshold {
					active := p.workers
					if remain := p.total - p.done; remain < active {
						active = remain
					}
					fmt.Fprintf(p.w, "进度: accounts=%d/%d ok=%d fail=%d active=%d elapsed=%s\n",
						p.done, p.total, p.ok, p.fail, active, formatElapsed(time.Since(p.startedAt)),
					)
					p.lastPrinted = time.Now()
				}
				p.mu.Unlock()
			case <-stop:
				return
			}
		}
	}()
}

func (p *progressUI) stopTickerLocked() {
	if !p.tickerStarted {
		return
	}
	close(p.stopCh)
	p.tickerStarted = false
}

func resolutionCacheLabel(redisURL string) string {
	if strings.TrimSpace(redisURL) == "" {
		return "file (cache/resolved.json)"
	}
	return "redis (" + formatProxy(redisURL) + ")"
}

// formatProxy 只展示 scheme/host 与是否带认证，避免把密码打到终端。
func formatProxy(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "off"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "on (invalid)"
	}
	auth := "off"
	if u.User != nil {
		auth = "on"
	}
	return fmt.Sprintf("on (%s://%s, auth=%s)", u.Scheme, u.Host, auth)
}

func truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	if limit <= 0 || len(s) <= limit {
		return s
	}
	if limit <= 3 {
		return s[:limit]
	}
	return s[:limit-3] + "..."
}

func formatShortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int(d.Seconds())
	return fmt.Sprintf("%02d:%02d:%02d", sec/3600, (sec%3600)/60, sec%60)
}

func intField(fields map[string]any, key string) int {
	switch x := fields[key].(type) {
	case int:
		return x
	case int64:
		return int(x)
	case uint:
		return int(x)
	default:
		return 0
	}
}
