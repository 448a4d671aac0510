package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/Risingtides-dev/jake/internal/app/run"
	"github.com/Risingtides-dev/jake/internal/config"
	"github.com/Risingtides-dev/jake/internal/domain"
	"github.com/Risingtides-dev/jake/internal/infra/cache"
	"github.com/Risingtides-dev/jake/internal/infra/fsx"
	"github.com/Risingtides-dev/jake/internal/infra/httpx"
	"github.com/Risingtides-dev/jake/internal/outcome"
	"github.com/Risingtides-dev/jake/internal/source"
	"github.com/Risingtides-dev/jake/internal/source/tiktok"
)

func main() {
	args := os.Args[1:]
	if len(args) == 0 || isHelp(args[0]) {
		printUsage()
		return
	}

	var code int
	switch args[0] {
	case "run":
		code = runCmd(args[1:])
	case "history":
		code = historyCmd(args[1:])
	case "invalidate":
		code = invalidateCmd(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "未知命令：%q\n\n", args[0])
		printUsage()
		code = 2
	}
	if code != 0 {
		os.Exit(code)
	}
}

func runCmd(args []string) int {
	for _, a := range args {
		if isHelp(a) {
			printRunUsage()
			return 0
		}
	}

	ra, err := parseRunArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "参数错误：%v\n\n", err)
		printRunUsage()
		return 2
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取当前目录失败：%v\n", err)
		return 1
	}
	cwdAbs, _ := filepath.Abs(cwd)

	eff, err := config.LoadEffective(cwd, config.CLIArgs{
		Path:     ra.Path,
		Since:    ra.Since,
		SinceSet: ra.SinceSet,
		Limit:    ra.Limit,
		LimitSet: ra.LimitSet,
		Apply:    ra.Apply,
		ApplySet: ra.ApplySet,
	})
	if err != nil {
		emitReport(failedReport(cwdAbs, !(ra.ApplySet && ra.Apply), config.Code(err), err.Error()))
		return 1
	}
	setupLogging(eff.LogLevel)

	reg, err := newSourceRegistry(eff)
	if err != nil {
		emitReport(failedReport(eff.Path, !eff.Apply, domain.ErrCodeSourceUnavailable, err.Error()))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	progressW, interactive := pickProgressWriter()
	var obs run.Observer
	if interactive {
		obs = newProgressUI(progressW)
	}

	rr := run.ExecuteWithObserver(ctx, eff, reg, obs)

	// apply：写入 <path>/cache/report.json 并归档一份；dry-run 禁止落盘。
	if eff.Apply {
		if err := writeReportFiles(eff.Path, rr); err != nil {
			fmt.Fprintf(os.Stderr, "写入 report.json 失败：%v\n", err)
			if hint := writeFailureHint(err); hint != "" {
				fmt.Fprintf(os.Stderr, "提示：%s\n", hint)
			}
			emitReport(rr)
			return 1
		}
	}

	emitReport(rr)
	if interactive {
		emitLocations(progressW, eff)
	}
	if rr.Failed() || rr.Summary.AccountsFailed > 0 {
		return 1
	}
	return 0
}

func newSourceRegistry(eff config.EffectiveConfig) (source.Registry, error) {
	client, err := httpx.NewDetailClient(httpx.Options{
		ProxyURL:   eff.ProxyURL,
		Timeout:    eff.LookupTimeout,
		RatePerSec: eff.RatePerSec,
	})
	if err != nil {
		return source.Registry{}, fmt.Errorf("proxy.url 无效：%w", err)
	}
	tt, err := tiktok.New(tiktok.Options{
		YtDlpPath:   eff.YtDlp,
		ProxyURL:    eff.ProxyURL,
		ListTimeout: eff.ListTimeout,
		Client:      client,
		Log:         slog.Default(),
	})
	if err != nil {
		return source.Registry{}, err
	}
	return source.NewRegistry(tt)
}

type runArgs struct {
	Path     string
	Since    string
	SinceSet bool
	Limit    int
	LimitSet bool
	Apply    bool
	ApplySet bool
}

func parseRunArgs(args []string) (runArgs, error) {
	ra := runArgs{}

	value := func(i *int, name string) (string, error) {
		if *i+1 >= len(args) {
			return "", fmt.Errorf("%s 需要一个值", name)
		}
		*i++
		return args[*i], nil
	}

	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--since" || strings.HasPrefix(a, "--since="):
			v, ok := strings.CutPrefix(a, "--since=")
			if !ok {
				var err error
				if v, err = value(&i, "--since"); err != nil {
					return runArgs{}, err
				}
			}
			if _, err := time.Parse("2006-01-02", v); err != nil {
				return runArgs{}, fmt.Errorf("--since 必须是 YYYY-MM-DD，实际是 %q", v)
			}
			ra.Since, ra.SinceSet = v, true
		case a == "--limit" || strings.HasPrefix(a, "--limit="):
			v, ok := strings.CutPrefix(a, "--limit=")
			if !ok {
				var err error
				if v, err = value(&i, "--limit"); err != nil {
					return runArgs{}, err
				}
			}
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				return runArgs{}, fmt.Errorf("--limit 必须是正整数，实际是 %q", v)
			}
			ra.Limit, ra.LimitSet = n, true
		case a == "--apply":
			ra.Apply = true
			ra.ApplySet = true
		case strings.HasPrefix(a, "--apply="):
			v := strings.TrimPrefix(a, "--apply=")
			switch v {
			case "true":
				ra.Apply = true
			case "false":
				ra.Apply = false
			default:
				return runArgs{}, fmt.Errorf("--apply 只能是 true 或 false，实际是 %q", v)
			}
			ra.ApplySet = true
		case strings.HasPrefix(a, "-"):
			return runArgs{}, fmt.Errorf("未知参数 %q", a)
		default:
			if ra.Path != "" {
				return runArgs{}, fmt.Errorf("重复的 path：%q 与 %q", ra.Path, a)
			}
			ra.Path = a
		}
	}
	return ra, nil
}

// historyCmd 打印某账号最近的抓取结果，或最近的运行汇总（来自 outcome 日志）。
func historyCmd(args []string) int {
	if len(args) == 0 || isHelp(args[0]) {
		printHistoryUsage()
		return 0
	}
	listRuns, rest := takeFlag(args, "--runs")
	var (
		account domain.Account
		path    string
		n       int
		err     error
	)
	if listRuns {
		path, n, err = parseRunsArgs(rest)
	} else {
		account, path, n, err = parseAccountArgs(rest, true)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "参数错误：%v\n\n", err)
		printHistoryUsage()
		return 2
	}
	eff, ok := loadForAccountCmd(path)
	if !ok {
		return 1
	}
	if _, err := os.Stat(eff.OutcomeDB); err != nil {
		fmt.Fprintf(os.Stderr, "没有抓取日志（%s）：需要先用 --apply 运行一次\n", eff.OutcomeDB)
		return 1
	}

	st, err := outcome.Open(eff.OutcomeDB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "打开抓取日志失败：%v\n", err)
		return 1
	}
	defer st.Close()

	if listRuns {
		runs, err := st.Runs(context.Background(), n)
		if err != nil {
			fmt.Fprintf(os.Stderr, "读取运行记录失败：%v\n", err)
			return 1
		}
		if runs == nil {
			runs = []outcome.Run{}
		}
		if !isTTY(os.Stdout) {
			_ = json.NewEncoder(os.Stdout).Encode(runs)
			return 0
		}
		printRuns(os.Stdout, runs)
		return 0
	}

	rows, err := st.Recent(context.Background(), account, n)
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取抓取日志失败：%v\n", err)
		return 1
	}
	if rows == nil {
		rows = []outcome.Outcome{}
	}

	if !isTTY(os.Stdout) {
		_ = json.NewEncoder(os.Stdout).Encode(rows)
		return 0
	}
	printHistory(os.Stdout, account, rows)
	return 0
}

func printHistory(w io.Writer, account domain.Account, rows []outcome.Outcome) {
	if len(rows) == 0 {
		fmt.Fprintf(w, "%s 没有抓取记录\n", account)
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "时间\t状态\t列出\t新增\t缓存\t耗时\t错误")
	for _, o := range rows {
		errText := ""
		if o.ErrorCode != "" {
			errText = o.ErrorCode + ": " + truncate(o.ErrorMsg, 80)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			o.RecordedAt.Local().Format("2006-01-02 15:04"), o.Status,
			o.VideosFound, o.NewVideos, o.CachedVideos,
			formatShortDuration(time.Duration(o.DurationMS)*time.Millisecond), errText,
		)
	}
	_ = tw.Flush()
}

func printRuns(w io.Writer, runs []outcome.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "没有运行记录")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "开始\t耗时\t模式\t状态\t匹配\t近期\t较早\trun_id")
	for _, r := range runs {
		mode := "apply"
		if r.DryRun {
			mode = "dry-run"
		}
		status := r.Status
		if r.ErrorCode != "" {
			status += " (" + r.ErrorCode + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04"), formatShortDuration(r.FinishedAt.Sub(r.StartedAt)),
			mode, status, r.MatchedTotal, r.RecentCount, r.OlderCount, r.RunID,
		)
	}
	_ = tw.Flush()
}

// invalidateCmd 删除某账号的增量缓存（缓存覆盖的时间范围不足以满足新的 since 时使用）。
func invalidateCmd(args []string) int {
	if len(args) == 0 || isHelp(args[0]) {
		printInvalidateUsage()
		return 0
	}
	account, path, _, err := parseAccountArgs(args, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "参数错误：%v\n\n", err)
		printInvalidateUsage()
		return 2
	}
	eff, ok := loadForAccountCmd(path)
	if !ok {
		return 1
	}
	store := cache.New(eff.Path, eff.Platform, false)
	if err := store.Invalidate(account); err != nil {
		fmt.Fprintf(os.Stderr, "删除缓存失败：%v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "已删除 %s 的缓存\n", account)
	return 0
}

func parseAccountArgs(args []string, allowLimit bool) (domain.Account, string, int, error) {
	var (
		account domain.Account
		path    string
		n       = 10
	)
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case allowLimit && strings.HasPrefix(a, "--limit="):
			v, err := strconv.Atoi(strings.TrimPrefix(a, "--limit="))
			if err != nil || v < 1 {
				return "", "", 0, fmt.Errorf("--limit 必须是正整数")
			}
			n = v
		case strings.HasPrefix(a, "-"):
			return "", "", 0, fmt.Errorf("未知参数 %q", a)
		case account == "":
			acc, ok := domain.ParseAccount(a)
			if !ok {
				return "", "", 0, fmt.Errorf("无效账号：%q", a)
			}
			account = acc
		case path == "":
			path = a
		default:
			return "", "", 0, fmt.Errorf("多余的参数 %q", a)
		}
	}
	if account == "" {
		return "", "", 0, fmt.Errorf("缺少账号")
	}
	return account, path, n, nil
}

// parseRunsArgs 解析 history --runs 的其余参数：[path] [--limit=N]。
func parseRunsArgs(args []string) (string, int, error) {
	path, n := "", 10
	for _, a := range args {
		switch {
		case strings.HasPrefix(a, "--limit="):
			v, err := strconv.Atoi(strings.TrimPrefix(a, "--limit="))
			if err != nil || v < 1 {
				return "", 0, fmt.Errorf("--limit 必须是正整数")
			}
			n = v
		case strings.HasPrefix(a, "-"):
			return "", 0, fmt.Errorf("未知参数 %q", a)
		case path == "":
			path = a
		default:
			return "", 0, fmt.Errorf("多余的参数 %q", a)
		}
	}
	return path, n, nil
}

// takeFlag 从 args 中移除所有 name，返回是否出现过。
func takeFlag(args []string, name string) (bool, []string) {
	found := false
	rest := make([]string, 0, len(args))
	for _, a := range args {
		if a == name {
			found = true
			continue
		}
		rest = append(rest, a)
	}
	return found, rest
}

func loadForAccountCmd(path string) (config.EffectiveConfig, bool) {
	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取当前目录失败：%v\n", err)
		return config.EffectiveConfig{}, false
	}
	eff, err := config.LoadEffective(cwd, config.CLIArgs{Path: path})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return config.EffectiveConfig{}, false
	}
	setupLogging(eff.LogLevel)
	return eff, true
}

func setupLogging(level slog.Level) {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(h))
}

func isHelp(s string) bool {
	return s == "-h" || s == "--help" || s == "help"
}

func printUsage() {
	fmt.Fprint(os.Stdout, `用法：
  jake run [path] [--since YYYY-MM-DD] [--limit N] [--apply[=true|false]]
  jake history <account> [path] [--limit=N]
  jake history --runs [path] [--limit=N]
  jake invalidate <account> [path]

命令：
  run         抓取名单账号的视频并匹配登记表中的声音（默认 dry-run）
  history     查看某账号最近的抓取结果（--runs 查看运行汇总）
  invalidate  删除某账号的增量缓存

使用 "jake <命令> --help" 查看详细说明。
`)
}

func printRunUsage() {
	fmt.Fprint(os.Stdout, `用法：
  jake run [path] [--since YYYY-MM-DD] [--limit N] [--apply[=true|false]]

参数：
  --since     日期下限（默认 30 天前；早于 25 天时 limit 自动提升到 2000）
  --limit     每个账号最多列出的视频数（默认 500）
  --apply     写入缓存、抓取日志与 report.json（默认 dry-run）；支持 --apply=false 覆盖配置中的 apply=true
  -h, --help  显示帮助
`)
}

func printHistoryUsage() {
	fmt.Fprint(os.Stdout, `用法：
  jake history <account> [path] [--limit=N]
  jake history --runs [path] [--limit=N]

输出某账号最近 N 次（默认 10）抓取结果；--runs 输出最近 N 次运行汇总。
stdout 非 TTY 时输出 JSON。
`)
}

func printInvalidateUsage() {
	fmt.Fprint(os.Stdout, `用法：
  jake invalidate <account> [path]

删除 <path>/cache/accounts 下该账号的缓存；下次运行会按 since 重新抓取。
`)
}

func summaryLine(rr domain.RunReport) string {
	s := rr.Summary
	line := fmt.Sprintf("完成：matched=%d recent=%d older=%d accounts=%d/%d failed=%d",
		s.MatchedTotal, s.RecentCount, s.OlderCount, s.AccountsProcessed, s.AccountsTotal, s.AccountsFailed,
	)
	if rr.Failed() {
		line += fmt.Sprintf(" status=failed %s: %s", rr.ErrorCode, rr.ErrorMsg)
	}
	return line
}

func emitReport(rr domain.RunReport) {
	if isTTY(os.Stdout) {
		fmt.Fprintln(os.Stdout, summaryLine(rr))
		for _, a := range rr.Accounts {
			if a.Status != domain.StatusFailed {
				continue
			}
			fmt.Fprintf(os.Stderr, "%s %s: %s\n", a.Account, a.ErrorCode, a.ErrorMsg)
		}
		return
	}

	// stdout 非 TTY：stdout 必须且仅输出一个 RunReport JSON（日志/摘要走 stderr）。
	enc := json.NewEncoder(os.Stdout)
	_ = enc.Encode(rr)
	fmt.Fprintln(os.Stderr, summaryLine(rr))
}

func failedReport(path string, dryRun bool, code, msg string) domain.RunReport {
	now := time.Now().UTC()
	rr := domain.RunReport{
		Path:       path,
		DryRun:     dryRun,
		StartedAt:  now,
		FinishedAt: now,
		Status:     domain.StatusFailed,
		ErrorCode:  code,
		ErrorMsg:   msg,
	}
	rr.Finalize()
	return rr
}

// writeReportFiles 原子替换 cache/report.json，并在 cache/reports/<run_id>.json 归档（不覆盖）。
func writeReportFiles(root string, rr domain.RunReport) error {
	b, err := json.MarshalIndent(rr, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	dir := filepath.Join(root, "cache")
	if err := fsx.WriteFileAtomic(dir, "report.json", b); err != nil {
		return err
	}
	if rr.RunID == "" {
		return nil
	}
	return fsx.WriteFileAtomicNoOverwrite(filepath.Join(dir, "reports"), rr.RunID+".json", b)
}

// writeFailureHint 把 fsx 的落盘错误翻译成给操作者的处理建议。
func writeFailureHint(err error) string {
	switch {
	case fsx.IsCrossDevice(err):
		return "cache/ 目录所在的文件系统在运行中发生了变化（挂载点被替换？），请确认 <path>/cache 可写后重试"
	case fsx.IsPathTypeConflict(err):
		return "报告路径被同名目录占用，请手动移除后重试"
	default:
		return ""
	}
}

func isTTY(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func pickProgressWriter() (io.Writer, bool) {
	// 进度输出只在交互终端启用；默认走 stderr（不污染 stdout JSON）。
	if isTTY(os.Stderr) {
		return os.Stderr, true
	}
	if isTTY(os.Stdout) {
		return os.Stdout, true
	}
	return nil, false
}

func emitLocations(w io.Writer, eff config.EffectiveConfig) {
	if w == nil || !eff.Apply {
		return
	}
	fmt.Fprintf(w, "report: %s\n", filepath.Join(eff.Path, "cache", "report.json"))
	fmt.Fprintf(w, "outcomes: %s\n", eff.OutcomeDB)
}
