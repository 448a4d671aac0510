package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const FileName = "jake.json"

const (
	// ErrCodeNotFound 表示无参运行但 cwd 下没有 jake.json。
	ErrCodeNotFound = "config_not_found"
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = "config_invalid"
	// ErrCodeMissingPath 表示无参运行但配置文件缺少 path 字段。
	ErrCodeMissingPath = "config_missing_path"
)

const (
	DefaultPlatform    = "tiktok"
	DefaultSoundsCSV   = "sounds.csv"
	DefaultAccountsCSV = "accounts.csv"
	DefaultSinceDays   = 30
	DefaultLimit       = 500
	DefaultWindowHours = 24
	DefaultConcurrency = 4
	DefaultWorkers     = 10
	DefaultLogLevel    = "warn"

	// 日期下限早于 now-AutoLimitDays 且未显式配置 limit 时，limit 提升到 AutoLimit。
	AutoLimitDays = 25
	AutoLimit     = 2000
)

var (
	DefaultListTimeout   = 600 * time.Second
	DefaultMinDelay      = 2 * time.Second
	DefaultMaxDelay      = 10 * time.Second
	DefaultLookupTimeout = 30 * time.Second
)

// now 仅用于测试注入。
var now = time.Now

// CLIArgs 只包含 CLI 暴露的入口，并保留“是否显式指定”的信息，
// 例如 --apply=false 必须能覆盖 config.apply=true。
type CLIArgs struct {
	Path string

	Since    string
	SinceSet bool

	Limit    int
	LimitSet bool

	Apply    bool
	ApplySet bool
}

// FileConfig 对应 jake.json；带 env 标签的字段可被环境变量覆盖。
type FileConfig struct {
	Path        string `json:"path"`
	Platform    string `json:"platform"`
	SoundsCSV   string `json:"sounds_csv"`
	AccountsCSV string `json:"accounts_csv"`

	Since       string `json:"since"`
	Limit       int    `json:"limit"`
	WindowHours int    `json:"window_hours"`
	Concurrency int    `json:"concurrency"`
	Apply       *bool  `json:"apply"`

	Resolver    ResolverConfig `json:"resolver"`
	ListTimeout string         `json:"list_timeout"`
	RunTimeout  string         `json:"run_timeout"`

	Proxy     ProxyConfig `json:"proxy"`
	RedisURL  string      `json:"redis_url" env:"JAKE_REDIS_URL"`
	OutcomeDB string      `json:"outcome_db" env:"JAKE_OUTCOME_DB"`

	ResolveRegistryLinks bool     `json:"resolve_registry_links"`
	FilteredArtists      []string `json:"filtered_artists"`
	FilteredSongs        []string `json:"filtered_songs"`

	YtDlp    string `json:"ytdlp" env:"JAKE_YTDLP"`
	LogLevel string `json:"log_level" env:"JAKE_LOG_LEVEL"`
}

type ProxyConfig struct {
	URL string `json:"url" env:"JAKE_PROXY_URL"`
}

type ResolverConfig struct {
	Workers     int     `json:"workers"`
	MaxAttempts int     `json:"max_attempts"`
	MinDelay    string  `json:"min_delay"`
	MaxDelay    string  `json:"max_delay"`
	Timeout     string  `json:"timeout"`
	RatePerSec  float64 `json:"rate_per_sec"`
}

// EffectiveConfig 是合并并规范化后的最终配置（实现层直接消费，不再做二次默认/优先级判断）。
type EffectiveConfig struct {
	Path     string
	Platform string

	SoundsCSV   string // 绝对路径
	AccountsCSV string // 绝对路径；文件不存在时名单回退为登记表中的账号

	Since       time.Time // UTC 零点
	Limit       int
	WindowHours int
	Concurrency int
	Apply       bool

	ResolverWorkers int
	MaxAttempts     int
	MinDelay        time.Duration
	MaxDelay        time.Duration
	LookupTimeout   time.Duration
	RatePerSec      float64

	ListTimeout time.Duration
	RunTimeout  time.Duration // 0 表示不设整体超时

	ProxyURL  string
	RedisURL  string
	OutcomeDB string

	ResolveRegistryLinks bool
	FilteredArtists      []string
	FilteredSongs        []string

	YtDlp    string
	LogLevel slog.Level
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeMissingPath:
		return fmt.Sprintf("%s：配置文件 %q 缺少必填字段 path", e.Code, e.Path)
	case ErrCodeInvalid:
		if e.Err != nil {
			return fmt.Sprintf("%s：配置 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// LoadEffective 发现并读取配置文件，叠加环境变量，再与 CLI 参数合并为最终配置。
//
// 发现规则：
// 1) CLI 提供 path：尝试读取 <path>/jake.json（可选）
// 2) CLI 未提供 path：必须读取 <cwd>/jake.json（必选），且其中必须包含 path
//
// 覆盖优先级：CLI > 环境变量 > 配置文件 > 默认值。
func LoadEffective(cwd string, cli CLIArgs) (EffectiveConfig, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	if strings.TrimSpace(cli.Path) != "" {
		absPath := absCleanFrom(cwdAbs, cli.Path)
		cfgPath := filepath.Join(absPath, FileName)
		fc, _, err := readFileConfig(cfgPath)
		if err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
		return merge(absPath, cli, fc, cfgPath)
	}

	cfgPath := filepath.Join(cwdAbs, FileName)
	fc, exists, err := readFileConfig(cfgPath)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	if !exists {
		return EffectiveConfig{}, &Error{Code: ErrCodeNotFound, Path: cfgPath, Err: os.ErrNotExist}
	}
	if strings.TrimSpace(fc.Path) == "" {
		return EffectiveConfig{}, &Error{Code: ErrCodeMissingPath, Path: cfgPath}
	}
	return merge(absCleanFrom(cwdAbs, fc.Path), cli, fc, cfgPath)
}

func merge(absPath string, cli CLIArgs, fc FileConfig, cfgPath string) (EffectiveConfig, error) {
	invalid := func(format string, args ...any) (EffectiveConfig, error) {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf(format, args...)}
	}

	eff := EffectiveConfig{
		Path:                 absPath,
		Platform:             strings.ToLower(orDefault(fc.Platform, DefaultPlatform)),
		SoundsCSV:            absCleanFrom(absPath, orDefault(fc.SoundsCSV, DefaultSoundsCSV)),
		AccountsCSV:          absCleanFrom(absPath, orDefault(fc.AccountsCSV, DefaultAccountsCSV)),
		RedisURL:             strings.TrimSpace(fc.RedisURL),
		ResolveRegistryLinks: fc.ResolveRegistryLinks,
		FilteredArtists:      append([]string(nil), fc.FilteredArtists...),
		FilteredSongs:        append([]string(nil), fc.FilteredSongs...),
		YtDlp:                strings.TrimSpace(fc.YtDlp),
	}

	// since：CLI > config > 默认（30 天前）
	today := now().UTC().Truncate(24 * time.Hour)
	eff.Since = today.AddDate(0, 0, -DefaultSinceDays)
	since := strings.TrimSpace(fc.Since)
	if cli.SinceSet {
		since = strings.TrimSpace(cli.Since)
	}
	if since != "" {
		d, err := time.Parse("2006-01-02", since)
		if err != nil {
			return invalid("since 必须是 YYYY-MM-DD：%q", since)
		}
		eff.Since = d
	}

	// limit：CLI > config > 默认；未显式指定且下限足够早时自动提升。
	limitSet := cli.LimitSet || fc.Limit != 0
	eff.Limit = fc.Limit
	if cli.LimitSet {
		eff.Limit = cli.Limit
	}
	if !limitSet {
		eff.Limit = DefaultLimit
		if !eff.Since.After(today.AddDate(0, 0, -AutoLimitDays)) {
			eff.Limit = AutoLimit
		}
	}
	if eff.Limit < 1 {
		return invalid("limit 必须 >= 1：%d", eff.Limit)
	}

	// apply：CLI > config > 默认 false
	if cli.ApplySet {
		eff.Apply = cli.Apply
	} else if fc.Apply != nil {
		eff.Apply = *fc.Apply
	}

	eff.WindowHours = fc.WindowHours
	if eff.WindowHours == 0 {
		eff.WindowHours = DefaultWindowHours
	}
	if eff.WindowHours < 0 {
		return invalid("window_hours 不能为负数：%d", eff.WindowHours)
	}

	eff.Concurrency = clamp(orDefaultInt(fc.Concurrency, DefaultConcurrency), 1, 32)
	eff.ResolverWorkers = clamp(orDefaultInt(fc.Resolver.Workers, DefaultWorkers), 1, 64)
	eff.MaxAttempts = orDefaultInt(fc.Resolver.MaxAttempts, 3)
	if eff.MaxAttempts < 1 {
		return invalid("resolver.max_attempts 必须 >= 1：%d", eff.MaxAttempts)
	}
	if fc.Resolver.RatePerSec < 0 {
		return invalid("resolver.rate_per_sec 不能为负数")
	}
	eff.RatePerSec = fc.Resolver.RatePerSec

	durations := []struct {
		name string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"resolver.min_delay", fc.Resolver.MinDelay, DefaultMinDelay, &eff.MinDelay},
		{"resolver.max_delay", fc.Resolver.MaxDelay, DefaultMaxDelay, &eff.MaxDelay},
		{"resolver.timeout", fc.Resolver.Timeout, DefaultLookupTimeout, &eff.LookupTimeout},
		{"list_timeout", fc.ListTimeout, DefaultListTimeout, &eff.ListTimeout},
		{"run_timeout", fc.RunTimeout, 0, &eff.RunTimeout},
	}
	for _, d := range durations {
		v, err := parseDuration(d.raw, d.def)
		if err != nil {
			return invalid("%s 无效：%v", d.name, err)
		}
		*d.dst = v
	}
	if eff.MaxDelay < eff.MinDelay {
		return invalid("resolver.max_delay 不能小于 resolver.min_delay")
	}

	eff.ProxyURL = strings.TrimSpace(fc.Proxy.URL)
	if eff.ProxyURL != "" {
		u, err := url.Parse(eff.ProxyURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return invalid("proxy.url 无效：%q", eff.ProxyURL)
		}
	}
	if eff.RedisURL != "" {
		u, err := url.Parse(eff.RedisURL)
		if err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			return invalid("redis_url 必须是 redis:// 或 rediss://：%q", eff.RedisURL)
		}
	}

	eff.OutcomeDB = strings.TrimSpace(fc.OutcomeDB)
	if eff.OutcomeDB == "" {
		eff.OutcomeDB = filepath.Join(absPath, "cache", "outcomes.db")
	} else {
		eff.OutcomeDB = absCleanFrom(absPath, eff.OutcomeDB)
	}

	level, err := parseLevel(orDefault(fc.LogLevel, DefaultLogLevel))
	if err != nil {
		return invalid("%v", err)
	}
	eff.LogLevel = level

	return eff, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log_level 只能是 debug/info/warn/error，实际是 %q", s)
	}
}

func parseDuration(raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("不能为负数：%q", raw)
	}
	return d, nil
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return def
}

func orDefaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
func absCleanFrom(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = filepath.Clean(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

// readFileConfig 读取 JSON 配置文件并叠加环境变量。
// 返回值 exists 表示该文件是否存在（不存在不算错误，此时只读取环境变量）。
func readFileConfig(path string) (fc FileConfig, exists bool, err error) {
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return FileConfig{}, false, err
		}
		if err := cleanenv.ReadEnv(&fc); err != nil {
			return FileConfig{}, false, err
		}
		return fc, false, nil
	}
	if err := cleanenv.ReadConfig(path, &fc); err != nil {
		return FileConfig{}, true, err
	}
	return fc, true, nil
}
