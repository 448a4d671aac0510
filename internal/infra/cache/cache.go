package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Risingtides-dev/jake/internal/domain"
	"github.com/Risingtides-dev/jake/internal/infra/fsx"
)

// schemaVersion 是当前写出的缓存文件版本。
// 读取时接受 0（无 version 字段的早期文件）到 schemaVersion；更高版本视为不兼容。
const schemaVersion = 1

var ErrReadOnly = errors.New("cache: read-only")

// Store 提供 <path>/cache/accounts/ 下的按账号增量缓存。
//
// 约束：
// - 每个账号一个文件，互不影响；同一账号的写入在进程内串行
// - Load 永不失败：缺失/损坏/不兼容一律返回空状态（损坏会记 warning）
// - Save 原子替换：写入失败不会留下可读的半成品
// - dry-run：只允许读（ReadOnly=true）
type Store struct {
	Root     string // <path>
	Platform string
	ReadOnly bool
	Log      *slog.Logger

	locks sync.Map // domain.Account -> *sync.Mutex
}

func New(root, platform string, readOnly bool) *Store {
	return &Store{
		Root:     filepath.Clean(strings.TrimSpace(root)),
		Platform: strings.ToLower(strings.TrimSpace(platform)),
		ReadOnly: readOnly,
	}
}

type fileEntry struct {
	Version       int                     `json:"version"`
	Platform      string                  `json:"platform"`
	Account       domain.Account          `json:"account"`
	LastFetchDate *time.Time              `json:"last_fetch_date"`
	CachedAt      time.Time               `json:"cached_at"`
	Videos        []domain.RawVideoRecord `json:"videos"`
}

// Dir 返回账号缓存目录。
func (s *Store) Dir() string {
	return filepath.Join(s.Root, "cache", "accounts")
}

// Path 返回账号缓存文件的绝对路径。
func (s *Store) Path(account domain.Account) (string, error) {
	name, err := s.fileName(account)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.Dir(), name), nil
}

// Load 读取账号缓存。第二个返回值表示是否存在可用缓存。
func (s *Store) Load(account domain.Account) (domain.CacheEntry, bool) {
	path, err := s.Path(account)
	if err != nil {
		s.logger().Warn("cache: invalid account", slog.String("account", string(account)), slog.Any("error", err))
		return domain.CacheEntry{}, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger().Warn("cache: read failed, treating as empty", slog.String("path", path), slog.Any("error", err))
		}
		return domain.CacheEntry{}, false
	}

	var fe fileEntry
	if err := json.Unmarshal(b, &fe); err != nil {
		s.logger().Warn("cache: corrupt file, treating as empty", slog.String("path", path), slog.Any("error", err))
		s.quarantine(path)
		return domain.CacheEntry{}, false
	}
	if fe.Version > schemaVersion {
		s.logger().Warn("cache: unsupported schema version, treating as empty",
			slog.String("path", path), slog.Int("version", fe.Version), slog.Int("supported", schemaVersion))
		return domain.CacheEntry{}, false
	}
	if fe.Platform != "" && s.Platform != "" && fe.Platform != s.Platform {
		s.logger().Warn("cache: platform mismatch, treating as empty",
			slog.String("path", path), slog.String("platform", fe.Platform))
		return domain.CacheEntry{}, false
	}

	return domain.CacheEntry{
		Videos:        dedupByURL(fe.Videos),
		LastFetchDate: utcPtr(fe.LastFetchDate),
	}, true
}

// Save 原子写入账号缓存。
// LastFetchDate 不会倒退：若磁盘上已有更晚的值，则保留磁盘上的值。
func (s *Store) Save(account domain.Account, entry domain.CacheEntry) error {
	if s.ReadOnly {
		return ErrReadOnly
	}
	name, err := s.fileName(account)
	if err != nil {
		return err
	}

	mu := s.lockFor(account)
	mu.Lock()
	defer mu.Unlock()

	last := utcPtr(entry.LastFetchDate)
	if prev, ok := s.Load(account); ok && prev.LastFetchDate != nil {
		if last == nil || prev.LastFetchDate.After(*last) {
			last = prev.LastFetchDate
		}
	}

	fe := fileEntry{
		Version:       schemaVersion,
		Platform:      s.Platform,
		Account:       account,
		LastFetchDate: last,
		CachedAt:      time.Now().UTC(),
		Videos:        dedupByURL(entry.Videos),
	}
	b, err := json.Marshal(fe)
	if err != nil {
		return err
	}
	return fsx.WriteFileAtomic(s.Dir(), name, b)
}

// Invalidate 删除账号缓存（运维操作：缓存覆盖的时间范围不足以满足新的 date floor 时使用）。
func (s *Store) Invalidate(account domain.Account) error {
	if s.ReadOnly {
		return ErrReadOnly
	}
	path, err := s.Path(account)
	if err != nil {
		return err
	}
	mu := s.lockFor(account)
	mu.Lock()
	defer mu.Unlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Store) quarantine(path string) {
	if s.ReadOnly {
		return
	}
	if dst, err := fsx.Quarantine(path, ".corrupt"); err != nil {
		s.logger().Warn("cache: quarantine failed", slog.String("path", path), slog.Any("error", err))
	} else if dst != "" {
		s.logger().Info("cache: corrupt file moved aside", slog.String("path", dst))
	}
}

func (s *Store) lockFor(account domain.Account) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(account, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *Store) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

var usernameRE = regexp.MustCompile(`^[a-z0-9_.]+$`)

func (s *Store) fileName(account domain.Account) (string, error) {
	u := strings.ToLower(account.Username())
	if u == "" {
		return "", fmt.Errorf("account 不能为空")
	}
	// 最小约束：避免路径穿越（"." / ".." 也拒绝）。
	if !usernameRE.MatchString(u) || strings.Trim(u, ".") == "" {
		return "", fmt.Errorf("非法 account：%q", account)
	}
	platform := s.Platform
	if platform == "" {
		platform = "default"
	}
	return platform + "_" + u + "_cache.json", nil
}

func dedupByURL(in []domain.RawVideoRecord) []domain.RawVideoRecord {
	out := make([]domain.RawVideoRecord, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, v := range in {
		if v.URL == "" {
			continue
		}
		if _, ok := seen[v.URL]; ok {
			continue
		}
		seen[v.URL] = struct{}{}
		out = append(out, v)
	}
	return out
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
