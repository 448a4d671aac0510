package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Risingtides-dev/jake/internal/domain"
	"github.com/Risingtides-dev/jake/internal/infra/fsx"
)

// FileResolutions 把“视频 URL -> 已校验的声音 ID”记在 <path>/cache/resolved.json。
//
// 视频的声音 ID 不会变化，因此只记成功结果；查询在内存中完成，Flush 时一次性原子落盘。
type FileResolutions struct {
	path     string
	readOnly bool
	log      *slog.Logger

	mu    sync.RWMutex
	m     map[string]domain.Resolution
	dirty bool
}

type resolvedFile struct {
	Version int                          `json:"version"`
	Entries map[string]domain.Resolution `json:"entries"`
}

// OpenFileResolutions 读取 resolved.json；缺失或损坏时从空表开始。
func OpenFileResolutions(root string, readOnly bool, log *slog.Logger) *FileResolutions {
	if log == nil {
		log = slog.Default()
	}
	f := &FileResolutions{
		path:     filepath.Join(filepath.Clean(root), "cache", "resolved.json"),
		readOnly: readOnly,
		log:      log,
		m:        map[string]domain.Resolution{},
	}

	b, err := os.ReadFile(f.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("cache: resolved read failed, starting empty", slog.String("path", f.path), slog.Any("error", err))
		}
		return f
	}
	var rf resolvedFile
	if err := json.Unmarshal(b, &rf); err != nil || rf.Version > schemaVersion {
		log.Warn("cache: resolved file unusable, starting empty", slog.String("path", f.path), slog.Any("error", err))
		return f
	}
	for k, v := range rf.Entries {
		if k != "" && v.SoundID != "" {
			f.m[k] = v
		}
	}
	return f
}

func (f *FileResolutions) Lookup(_ context.Context, videoURL string) (domain.Resolution, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, ok := f.m[videoURL]
	return r, ok
}

func (f *FileResolutions) Remember(_ context.Context, videoURL string, r domain.Resolution) error {
	if videoURL == "" || r.SoundID == "" {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if old, ok := f.m[videoURL]; ok && old == r {
		return nil
	}
	f.m[videoURL] = r
	f.dirty = true
	return nil
}

// Len 返回已记住的条目数。
func (f *FileResolutions) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.m)
}

// Flush 在有变更时原子写回；dry-run 下不落盘。
func (f *FileResolutions) Flush() error {
	if f.readOnly {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.dirty {
		return nil
	}
	b, err := json.Marshal(resolvedFile{Version: schemaVersion, Entries: f.m})
	if err != nil {
		return err
	}
	if err := fsx.WriteFileAtomic(filepath.Dir(f.path), filepath.Base(f.path), b); err != nil {
		return err
	}
	f.dirty = false
	return nil
}

// RedisResolutions 是跨主机共享的解析缓存（redis_url 配置时启用）。
type RedisResolutions struct {
	rdb      *redis.Client
	prefix   string
	ttl      time.Duration
	readOnly bool
	log      *slog.Logger
}

const defaultRedisPrefix = "jake:resolved:"

// NewRedisResolutions 连接 Redis 并做一次 Ping；失败时返回错误（由上层决定是否回退到文件缓存）。
func NewRedisResolutions(ctx context.Context, redisURL string, ttl time.Duration, readOnly bool, log *slog.Logger) (*RedisResolutions, error) {
	if log == nil {
		log = slog.Default()
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	log.Info("cache: redis resolutions connected", slog.String("addr", opts.Addr))
	return &RedisResolutions{rdb: rdb, prefix: defaultRedisPrefix, ttl: ttl, readOnly: readOnly, log: log}, nil
}

func (r *RedisResolutions) key(videoURL string) string { return r.prefix + videoURL }

func (r *RedisResolutions) Lookup(ctx context.Context, videoURL string) (domain.Resolution, bool) {
	b, err := r.rdb.Get(ctx, r.key(videoURL)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.log.Warn("cache: redis get failed", slog.String("url", videoURL), slog.Any("error", err))
		}
		return domain.Resolution{}, false
	}
	var res domain.Resolution
	if err := json.Unmarshal(b, &res); err != nil || res.SoundID == "" {
		return domain.Resolution{}, false
	}
	return res, true
}

func (r *RedisResolutions) Remember(ctx context.Context, videoURL string, res domain.Resolution) error {
	if r.readOnly || videoURL == "" || res.SoundID == "" {
		return nil
	}
	b, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, r.key(videoURL), b, r.ttl).Err()
}

// Flush 对 Redis 无需操作（写入是即时的）。
func (r *RedisResolutions) Flush() error { return nil }

func (r *RedisResolutions) Close() error { return r.rdb.Close() }
