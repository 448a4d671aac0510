// Package tiktok 实现 TikTok 平台的数据源：
// 列表走 yt-dlp，声音补全走详情页 HTML。
package tiktok

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Risingtides-dev/jake/internal/domain"
)

const Name = "tiktok"

type Options struct {
	YtDlpPath   string
	ProxyURL    string
	ListTimeout time.Duration
	Client      *http.Client // 详情页客户端（见 httpx.NewDetailClient）
	Log         *slog.Logger
}

// Source 组合 Lister 与 Detail。
type Source struct {
	lister *Lister
	detail Detail
}

func New(opts Options) (*Source, error) {
	if opts.Client == nil {
		return nil, errors.New("tiktok: http client 不能为空")
	}
	return &Source{
		lister: &Lister{
			Executable: opts.YtDlpPath,
			ProxyURL:   opts.ProxyURL,
			Timeout:    opts.ListTimeout,
			Log:        opts.Log,
		},
		detail: Detail{Client: opts.Client},
	}, nil
}

func (*Source) Name() string { return Name }

func (s *Source) ListVideos(ctx context.Context, account domain.Account, maxCount int) ([]domain.RawVideoRecord, error) {
	return s.lister.ListVideos(ctx, account, maxCount)
}

func (s *Source) ResolveSoundID(ctx context.Context, videoURL string) (*string, *string, error) {
	return s.detail.ResolveSoundID(ctx, videoURL)
}

func (s *Source) ResolveMusic(ctx context.Context, musicURL string) (domain.MusicInfo, error) {
	return s.detail.ResolveMusic(ctx, musicURL)
}
