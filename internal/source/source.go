package source

import (
	"context"

	"github.com/Risingtides-dev/jake/internal/domain"
)

// Lister 返回某账号最近的至多 maxCount 条视频（有限序列，顺序不保证）。
//
// 约束：
// - 不做缓存、不做日期过滤（由 fetcher 统一负责）
// - 超时/非零退出/网络错误直接返回错误，由上层降级为账号级失败
type Lister interface {
	ListVideos(ctx context.Context, account domain.Account, maxCount int) ([]domain.RawVideoRecord, error)
}

// SoundResolver 通过抓取并解析视频详情页，返回权威的声音 ID 与标题。
//
// 页面正常但没有声音信息时返回 (nil, nil, nil)；ID 的数字校验由调用方负责。
// 不做重试（由 resolver.Policy 统一负责）。
type SoundResolver interface {
	ResolveSoundID(ctx context.Context, videoURL string) (soundID, title *string, err error)
}

// MusicResolver 解析声音页（music page），用于补全登记表中缺失的声音 ID。
type MusicResolver interface {
	ResolveMusic(ctx context.Context, musicURL string) (domain.MusicInfo, error)
}

// VideoSource 是一个平台的完整外部数据源。
type VideoSource interface {
	Name() string
	Lister
	SoundResolver
}
