package registry

import (
	"context"
	"log/slog"
	"strings"

	"github.com/Risingtides-dev/jake/internal/domain"
	"github.com/Risingtides-dev/jake/internal/match"
	"github.com/Risingtides-dev/jake/internal/resolver"
	"github.com/Risingtides-dev/jake/internal/source"
)

// Hydrate 为“有声音链接但提取不到 ID”的条目抓取声音页补全 ID（就地修改，顺序不变）。
// 单条失败只记录日志；返回成功补全的条数。
func Hydrate(ctx context.Context, sounds []domain.TrackedSound, mr source.MusicResolver, p resolver.Policy, log *slog.Logger) int {
	if mr == nil {
		return 0
	}
	if log == nil {
		log = slog.Default()
	}
	n := 0
	for i := range sounds {
		s := &sounds[i]
		if s.SoundID != nil || !strings.Contains(s.SongLink, "/") {
			continue
		}
		info, err := resolver.Do(ctx, p, func(ctx context.Context) (domain.MusicInfo, error) {
			return mr.ResolveMusic(ctx, s.SongLink)
		})
		if err != nil || !resolver.ValidSoundID(info.ID) {
			log.Warn("registry: music page lookup failed",
				slog.String("link", s.SongLink), slog.String("id", info.ID), slog.Any("error", err))
			continue
		}
		s.SoundID = domain.StrPtr(info.ID)
		if s.Song == "" && info.Title != "" {
			s.Song, s.Artist = info.Title, info.Author
			s.NormalizedSongKey = match.Key(s.Song, s.Artist)
		}
		n++
	}
	return n
}
