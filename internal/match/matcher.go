// Package match 把视频归属到登记表中的被追踪声音。
//
// 策略按固定优先级尝试，第一个命中的决定结果：
//  1. resolved_id：详情页得到的声音 ID
//  2. listing_id：列表阶段上报的声音 ID
//  3. exact_key：规范化 "title - artist" 完全相等（需账号授权）
//  4. prefix_alias：歌名互为词边界前缀且艺人一致（需账号授权）
//
// 每个策略在登记表顺序中取第一个满足条件的条目。
package match

import (
	"strings"

	"github.com/Risingtides-dev/jake/internal/domain"
)

type songKey struct {
	song   string
	artist string
}

type entry struct {
	sound domain.TrackedSound
	keys  []songKey // 主 key + 别名
}

// Options 控制匹配前的排除规则。
type Options struct {
	FilteredArtists []string
	FilteredSongs   []string
}

type Matcher struct {
	entries []entry
	byID    map[string]int // sound id -> 第一个条目的下标

	excludedArtists map[string]struct{}
	excludedSongs   map[string]struct{}
}

func New(registry []domain.TrackedSound, opts Options) *Matcher {
	m := &Matcher{
		entries:         make([]entry, 0, len(registry)),
		byID:            make(map[string]int, len(registry)),
		excludedArtists: make(map[string]struct{}, len(opts.FilteredArtists)),
		excludedSongs:   make(map[string]struct{}, len(opts.FilteredSongs)),
	}
	for _, s := range registry {
		e := entry{sound: s}
		if song, artist := soundKey(s); song != "" {
			e.keys = append(e.keys, songKey{song, artist})
		}
		for _, a := range s.Aliases {
			if song, artist := SplitKey(a); song != "" {
				e.keys = append(e.keys, songKey{song, artist})
			}
		}
		if id := domain.StrVal(s.SoundID); id != "" {
			if _, dup := m.byID[id]; !dup {
				m.byID[id] = len(m.entries)
			}
		}
		m.entries = append(m.entries, e)
	}
	for _, a := range opts.FilteredArtists {
		if a = NormalizeArtist(a); a != "" {
			m.excludedArtists[a] = struct{}{}
		}
	}
	for _, s := range opts.FilteredSongs {
		if s = NormalizeTitle(s); s != "" {
			m.excludedSongs[s] = struct{}{}
		}
	}
	return m
}

// soundKey 优先使用 Song/Artist 字段，缺失时回退解析 NormalizedSongKey。
func soundKey(s domain.TrackedSound) (string, string) {
	if strings.TrimSpace(s.Song) != "" {
		return NormalizeTitle(s.Song), NormalizeArtist(s.Artist)
	}
	if s.NormalizedSongKey != "" {
		return SplitKey(s.NormalizedSongKey)
	}
	return "", ""
}

// Match 返回视频命中的被追踪声音；未命中返回 false。
func (m *Matcher) Match(v domain.EnrichedVideoRecord) (domain.MatchResult, bool) {
	if id := domain.StrVal(v.ResolvedSoundID); id != "" {
		if i, ok := m.byID[id]; ok {
			return m.result(v, i, domain.StrategyResolvedID), true
		}
	}
	if id := strings.TrimSpace(domain.StrVal(v.RawSoundID)); id != "" {
		if i, ok := m.byID[id]; ok {
			return m.result(v, i, domain.StrategyListingID), true
		}
	}

	vk, ok := videoKey(v)
	if !ok {
		return domain.MatchResult{}, false
	}
	for i, e := range m.entries {
		if !e.sound.Authorizes(v.Account) {
			continue
		}
		for _, k := range e.keys {
			if k == vk {
				return m.result(v, i, domain.StrategyExactKey), true
			}
		}
	}
	for i, e := range m.entries {
		if !e.sound.Authorizes(v.Account) {
			continue
		}
		for _, k := range e.keys {
			if prefixOnWord(vk.song, k.song) && artistsAgree(vk.artist, k.artist) {
				return m.result(v, i, domain.StrategyPrefix), true
			}
		}
	}
	return domain.MatchResult{}, false
}

func (m *Matcher) result(v domain.EnrichedVideoRecord, i int, s domain.Strategy) domain.MatchResult {
	return domain.MatchResult{Video: v, Sound: m.entries[i].sound, Strategy: s}
}

// videoKey 取视频的规范化 key；列表标题为空时回退详情页的声音标题。
func videoKey(v domain.EnrichedVideoRecord) (songKey, bool) {
	title := v.TrackTitle
	if strings.TrimSpace(title) == "" {
		title = domain.StrVal(v.ResolvedSoundTitle)
	}
	k := songKey{song: NormalizeTitle(title), artist: NormalizeArtist(v.ArtistName)}
	return k, k.song != ""
}

// Excluded 判断视频是否被排除列表过滤（艺人整体或任一合作艺人命中，或歌名命中）。
func (m *Matcher) Excluded(v domain.RawVideoRecord) bool {
	if len(m.excludedArtists) > 0 {
		if _, ok := m.excludedArtists[NormalizeArtist(v.ArtistName)]; ok {
			return true
		}
		for _, t := range artistTokens(v.ArtistName) {
			if _, ok := m.excludedArtists[t]; ok {
				return true
			}
		}
	}
	if len(m.excludedSongs) > 0 {
		if _, ok := m.excludedSongs[NormalizeTitle(v.TrackTitle)]; ok {
			return true
		}
	}
	return false
}

// Filter 去掉被排除的视频，返回保留部分与被排除的数量。
func (m *Matcher) Filter(videos []domain.EnrichedVideoRecord) ([]domain.EnrichedVideoRecord, int) {
	out := make([]domain.EnrichedVideoRecord, 0, len(videos))
	for _, v := range videos {
		if m.Excluded(v.RawVideoRecord) {
			continue
		}
		out = append(out, v)
	}
	return out, len(videos) - len(out)
}

// MatchAll 对每条视频执行 Match，返回命中结果与未命中视频（均保持输入顺序）。
func (m *Matcher) MatchAll(videos []domain.EnrichedVideoRecord) ([]domain.MatchResult, []domain.EnrichedVideoRecord) {
	var matched []domain.MatchResult
	var unmatched []domain.EnrichedVideoRecord
	for _, v := range videos {
		if r, ok := m.Match(v); ok {
			matched = append(matched, r)
		} else {
			unmatched = append(unmatched, v)
		}
	}
	return matched, unmatched
}
