package domain

// TrackedSound 是登记表中的一条被追踪声音（整次运行只读）。
type TrackedSound struct {
	// SoundKey 是登记表里的可读标签（可为空）。
	SoundKey string  `json:"sound_key,omitempty"`
	SoundID  *string `json:"sound_id,omitempty"`
	Song     string  `json:"song"`
	Artist   string  `json:"artist"`
	SongLink string  `json:"song_link,omitempty"`

	// NormalizedSongKey 形如 "title - artist"（小写、去修饰括号、压缩空白）。
	NormalizedSongKey string `json:"normalized_song_key"`
	// Aliases 是额外的规范化 key（同一声音的改名/翻唱标题等），以数据而非代码分支表达。
	Aliases []string `json:"aliases,omitempty"`

	// AuthorizedAccounts 是允许被计入该声音的账号集合（文本类匹配策略必须校验）。
	AuthorizedAccounts []Account `json:"-"`
}

// Label 返回便于展示的名称：优先 SoundKey，其次 "song - artist"，最后 sound id。
func (s TrackedSound) Label() string {
	if s.SoundKey != "" {
		return s.SoundKey
	}
	if s.Song != "" || s.Artist != "" {
		return s.Song + " - " + s.Artist
	}
	return StrVal(s.SoundID)
}

// Authorizes 判断账号是否在授权集合中。
func (s TrackedSound) Authorizes(a Account) bool {
	for _, x := range s.AuthorizedAccounts {
		if x == a {
			return true
		}
	}
	return false
}

// Strategy 标识命中的匹配策略（优先级从高到低）。
type Strategy string

const (
	StrategyResolvedID Strategy = "resolved_id"
	StrategyListingID  Strategy = "listing_id"
	StrategyExactKey   Strategy = "exact_key"
	StrategyPrefix     Strategy = "prefix_alias"
)

// MatchResult 表示一条视频被归属到某个 TrackedSound。
// 一条视频至多匹配一个 TrackedSound。
type MatchResult struct {
	Video    EnrichedVideoRecord `json:"video"`
	Sound    TrackedSound        `json:"sound"`
	Strategy Strategy            `json:"strategy"`
}

// RecencyBucket 按 now-windowHours 把匹配结果划分为“近期”与“较早”。
type RecencyBucket struct {
	Recent []MatchResult `json:"recent"`
	Older  []MatchResult `json:"older"`
}
