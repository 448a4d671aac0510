package domain

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

const (
	ErrCodeConfigNotFound     = "config_not_found"
	ErrCodeConfigInvalid      = "config_invalid"
	ErrCodeConfigMissingPath  = "config_missing_path"
	ErrCodeRegistryLoadFailed = "registry_load_failed"
	ErrCodeRosterLoadFailed   = "roster_load_failed"
	ErrCodeSourceUnavailable  = "source_unavailable"
	ErrCodeRunTimeout         = "run_timeout"

	ErrCodeFetchTimeout = "fetch_timeout"
	ErrCodeFetchFailed  = "fetch_failed"
	ErrCodeSourceExit   = "source_exit"
	ErrCodeBlocked      = "blocked"
	ErrCodeCanceled     = "canceled"
)

// RunReport 是一次 campaign 运行对外稳定输出（report.json / stdout JSON）的结构。
//
// Status=failed 表示运行本身失败（配置/登记表/账号名单加载失败）；
// Status=ok 且 MatchedTotal=0 表示“正常运行但没有任何匹配”，两者需要不同的处理。
type RunReport struct {
	RunID  string `json:"run_id"`
	Path   string `json:"path"`
	DryRun bool   `json:"dry_run"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`

	Since       string `json:"since"`
	Limit       int    `json:"limit"`
	WindowHours int    `json:"window_hours"`

	Summary     ReportSummary   `json:"summary"`
	Accounts    []AccountResult `json:"accounts"`
	Sounds      []SoundSummary  `json:"sounds"`
	Buckets     RecencyBucket   `json:"buckets"`
	Suggestions []Suggestion    `json:"suggestions"`
}

type ReportSummary struct {
	AccountsTotal     int `json:"accounts_total"`
	AccountsProcessed int `json:"accounts_processed"`
	AccountsFailed    int `json:"accounts_failed"`

	VideosTotal    int `json:"videos_total"`
	VideosNew      int `json:"videos_new"`
	VideosExcluded int `json:"videos_excluded"`
	Lookups        int `json:"lookups"`
	VideosEnriched int `json:"videos_enriched"`

	MatchedTotal int              `json:"matched_total"`
	RecentCount  int              `json:"recent_count"`
	OlderCount   int              `json:"older_count"`
	ByStrategy   map[Strategy]int `json:"by_strategy"`
}

// AccountResult 记录单个账号的抓取结果（失败只影响该账号）。
type AccountResult struct {
	Account   Account `json:"account"`
	Status    string  `json:"status"`
	ErrorCode string  `json:"error_code"`
	ErrorMsg  string  `json:"error_msg"`

	VideosListed int `json:"videos_listed"`
	VideosNew    int `json:"videos_new"`
	VideosCached int `json:"videos_cached"`
	VideosTotal  int `json:"videos_total"`

	EffectiveFloor *time.Time `json:"effective_floor,omitempty"`
	LastFetchDate  *time.Time `json:"last_fetch_date,omitempty"`
	DurationMS     int64      `json:"duration_ms"`
}

// SoundSummary 是单个被追踪声音的聚合指标。
type SoundSummary struct {
	Label   string `json:"label"`
	SoundID string `json:"sound_id"`
	Song    string `json:"song"`
	Artist  string `json:"artist"`

	Videos   int   `json:"videos"`
	Accounts int   `json:"accounts"`
	Views    int64 `json:"views"`
	Likes    int64 `json:"likes"`
	Comments int64 `json:"comments"`
	Shares   int64 `json:"shares"`

	// EngagementRate = (likes+comments+shares)/views*100；views=0 时为 0。
	EngagementRate float64 `json:"engagement_rate"`
}

// Suggestion 是未匹配视频与登记表之间的“近似命中”，只作为补充别名的提示，不参与匹配。
type Suggestion struct {
	URL          string  `json:"url"`
	Account      Account `json:"account"`
	VideoKey     string  `json:"video_key"`
	CandidateKey string  `json:"candidate_key"`
	Similarity   float64 `json:"similarity"`
}

// Failed 表示运行级失败（与“零匹配”区分）。
func (r RunReport) Failed() bool { return r.Status == StatusFailed }

// SeedSounds 以登记表顺序预置声音汇总行（零匹配的声音也会出现在报告中）。
func (r *RunReport) SeedSounds(reg []TrackedSound) {
	r.Sounds = make([]SoundSummary, 0, len(reg))
	for _, s := range reg {
		r.Sounds = append(r.Sounds, SoundSummary{
			Label:   s.Label(),
			SoundID: StrVal(s.SoundID),
			Song:    s.Song,
			Artist:  s.Artist,
		})
	}
}

// Finalize 做四件事：
// 1) 时间统一为 UTC
// 2) 稳定排序：accounts 按账号；recent 按上传时间倒序；older 按播放量倒序；同值按 URL
// 3) 由 accounts / buckets 计算 summary 中可推导的字段
// 4) 按匹配结果聚合声音指标，声音按总播放量倒序
func (r *RunReport) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()
	if r.Status == "" {
		r.Status = StatusOK
	}
	if r.Accounts == nil {
		r.Accounts = []AccountResult{}
	}
	if r.Suggestions == nil {
		r.Suggestions = []Suggestion{}
	}
	if r.Buckets.Recent == nil {
		r.Buckets.Recent = []MatchResult{}
	}
	if r.Buckets.Older == nil {
		r.Buckets.Older = []MatchResult{}
	}

	sort.SliceStable(r.Accounts, func(i, j int) bool {
		return r.Accounts[i].Account < r.Accounts[j].Account
	})
	sort.SliceStable(r.Buckets.Recent, func(i, j int) bool {
		a, b := r.Buckets.Recent[i].Video, r.Buckets.Recent[j].Video
		ta, tb := uploadedUnix(a), uploadedUnix(b)
		if ta != tb {
			return ta > tb
		}
		return a.URL < b.URL
	})
	sort.SliceStable(r.Buckets.Older, func(i, j int) bool {
		a, b := r.Buckets.Older[i].Video, r.Buckets.Older[j].Video
		if a.ViewCount != b.ViewCount {
			return a.ViewCount > b.ViewCount
		}
		return a.URL < b.URL
	})
	sort.SliceStable(r.Suggestions, func(i, j int) bool {
		if r.Suggestions[i].Similarity != r.Suggestions[j].Similarity {
			return r.Suggestions[i].Similarity > r.Suggestions[j].Similarity
		}
		return r.Suggestions[i].URL < r.Suggestions[j].URL
	})

	s := &r.Summary
	s.AccountsTotal = len(r.Accounts)
	s.AccountsProcessed, s.AccountsFailed = 0, 0
	for _, a := range r.Accounts {
		switch a.Status {
		case StatusOK:
			s.AccountsProcessed++
		case StatusFailed:
			s.AccountsFailed++
		}
	}
	s.RecentCount = len(r.Buckets.Recent)
	s.OlderCount = len(r.Buckets.Older)
	s.MatchedTotal = s.RecentCount + s.OlderCount
	s.ByStrategy = map[Strategy]int{}
	for _, m := range r.Buckets.Recent {
		s.ByStrategy[m.Strategy]++
	}
	for _, m := range r.Buckets.Older {
		s.ByStrategy[m.Strategy]++
	}

	r.aggregateSounds()
}

func (r *RunReport) aggregateSounds() {
	idx := make(map[string]int, len(r.Sounds))
	for i := range r.Sounds {
		r.Sounds[i].Videos, r.Sounds[i].Accounts = 0, 0
		r.Sounds[i].Views, r.Sounds[i].Likes, r.Sounds[i].Comments, r.Sounds[i].Shares = 0, 0, 0, 0
		idx[soundIdentity(r.Sounds[i].Label, r.Sounds[i].SoundID)] = i
	}

	accounts := make(map[int]map[Account]struct{})
	add := func(m MatchResult) {
		key := soundIdentity(m.Sound.Label(), StrVal(m.Sound.SoundID))
		i, ok := idx[key]
		if !ok {
			r.Sounds = append(r.Sounds, SoundSummary{
				Label:   m.Sound.Label(),
				SoundID: StrVal(m.Sound.SoundID),
				Song:    m.Sound.Song,
				Artist:  m.Sound.Artist,
			})
			i = len(r.Sounds) - 1
			idx[key] = i
		}
		ss := &r.Sounds[i]
		ss.Videos++
		ss.Views += m.Video.ViewCount
		ss.Likes += m.Video.LikeCount
		ss.Comments += m.Video.CommentCount
		ss.Shares += m.Video.ShareCount
		if accounts[i] == nil {
			accounts[i] = map[Account]struct{}{}
		}
		accounts[i][m.Video.Account] = struct{}{}
	}
	for _, m := range r.Buckets.Recent {
		add(m)
	}
	for _, m := range r.Buckets.Older {
		add(m)
	}

	for i := range r.Sounds {
		ss := &r.Sounds[i]
		ss.Accounts = len(accounts[i])
		ss.EngagementRate = EngagementRate(ss.Likes+ss.Comments+ss.Shares, ss.Views)
	}
	if r.Sounds == nil {
		r.Sounds = []SoundSummary{}
	}
	sort.SliceStable(r.Sounds, func(i, j int) bool {
		if r.Sounds[i].Views != r.Sounds[j].Views {
			return r.Sounds[i].Views > r.Sounds[j].Views
		}
		return strings.ToLower(r.Sounds[i].Label) < strings.ToLower(r.Sounds[j].Label)
	})
}

// EngagementRate 返回百分比，保留两位小数。
func EngagementRate(interactions, views int64) float64 {
	if views <= 0 {
		return 0
	}
	v := float64(interactions) / float64(views) * 100
	return float64(int64(v*100+0.5)) / 100
}

func soundIdentity(label, id string) string { return id + "\x00" + label }

func uploadedUnix(v EnrichedVideoRecord) int64 {
	if v.UploadedAt == nil {
		return 0
	}
	return v.UploadedAt.Unix()
}

// MarshalJSON 仅用于集中约束输出的稳定性（避免未来不小心引入非确定字段）。
func (r RunReport) MarshalJSON() ([]byte, error) {
	type Alias RunReport
	return json.Marshal(Alias(r))
}
