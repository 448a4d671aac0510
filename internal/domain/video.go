package domain

import "time"

// RawVideoRecord 描述列表阶段得到的一条视频记录（创建后不再修改）。
//
// 可空字段用指针表达：
// - UploadedAt：部分来源只给日期（UploadDate），此时时刻未知
// - RawSoundID：列表阶段上报的声音 ID，经常不可靠
type RawVideoRecord struct {
	URL        string  `json:"url"`
	Account    Account `json:"account"`
	TrackTitle string  `json:"track_title"`
	ArtistName string  `json:"artist_name"`

	ViewCount    int64 `json:"view_count"`
	LikeCount    int64 `json:"like_count"`
	CommentCount int64 `json:"comment_count"`
	ShareCount   int64 `json:"share_count"`

	UploadedAt *time.Time `json:"uploaded_at,omitempty"`
	// UploadDate 为 YYYYMMDD；仅在没有精确时间戳时作为日期级兜底。
	UploadDate string  `json:"upload_date,omitempty"`
	RawSoundID *string `json:"raw_sound_id,omitempty"`
}

// UploadDay 返回上传日期（UTC 零点）。优先使用时间戳，其次 UploadDate。
func (v RawVideoRecord) UploadDay() (time.Time, bool) {
	if v.UploadedAt != nil {
		t := v.UploadedAt.UTC()
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
	}
	if v.UploadDate == "" {
		return time.Time{}, false
	}
	d, err := time.Parse("20060102", v.UploadDate)
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}

// EnrichedVideoRecord 是补全了权威声音 ID 的视频记录。
//
// 不变量：ResolvedSoundID 若非空，必然是从详情页直接取得并校验过的纯数字 ID。
type EnrichedVideoRecord struct {
	RawVideoRecord

	ResolvedSoundID    *string `json:"resolved_sound_id,omitempty"`
	ResolvedSoundTitle *string `json:"resolved_sound_title,omitempty"`
}

// Enrich 把一批原始记录包装为待补全记录（不做任何网络访问）。
func Enrich(raw []RawVideoRecord) []EnrichedVideoRecord {
	out := make([]EnrichedVideoRecord, len(raw))
	for i := range raw {
		out[i] = EnrichedVideoRecord{RawVideoRecord: raw[i]}
	}
	return out
}

// Resolution 是一次详情页查询的结果。
type Resolution struct {
	SoundID string `json:"sound_id"`
	Title   string `json:"title,omitempty"`
}

// MusicInfo 是声音页（music page）上的权威信息。
type MusicInfo struct {
	ID     string
	Title  string
	Author string
}

// CacheEntry 是单个账号的增量缓存状态。
//
// 不变量：LastFetchDate 在多次成功运行间单调不减；Videos 只追加不截断，且按 URL 去重。
type CacheEntry struct {
	Videos        []RawVideoRecord
	LastFetchDate *time.Time
}

// StrPtr 返回 s 的指针；s 为空时返回 nil。
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// StrVal 解引用可空字符串（nil 视为空串）。
func StrVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
