// Package recency 按时间窗口把匹配结果划分为“近期”与“较早”。
package recency

import (
	"time"

	"github.com/Risingtides-dev/jake/internal/domain"
)

// Partition 以 now-windowHours 为下界（含）划分：有上传时刻且不早于下界的为 recent，其余为 older。
// 只有日期没有时刻的视频无法确定是否落在窗口内，一律归入 older。
// 两个桶都保持输入顺序。
func Partition(matches []domain.MatchResult, now time.Time, windowHours int) domain.RecencyBucket {
	cutoff := Cutoff(now, windowHours)
	b := domain.RecencyBucket{
		Recent: make([]domain.MatchResult, 0),
		Older:  make([]domain.MatchResult, 0, len(matches)),
	}
	for _, m := range matches {
		if IsRecent(m.Video.RawVideoRecord, cutoff) {
			b.Recent = append(b.Recent, m)
		} else {
			b.Older = append(b.Older, m)
		}
	}
	return b
}

// Cutoff 返回窗口下界；windowHours<=0 时窗口为空（下界即 now）。
func Cutoff(now time.Time, windowHours int) time.Time {
	if windowHours < 0 {
		windowHours = 0
	}
	return now.Add(-time.Duration(windowHours) * time.Hour)
}

func IsRecent(v domain.RawVideoRecord, cutoff time.Time) bool {
	return v.UploadedAt != nil && !v.UploadedAt.Before(cutoff)
}
