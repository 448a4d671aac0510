package match

import (
	"math"
	"sort"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"

	"github.com/Risingtides-dev/jake/internal/domain"
)

const (
	DefaultSuggestThreshold = 0.85
	DefaultSuggestMax       = 20
)

// Suggest 为未命中的视频寻找相似度 >= threshold 的登记条目（仅限已授权账号）。
// 结果只用于提示补充别名，不产生匹配；每条视频至多一条建议（取最相似者）。
func (m *Matcher) Suggest(unmatched []domain.EnrichedVideoRecord, threshold float64, limit int) []domain.Suggestion {
	if threshold <= 0 {
		threshold = DefaultSuggestThreshold
	}
	if limit <= 0 {
		limit = DefaultSuggestMax
	}
	metric := metrics.NewLevenshtein()
	metric.CaseSensitive = false

	out := make([]domain.Suggestion, 0)
	for _, v := range unmatched {
		vk, ok := videoKey(v)
		if !ok {
			continue
		}
		vs := vk.song + " - " + vk.artist

		best, bestKey := 0.0, ""
		for _, e := range m.entries {
			if !e.sound.Authorizes(v.Account) {
				continue
			}
			for _, k := range e.keys {
				ks := k.song + " - " + k.artist
				if sim := strutil.Similarity(vs, ks, metric); sim > best {
					best, bestKey = sim, ks
				}
			}
		}
		if best >= threshold && best < 1 {
			out = append(out, domain.Suggestion{
				URL:          v.URL,
				Account:      v.Account,
				VideoKey:     vs,
				CandidateKey: bestKey,
				Similarity:   math.Round(best*1000) / 1000,
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].URL < out[j].URL
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
