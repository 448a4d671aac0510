package recency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Risingtides-dev/jake/internal/domain"
)

func matchAt(url string, t *time.Time, date string) domain.MatchResult {
	return domain.MatchResult{Video: domain.EnrichedVideoRecord{RawVideoRecord: domain.RawVideoRecord{
		URL:        url,
		UploadedAt: t,
		UploadDate: date,
	}}}
}

func TestPartition_Boundary(t *testing.T) {
	now := time.Date(2024, 10, 3, 12, 0, 0, 0, time.UTC)
	boundary := now.Add(-24 * time.Hour)
	justBefore := boundary.Add(-time.Second)
	future := now.Add(time.Hour)

	b := Partition([]domain.MatchResult{
		matchAt("boundary", &boundary, ""),
		matchAt("before", &justBefore, ""),
		matchAt("none", nil, ""),
		matchAt("date-only", nil, "20241003"),
		matchAt("future", &future, ""),
	}, now, 24)

	require.Len(t, b.Recent, 2)
	assert.Equal(t, "boundary", b.Recent[0].Video.URL, "边界值应归入 recent")
	assert.Equal(t, "future", b.Recent[1].Video.URL)

	require.Len(t, b.Older, 3)
	assert.Equal(t, []string{"before", "none", "date-only"},
		[]string{b.Older[0].Video.URL, b.Older[1].Video.URL, b.Older[2].Video.URL})
}

func TestPartition_EmptyAndZeroWindow(t *testing.T) {
	now := time.Now()
	b := Partition(nil, now, 24)
	assert.NotNil(t, b.Recent)
	assert.NotNil(t, b.Older)
	assert.Empty(t, b.Recent)

	b = Partition([]domain.MatchResult{matchAt("now", &now, "")}, now, 0)
	assert.Len(t, b.Recent, 1)
	assert.Equal(t, now, Cutoff(now, -5))
}
