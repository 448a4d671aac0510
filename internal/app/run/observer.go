package run

import (
	"time"

	"github.com/Risingtides-dev/jake/internal/config"
	"github.com/Risingtides-dev/jake/internal/domain"
	"github.com/Risingtides-dev/jake/internal/resolver"
)

// Observer 把运行进度从核心流程中解耦出来。
//
// 约束：
// - run 包只发事件，不做任何输出（stdout 的 JSON 契约由 CLI 负责）
// - 实现必须并发安全：账号事件与补全进度来自多个 goroutine
type Observer interface {
	// OnStart 在 ExecuteWithObserver 开始时调用。
	OnStart(eff config.EffectiveConfig)
	// OnPhaseDone 在阶段结束/就绪时调用。阶段依次为 load、fetch、resolve、match。
	OnPhaseDone(name string, fields map[string]any, dur time.Duration)
	// OnAccountDone 在某个账号抓取结束时调用；hint 是失败时给操作者的建议（可能为空）。
	OnAccountDone(idx, total int, res domain.AccountResult, hint string)
	// OnResolveProgress 在补全进度变化时调用，不占用查询 worker；连续的进度可能合并，
	// 最后一次调用总是全部查询完成后的快照。
	OnResolveProgress(p resolver.Progress)
}
