package resolver

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Risingtides-dev/jake/internal/source"
)

// Policy 是统一的“重试 + 指数退避”策略，所有详情页/声音页请求都经由它执行。
type Policy struct {
	MaxAttempts int
	MinDelay    time.Duration
	MaxDelay    time.Duration
	// Timeout 是单次尝试的超时（不是整体超时）。
	Timeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		MinDelay:    2 * time.Second,
		MaxDelay:    10 * time.Second,
		Timeout:     30 * time.Second,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.MinDelay <= 0 {
		p.MinDelay = d.MinDelay
	}
	if p.MaxDelay < p.MinDelay {
		p.MaxDelay = p.MinDelay
	}
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	return p
}

// Do 按 Policy 执行 op：仅对瞬时错误（source.IsTransient）重试，其它错误立即返回。
// 每次尝试使用独立的超时 ctx；调用方 ctx 取消时立即停止。
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalized()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.MinDelay
	bo.MaxInterval = p.MaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	return backoff.Retry(ctx, func() (T, error) {
		actx, cancel := context.WithTimeout(ctx, p.Timeout)
		defer cancel()

		v, err := op(actx)
		if err == nil {
			return v, nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return v, backoff.Permanent(cerr)
		}
		if !source.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
	)
}
