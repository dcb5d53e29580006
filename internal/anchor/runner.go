package anchor

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"Teknia-Ledger/pkg/logger"
)

// HeadSource 提供账本当前链头。
type HeadSource interface {
	Head() (uint64, common.Hash)
}

// Runner 周期性读取链头并在链头推进后提交锚定交易。
type Runner struct {
	anchor   Anchor
	source   HeadSource
	interval time.Duration
	lastSeq  uint64
	logger   *slog.Logger
}

// NewRunner 构造锚定循环。
func NewRunner(a Anchor, source HeadSource, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Runner{
		anchor:   a,
		source:   source,
		interval: interval,
		logger:   logger.Named("anchor"),
	}
}

// Start 阻塞运行直到上下文取消。单次锚定失败只记录日志，
// 下一个周期会重试。
func (r *Runner) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	seq, head := r.source.Head()
	if seq == r.lastSeq {
		return
	}
	txHash, err := r.anchor.AnchorHead(ctx, seq, head)
	if err != nil {
		r.logger.Error("anchor submission failed",
			slog.Uint64("seq", seq), slog.Any("error", err))
		return
	}
	r.lastSeq = seq
	r.logger.Info("chain head anchored",
		slog.Uint64("seq", seq),
		slog.String("head", head.Hex()),
		slog.String("anchor_tx", txHash))
}
