package distribution

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	xerrors "Teknia-Ledger/internal/errors"
	"Teknia-Ledger/internal/observability/alerting"
	"Teknia-Ledger/pkg/logger"
)

// Enqueuer 创建分配运行并投递到队列，由 API 层或命令行调用。
type Enqueuer struct {
	store    RunStore
	producer Producer
	newID    func() string
}

// NewEnqueuer 构造 Enqueuer。
func NewEnqueuer(store RunStore, producer Producer) (*Enqueuer, error) {
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	if producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "队列生产者未初始化")
	}
	return &Enqueuer{
		store:    store,
		producer: producer,
		newID:    func() string { return uuid.NewString() },
	}, nil
}

// Enqueue 持久化一条排队运行并把运行 ID 投递到队列。
func (e *Enqueuer) Enqueue(ctx context.Context, group string, knus []*KNU, dryRun bool) (*Run, error) {
	run := &Run{
		ID:     e.newID(),
		Group:  group,
		DryRun: dryRun,
		KNUs:   knus,
	}
	if err := e.store.Create(ctx, run); err != nil {
		return nil, err
	}
	if err := e.producer.Publish(ctx, run.ID); err != nil {
		_ = e.store.Fail(ctx, run.ID, "publish failed: "+err.Error())
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "投递分配运行失败")
	}
	return e.store.Get(ctx, run.ID)
}

// Processor 从队列消费分配运行并交给分配服务执行。
type Processor struct {
	service     *Service
	store       RunStore
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	reportDir   string
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithReportDir 指定成功运行后落盘审计报告的目录。
func WithReportDir(dir string) ProcessorOption {
	return func(p *Processor) {
		p.reportDir = dir
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(service *Service, store RunStore, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		service:     service,
		store:       store,
		consumer:    consumer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动运行处理循环，阻塞直到上下文取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置队列消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 执行一条分配运行。重复投递的运行（状态不再是 queued）
// 直接跳过，保证队列 at-least-once 语义下每条运行只执行一次。
func (p *Processor) Handle(ctx context.Context, runID string) error {
	if p.service == nil || p.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	run, err := p.store.Claim(ctx, runID)
	if err != nil {
		if code := xerrors.CodeOf(err); code == xerrors.CodeNotFound || code == CodeRunNotRunnable {
			p.logDebug("跳过运行", slog.String("run_id", runID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取运行失败", slog.Any("error", err), slog.String("run_id", runID))
		return err
	}

	result, err := p.service.Distribute(ctx, run.Group, run.KNUs, run.DryRun)
	if err != nil {
		if failErr := p.store.Fail(ctx, runID, err.Error()); failErr != nil {
			logger.L().Error("记录运行失败状态出错", slog.Any("error", failErr), slog.String("run_id", runID))
		}
		p.emitAlert(ctx, run, err)
		return err
	}
	if result.FailedItems > 0 {
		p.emitAlert(ctx, run, xerrors.New(xerrors.CodeIntegrityFailure, "部分奖励发放失败",
			xerrors.WithMetadata("failed_items", strconv.Itoa(result.FailedItems))))
	}
	if p.reportDir != "" {
		if path, err := SaveReport(p.reportDir, result); err != nil {
			logger.L().Warn("落盘分配报告失败", slog.Any("error", err), slog.String("run_id", runID))
		} else {
			p.logDebug("分配报告已落盘", slog.String("run_id", runID), slog.String("path", path))
		}
	}
	return p.store.Complete(ctx, runID, result)
}

func (p *Processor) emitAlert(ctx context.Context, run *Run, cause error) {
	if p.alerter == nil {
		return
	}
	metadata := map[string]string{"group": run.Group}
	if typed, ok := xerrors.From(cause); ok {
		for k, v := range typed.Metadata() {
			metadata[k] = v
		}
	}
	event := alerting.Event{
		Code:       xerrors.CodeOf(cause),
		Message:    cause.Error(),
		Severity:   xerrors.SeverityOf(cause),
		Subject:    "distribution run " + run.ID,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil && !stdErrors.Is(err, context.Canceled) {
		logger.L().Error("发送告警失败", slog.Any("error", err), slog.String("run_id", run.ID))
	}
}

func (p *Processor) logDebug(msg string, attrs ...any) {
	if p.logger != nil {
		p.logger.Debug(msg, attrs...)
		return
	}
	logger.L().Debug(msg, attrs...)
}
