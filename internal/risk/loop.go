package risk

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// State наблюдаемая фаза контрольного цикла
type State int32

const (
	StateIdle State = iota
	StateSampling
	StateClassifying
	StateComposing
	StateExecuting
	StateRecording
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateSampling:
		return "SAMPLING"
	case StateClassifying:
		return "CLASSIFYING"
	case StateComposing:
		return "COMPOSING"
	case StateExecuting:
		return "EXECUTING"
	case StateRecording:
		return "RECORDING"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	default:
		return "IDLE"
	}
}

// Progress сообщает циклу о смене фазы внутри планирования политики
type Progress func(State)

// Policy одна политика поверх общего скелета цикла.
// Plan объединяет выборку, классификацию и синтез; о смене фазы
// политика сообщает через progress. Возврат nil-плана означает
// отсутствие действий на этой итерации.
type Policy interface {
	Name() string
	Interval() time.Duration

	// Maintain выполняет вторичные проверки итерации: выходы по
	// сходимости и таймауту, стопы, обновление динамических параметров
	Maintain(ctx context.Context)

	// Plan строит план реагирования или возвращает nil
	Plan(ctx context.Context, progress Progress) (*ActionPlan, error)

	// OnResults получает итоги исполнения собственного плана
	OnResults(plan *ActionPlan, results []ExecutionResult)
}

// ControlLoop гоняет одну политику по фиксированному интервалу.
// Любая паника итерации гасится на границе цикла: цикл сам по себе -
// внешний предохранитель и не должен ронять процесс.
type ControlLoop struct {
	policy      Policy
	coordinator *Coordinator
	ledger      *Ledger
	logger      *zap.Logger

	// backoff после паники или ошибки планирования, длиннее интервала
	panicBackoff time.Duration

	state  atomic.Int32
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewControlLoop создает цикл для политики
func NewControlLoop(policy Policy, coordinator *Coordinator, ledger *Ledger, logger *zap.Logger) *ControlLoop {
	backoff := 2 * policy.Interval()
	if backoff < 10*time.Second {
		backoff = 10 * time.Second
	}
	return &ControlLoop{
		policy:       policy,
		coordinator:  coordinator,
		ledger:       ledger,
		logger:       logger.With(zap.String("policy", policy.Name())),
		panicBackoff: backoff,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// State возвращает текущую фазу цикла
func (cl *ControlLoop) State() State {
	return State(cl.state.Load())
}

// Policy возвращает политику цикла
func (cl *ControlLoop) Policy() Policy {
	return cl.policy
}

func (cl *ControlLoop) setState(s State) {
	cl.state.Store(int32(s))
	loopStateGauge.WithLabelValues(cl.policy.Name()).Set(float64(s))
}

// Start запускает цикл в отдельной горутине
func (cl *ControlLoop) Start(ctx context.Context) {
	go cl.Run(ctx)
}

// Run крутит итерации до остановки. Блокирует вызывающего.
func (cl *ControlLoop) Run(ctx context.Context) {
	defer close(cl.doneCh)
	cl.logger.Info("control loop started",
		zap.Duration("interval", cl.policy.Interval()))

	for {
		select {
		case <-cl.stopCh:
			cl.setState(StateShuttingDown)
			cl.logger.Info("control loop stopped")
			return
		case <-ctx.Done():
			cl.setState(StateShuttingDown)
			cl.logger.Info("control loop context cancelled")
			return
		default:
		}

		start := time.Now()
		panicked := cl.iterate(ctx)
		elapsed := time.Since(start)
		iterationDuration.WithLabelValues(cl.policy.Name()).Observe(elapsed.Seconds())
		iterationsTotal.WithLabelValues(cl.policy.Name()).Inc()

		// Выдерживаем каденс даже когда итерация затянулась;
		// после паники спим дольше обычного интервала
		sleep := cl.policy.Interval() - elapsed
		if sleep < 0 {
			sleep = 0
		}
		if panicked {
			sleep = cl.panicBackoff
		}

		select {
		case <-cl.stopCh:
		case <-ctx.Done():
		case <-time.After(sleep):
		}
	}
}

// Stop останавливает цикл, давая текущей итерации завершиться.
// Возвращает ошибку контекста, если ожидание прервано.
func (cl *ControlLoop) Stop(ctx context.Context) error {
	cl.once.Do(func() { close(cl.stopCh) })
	select {
	case <-cl.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// iterate выполняет одну итерацию Sample → Classify → Compose →
// Execute → Record. Возвращает true после перехваченной паники.
func (cl *ControlLoop) iterate(ctx context.Context) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			loopPanics.WithLabelValues(cl.policy.Name()).Inc()
			cl.logger.Error("iteration panic recovered",
				zap.Any("panic", r),
				zap.Stack("stack"))
			cl.setState(StateIdle)
		}
	}()

	cl.policy.Maintain(ctx)

	cl.setState(StateSampling)
	plan, err := cl.policy.Plan(ctx, cl.setState)
	if err != nil {
		if errors.Is(err, ErrInsufficientData) {
			cl.logger.Debug("planning skipped", zap.Error(err))
		} else {
			iterationErrors.WithLabelValues(cl.policy.Name()).Inc()
			cl.logger.Warn("planning failed", zap.Error(err))
		}
		cl.setState(StateIdle)
		return false
	}
	if plan == nil {
		cl.setState(StateIdle)
		return false
	}

	plansComposed.WithLabelValues(cl.policy.Name()).Inc()
	cl.setState(StateExecuting)
	results := cl.coordinator.Execute(ctx, plan)

	cl.setState(StateRecording)
	cl.ledger.Record(ctx, plan, results)
	cl.policy.OnResults(plan, results)

	cl.setState(StateIdle)
	return false
}
