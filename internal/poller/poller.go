// Package poller реализует периодический опрос статуса PIX-платежей.
package poller

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/bilau-payments/internal/model"
)

// StatusChecker описывает контракт проверки статуса платежа.
type StatusChecker interface {
	PaymentStatus(ctx context.Context, pixID string) (*model.PaymentStatus, error)
}

// Outcome описывает терминальный исход сессии опроса.
type Outcome string

const (
	// OutcomeConfirmed — бэкенд подтвердил оплату.
	OutcomeConfirmed Outcome = "confirmed"
	// OutcomeExpired — бэкенд объявил платёж просроченным.
	OutcomeExpired Outcome = "expired"
	// OutcomeTimedOut — клиент исчерпал лимит ожидания; отличается от expired:
	// это решение клиента, а не состояние бэкенда.
	OutcomeTimedOut Outcome = "timed_out"
)

// Callback вызывается ровно один раз при терминальном исходе сессии.
// Полный статус передаётся только для подтверждённого платежа.
type Callback func(desc model.PaymentDescriptor, status *model.PaymentStatus, outcome Outcome)

// Options содержит параметры опроса.
type Options struct {
	Interval    time.Duration
	MaxAttempts int
	Deadline    time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 60
	}
	if o.Deadline <= 0 {
		o.Deadline = 30 * time.Minute
	}
	return o
}

// Poller управляет сессиями опроса: не более одной живой сессии на платёж.
type Poller struct {
	checker StatusChecker
	logger  *zap.Logger
	opts    Options

	mu       sync.Mutex
	sessions map[string]*Session
}

// New создаёт опрашиватель платежей с указанными параметрами.
func New(checker StatusChecker, logger *zap.Logger, opts Options) *Poller {
	return &Poller{
		checker:  checker,
		logger:   logger,
		opts:     opts.withDefaults(),
		sessions: make(map[string]*Session),
	}
}

// Session представляет одну сессию опроса платежа.
type Session struct {
	poller *Poller
	desc   model.PaymentDescriptor
	cb     Callback

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	done      bool
	attempts  int
	startedAt time.Time
}

// Start запускает сессию опроса для дескриптора. Живая сессия того же платежа
// отменяется до запуска новой: дублирующихся опросов одного платежа не бывает.
func (p *Poller) Start(desc model.PaymentDescriptor, cb Callback) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		poller:    p,
		desc:      desc,
		cb:        cb,
		ctx:       ctx,
		cancel:    cancel,
		startedAt: time.Now(),
	}

	p.mu.Lock()
	old := p.sessions[desc.PixID]
	p.sessions[desc.PixID] = s
	p.mu.Unlock()

	if old != nil {
		old.stop()
		p.logger.Debug("replaced poll session", zap.String("pixId", desc.PixID))
	}

	go s.run(p.opts)

	return s
}

// Stop отменяет сессию. Идемпотентен и безопасен после терминального исхода.
// После возврата ни одно уведомление по этой сессии доставлено не будет.
func (p *Poller) Stop(s *Session) {
	if s == nil {
		return
	}
	s.stop()
	p.forget(s)
}

// StopAll отменяет все живые сессии; используется при завершении процесса.
func (p *Poller) StopAll() {
	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()

	for _, s := range sessions {
		s.stop()
	}
}

func (p *Poller) forget(s *Session) {
	p.mu.Lock()
	if p.sessions[s.desc.PixID] == s {
		delete(p.sessions, s.desc.PixID)
	}
	p.mu.Unlock()
}

// Active сообщает, жива ли сессия.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.done
}

func (s *Session) stop() {
	s.mu.Lock()
	s.done = true
	s.cancel()
	s.mu.Unlock()
}

func (s *Session) run(opts Options) {
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	// Страховка по настенным часам: срабатывает независимо от счётчика попыток.
	deadline := time.NewTimer(opts.Deadline)
	defer deadline.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-deadline.C:
			s.finish(OutcomeTimedOut, nil)
			return
		case <-ticker.C:
			// Тик выполняется синхронно: пока запрос статуса не завершился,
			// очередные тики пропускаются, а не накладываются друг на друга.
			if s.tick(opts) {
				return
			}
		}
	}
}

// tick выполняет одну проверку статуса; true означает терминальный исход.
func (s *Session) tick(opts Options) bool {
	status, err := s.poller.checker.PaymentStatus(s.ctx, s.desc.PixID)
	if err != nil {
		// Ошибка опроса не прерывает сессию и не показывается пользователю:
		// она учитывается как непродвинувшаяся попытка.
		s.poller.logger.Debug("payment status check failed",
			zap.String("pixId", s.desc.PixID),
			zap.Error(err),
		)
		return s.bumpAttempt(opts)
	}

	switch {
	case status.Confirmed:
		s.finish(OutcomeConfirmed, status)
		return true
	case status.Expired:
		s.finish(OutcomeExpired, status)
		return true
	default:
		return s.bumpAttempt(opts)
	}
}

func (s *Session) bumpAttempt(opts Options) bool {
	s.mu.Lock()
	s.attempts++
	exhausted := s.attempts >= opts.MaxAttempts
	s.mu.Unlock()

	if exhausted {
		s.finish(OutcomeTimedOut, nil)
		return true
	}
	return false
}

// finish доставляет терминальный исход ровно один раз. Доставка идёт под
// мьютексом сессии, поэтому stop, взяв тот же мьютекс, дожидается конца
// начатой доставки, а все последующие — отбрасываются.
func (s *Session) finish(outcome Outcome, status *model.PaymentStatus) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.cancel()
	s.cb(s.desc, status, outcome)
	s.mu.Unlock()

	s.poller.forget(s)
}
