// Package lifecycle реализует контроллер жизненного цикла платежа пожертвования.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qmuntal/stateless"
	"go.uber.org/zap"

	"github.com/mmeshcher/bilau-payments/internal/model"
	"github.com/mmeshcher/bilau-payments/internal/poller"
	"github.com/mmeshcher/bilau-payments/internal/validation"
)

// Gateway описывает вызовы бэкенда, используемые контроллером.
type Gateway interface {
	CreateDonation(ctx context.Context, req model.DonationRequest) (*model.PaymentDescriptor, error)
	PaymentStatus(ctx context.Context, pixID string) (*model.PaymentStatus, error)
	ConfirmPayment(ctx context.Context, donationID string) error
	RegeneratePix(ctx context.Context, donationID string, amount float64) (*model.PaymentDescriptor, error)
}

// PendingStore описывает долговременный список ожидающих платежей.
type PendingStore interface {
	Add(ctx context.Context, donationID string) error
	Remove(ctx context.Context, donationID string) error
	List(ctx context.Context) ([]string, error)
}

// Events — внешние соавторы контроллера: отображение и учёт роста.
// Контроллер только извещает их; как показывать QR-код и когда прятать
// модальное окно, решают они сами.
type Events interface {
	PaymentAwaiting(desc model.PaymentDescriptor)
	PaymentConfirmed(donation model.Donation)
	PaymentExpired(donationID string)
	PaymentTimedOut(donationID string)
	PaymentClosed(donationID string)
	GrowthApplied(centimeters int)
}

// Состояния жизненного цикла пожертвования.
const (
	StateCreated         = "CREATED"
	StateAwaitingPayment = "AWAITING_PAYMENT"
	StateConfirmed       = "CONFIRMED"
	StateExpired         = "EXPIRED"
	StateTimedOut        = "TIMED_OUT"
	StateFailed          = "FAILED"
	StateClosed          = "CLOSED"
)

const (
	triggerPaymentCreated = "payment_created"
	triggerCreationFailed = "creation_failed"
	triggerPixRegenerated = "pix_regenerated"
	triggerConfirmed      = "poll_confirmed"
	triggerExpired        = "poll_expired"
	triggerTimedOut       = "poll_timed_out"
	triggerAcknowledged   = "acknowledged"
)

type donationSession struct {
	desc    model.PaymentDescriptor
	machine *stateless.StateMachine
	poll    *poller.Session
}

// Controller управляет жизненным циклом пожертвований: создание, показ QR,
// опрос статуса, терминальные исходы и восстановление после перезапуска.
type Controller struct {
	gateway Gateway
	store   PendingStore
	poller  *poller.Poller
	events  Events
	logger  *zap.Logger
	limits  model.Limits

	mu       sync.Mutex
	sessions map[string]*donationSession
}

// NewController создаёт контроллер жизненного цикла с указанными зависимостями.
func NewController(gw Gateway, st PendingStore, p *poller.Poller, events Events, logger *zap.Logger, limits model.Limits) *Controller {
	if limits == (model.Limits{}) {
		limits = model.DefaultLimits()
	}
	return &Controller{
		gateway:  gw,
		store:    st,
		poller:   p,
		events:   events,
		logger:   logger,
		limits:   limits,
		sessions: make(map[string]*donationSession),
	}
}

func (c *Controller) newMachine(sess *donationSession, initial string) *stateless.StateMachine {
	m := stateless.NewStateMachine(initial)

	m.Configure(StateCreated).
		Permit(triggerPaymentCreated, StateAwaitingPayment).
		Permit(triggerCreationFailed, StateFailed)

	m.Configure(StateAwaitingPayment).
		OnEntryFrom(triggerPaymentCreated, func(ctx context.Context, _ ...any) error {
			return c.enterAwaiting(ctx, sess)
		}).
		OnEntryFrom(triggerPixRegenerated, func(ctx context.Context, _ ...any) error {
			return c.enterAwaiting(ctx, sess)
		}).
		PermitReentry(triggerPixRegenerated).
		Permit(triggerConfirmed, StateConfirmed).
		Permit(triggerExpired, StateExpired).
		Permit(triggerTimedOut, StateTimedOut)

	m.Configure(StateConfirmed).
		OnEntry(func(ctx context.Context, args ...any) error {
			return c.enterConfirmed(ctx, sess, args...)
		}).
		Permit(triggerAcknowledged, StateClosed)

	m.Configure(StateExpired).
		OnEntry(func(ctx context.Context, _ ...any) error {
			return c.enterExpired(ctx, sess)
		}).
		// Просроченный платёж можно оплатить заново свежим PIX-кодом.
		Permit(triggerPixRegenerated, StateAwaitingPayment).
		Permit(triggerAcknowledged, StateClosed)

	m.Configure(StateTimedOut).
		OnEntry(func(ctx context.Context, _ ...any) error {
			return c.enterTimedOut(ctx, sess)
		}).
		Permit(triggerAcknowledged, StateClosed)

	m.Configure(StateClosed).
		OnEntry(func(context.Context, ...any) error {
			c.forget(sess.desc.DonationID)
			c.events.PaymentClosed(sess.desc.DonationID)
			return nil
		})

	return m
}

// Donate проводит пожертвование от заявки до состояния ожидания оплаты.
// Заявка валидируется до любого сетевого вызова; при ошибке создания платежа
// запись в хранилище не делается и опрос не запускается.
func (c *Controller) Donate(ctx context.Context, req model.DonationRequest) (*model.PaymentDescriptor, error) {
	if err := validation.ValidateDonation(req, c.limits); err != nil {
		return nil, err
	}

	sess := &donationSession{}
	sess.machine = c.newMachine(sess, StateCreated)

	desc, err := c.gateway.CreateDonation(ctx, req)
	if err != nil {
		_ = sess.machine.FireCtx(ctx, triggerCreationFailed)
		return nil, fmt.Errorf("donate: %w", err)
	}

	sess.desc = *desc

	c.mu.Lock()
	c.sessions[desc.DonationID] = sess
	c.mu.Unlock()

	if err := sess.machine.FireCtx(ctx, triggerPaymentCreated); err != nil {
		return nil, fmt.Errorf("donate: %w", err)
	}

	return desc, nil
}

// enterAwaiting выполняет побочные эффекты входа в AWAITING_PAYMENT:
// запись в хранилище, запуск опроса, извещение отображения.
func (c *Controller) enterAwaiting(ctx context.Context, sess *donationSession) error {
	if err := c.store.Add(ctx, sess.desc.DonationID); err != nil {
		// Платёж продолжается, но восстановление после перезапуска деградирует.
		c.logger.Warn("pending store add failed",
			zap.String("donationId", sess.desc.DonationID),
			zap.Error(err),
		)
	}

	if sess.desc.PixCode != "" && !validation.IsValidPixCode(sess.desc.PixCode) {
		c.logger.Warn("pix code looks implausible", zap.String("donationId", sess.desc.DonationID))
	}

	sess.poll = c.poller.Start(sess.desc, c.pollOutcome)
	c.events.PaymentAwaiting(sess.desc)

	return nil
}

// pollOutcome принимает терминальный исход от опрашивателя.
func (c *Controller) pollOutcome(desc model.PaymentDescriptor, status *model.PaymentStatus, outcome poller.Outcome) {
	c.mu.Lock()
	sess := c.sessions[desc.DonationID]
	c.mu.Unlock()

	if sess == nil {
		c.logger.Debug("poll outcome for unknown donation", zap.String("donationId", desc.DonationID))
		return
	}

	var err error
	switch outcome {
	case poller.OutcomeConfirmed:
		err = sess.machine.Fire(triggerConfirmed, status)
	case poller.OutcomeExpired:
		err = sess.machine.Fire(triggerExpired)
	case poller.OutcomeTimedOut:
		err = sess.machine.Fire(triggerTimedOut)
	}

	if err != nil {
		// Опоздавший дубликат уведомления: переход уже совершён.
		c.logger.Debug("duplicate poll outcome ignored",
			zap.String("donationId", desc.DonationID),
			zap.String("outcome", string(outcome)),
		)
	}
}

func (c *Controller) enterConfirmed(ctx context.Context, sess *donationSession, args ...any) error {
	donation := model.Donation{
		ID:          sess.desc.DonationID,
		Amount:      sess.desc.Amount,
		Centimeters: sess.desc.Centimeters,
	}
	if len(args) > 0 {
		if status, ok := args[0].(*model.PaymentStatus); ok && status != nil && status.Donation != nil {
			donation = *status.Donation
		}
	}

	c.removePending(ctx, sess.desc.DonationID)
	c.events.GrowthApplied(donation.Centimeters)
	c.events.PaymentConfirmed(donation)

	return nil
}

func (c *Controller) enterExpired(ctx context.Context, sess *donationSession) error {
	c.removePending(ctx, sess.desc.DonationID)
	c.events.PaymentExpired(sess.desc.DonationID)
	return nil
}

func (c *Controller) enterTimedOut(ctx context.Context, sess *donationSession) error {
	c.removePending(ctx, sess.desc.DonationID)
	c.events.PaymentTimedOut(sess.desc.DonationID)
	return nil
}

func (c *Controller) removePending(ctx context.Context, donationID string) {
	if err := c.store.Remove(ctx, donationID); err != nil {
		c.logger.Warn("pending store remove failed",
			zap.String("donationId", donationID),
			zap.Error(err),
		)
	}
}

func (c *Controller) forget(donationID string) {
	c.mu.Lock()
	delete(c.sessions, donationID)
	c.mu.Unlock()
}

// Close обрабатывает подтверждение от слоя отображения (закрытие модального
// окна). Для терминального состояния — переход в CLOSED; для незавершённого
// платежа — отмена опроса с сохранением записи в хранилище, чтобы платёж
// можно было восстановить позже. Идемпотентен.
func (c *Controller) Close(ctx context.Context, donationID string) {
	c.mu.Lock()
	sess := c.sessions[donationID]
	c.mu.Unlock()

	if sess == nil {
		return
	}

	if sess.poll != nil {
		c.poller.Stop(sess.poll)
	}

	if err := sess.machine.FireCtx(ctx, triggerAcknowledged); err != nil {
		// Не терминальное состояние: опрос остановлен, запись в хранилище
		// осталась для восстановления.
		c.logger.Debug("close before terminal state", zap.String("donationId", donationID))
	}
}

// Confirm отправляет ручное подтверждение платежа. Ошибка сообщается, но
// состояние не меняется: обычный опрос рано или поздно увидит оплату.
func (c *Controller) Confirm(ctx context.Context, donationID string) error {
	if err := c.gateway.ConfirmPayment(ctx, donationID); err != nil {
		return fmt.Errorf("confirm payment: %w", err)
	}
	return nil
}

// Regenerate выпускает новый PIX-код для пожертвования и перезапускает опрос.
// Старая сессия опроса отменяется до запуска новой.
func (c *Controller) Regenerate(ctx context.Context, donationID string) (*model.PaymentDescriptor, error) {
	c.mu.Lock()
	sess := c.sessions[donationID]
	c.mu.Unlock()

	var amount float64
	if sess != nil {
		amount = sess.desc.Amount
	}

	desc, err := c.gateway.RegeneratePix(ctx, donationID, amount)
	if err != nil {
		return nil, fmt.Errorf("regenerate: %w", err)
	}

	if sess == nil {
		return desc, c.attach(ctx, *desc)
	}

	if sess.poll != nil {
		c.poller.Stop(sess.poll)
	}
	sess.desc = *desc

	if err := sess.machine.FireCtx(ctx, triggerPixRegenerated); err != nil {
		return nil, fmt.Errorf("regenerate: %w", err)
	}

	return desc, nil
}

// attach регистрирует сессию для дескриптора и вводит её в AWAITING_PAYMENT.
func (c *Controller) attach(ctx context.Context, desc model.PaymentDescriptor) error {
	sess := &donationSession{desc: desc}
	sess.machine = c.newMachine(sess, StateCreated)

	c.mu.Lock()
	c.sessions[desc.DonationID] = sess
	c.mu.Unlock()

	return sess.machine.FireCtx(ctx, triggerPaymentCreated)
}

// Recover сверяет хранилище ожидающих платежей с бэкендом при старте.
// Каждая запись проверяется немедленно, без ожидания интервала опроса:
// завершённые платежи разрешаются сразу, остальные возвращаются в
// AWAITING_PAYMENT со свежей сессией опроса.
func (c *Controller) Recover(ctx context.Context) error {
	ids, err := c.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list pending payments: %w", err)
	}

	for _, id := range ids {
		desc := model.PaymentDescriptor{
			DonationID: id,
			PixID:      id,
			CreatedAt:  time.Now(),
		}

		status, err := c.gateway.PaymentStatus(ctx, id)
		if err != nil {
			// Бэкенд недоступен: платёж считается ожидающим, опрос разберётся.
			c.logger.Warn("reconciliation check failed, re-attaching poller",
				zap.String("donationId", id),
				zap.Error(err),
			)
			if err := c.attach(ctx, desc); err != nil {
				return fmt.Errorf("re-attach %s: %w", id, err)
			}
			continue
		}

		switch {
		case status.Confirmed:
			sess := &donationSession{desc: desc}
			sess.machine = c.newMachine(sess, StateAwaitingPayment)
			if err := sess.machine.FireCtx(ctx, triggerConfirmed, status); err != nil {
				return fmt.Errorf("resolve recovered %s: %w", id, err)
			}
		case status.Expired:
			sess := &donationSession{desc: desc}
			sess.machine = c.newMachine(sess, StateAwaitingPayment)
			if err := sess.machine.FireCtx(ctx, triggerExpired); err != nil {
				return fmt.Errorf("resolve recovered %s: %w", id, err)
			}
		default:
			if err := c.attach(ctx, desc); err != nil {
				return fmt.Errorf("re-attach %s: %w", id, err)
			}
		}
	}

	return nil
}

// State возвращает текущее состояние жизненного цикла пожертвования.
func (c *Controller) State(donationID string) (string, bool) {
	c.mu.Lock()
	sess := c.sessions[donationID]
	c.mu.Unlock()

	if sess == nil {
		return "", false
	}

	state, ok := sess.machine.MustState().(string)
	if !ok {
		return "", false
	}
	return state, true
}

// Shutdown останавливает все сессии опроса.
func (c *Controller) Shutdown() {
	c.poller.StopAll()
}
