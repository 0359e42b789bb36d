package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/bilau-payments/internal/model"
	"github.com/mmeshcher/bilau-payments/internal/poller"
	"github.com/mmeshcher/bilau-payments/internal/validation"
)

type stubGateway struct {
	mu          sync.Mutex
	desc        *model.PaymentDescriptor
	createErr   error
	createCalls int
	statusFn    func(pixID string) (*model.PaymentStatus, error)
	statusCalls int
	confirmErr  error
	regenDesc   *model.PaymentDescriptor
}

func (g *stubGateway) CreateDonation(ctx context.Context, req model.DonationRequest) (*model.PaymentDescriptor, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createCalls++
	if g.createErr != nil {
		return nil, g.createErr
	}
	d := *g.desc
	return &d, nil
}

func (g *stubGateway) PaymentStatus(ctx context.Context, pixID string) (*model.PaymentStatus, error) {
	g.mu.Lock()
	fn := g.statusFn
	g.statusCalls++
	g.mu.Unlock()
	if fn == nil {
		return &model.PaymentStatus{Pending: true}, nil
	}
	return fn(pixID)
}

func (g *stubGateway) ConfirmPayment(ctx context.Context, donationID string) error {
	return g.confirmErr
}

func (g *stubGateway) RegeneratePix(ctx context.Context, donationID string, amount float64) (*model.PaymentDescriptor, error) {
	if g.regenDesc == nil {
		return nil, errors.New("no regenerated descriptor")
	}
	d := *g.regenDesc
	return &d, nil
}

type memStore struct {
	mu  sync.Mutex
	ids []string
}

func (s *memStore) Add(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.ids {
		if v == id {
			return nil
		}
	}
	s.ids = append(s.ids, id)
	return nil
}

func (s *memStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	filtered := s.ids[:0]
	for _, v := range s.ids {
		if v != id {
			filtered = append(filtered, v)
		}
	}
	s.ids = filtered
	return nil
}

func (s *memStore) List(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...), nil
}

type eventsRecorder struct {
	mu        sync.Mutex
	awaiting  []model.PaymentDescriptor
	confirmed []model.Donation
	expired   []string
	timedOut  []string
	closed    []string
	growth    []int
	terminal  chan struct{}
	once      sync.Once
}

func newEventsRecorder() *eventsRecorder {
	return &eventsRecorder{terminal: make(chan struct{})}
}

func (r *eventsRecorder) markTerminal() {
	r.once.Do(func() { close(r.terminal) })
}

func (r *eventsRecorder) PaymentAwaiting(desc model.PaymentDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.awaiting = append(r.awaiting, desc)
}

func (r *eventsRecorder) PaymentConfirmed(d model.Donation) {
	r.mu.Lock()
	r.confirmed = append(r.confirmed, d)
	r.mu.Unlock()
	r.markTerminal()
}

func (r *eventsRecorder) PaymentExpired(id string) {
	r.mu.Lock()
	r.expired = append(r.expired, id)
	r.mu.Unlock()
	r.markTerminal()
}

func (r *eventsRecorder) PaymentTimedOut(id string) {
	r.mu.Lock()
	r.timedOut = append(r.timedOut, id)
	r.mu.Unlock()
	r.markTerminal()
}

func (r *eventsRecorder) PaymentClosed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, id)
}

func (r *eventsRecorder) GrowthApplied(cm int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.growth = append(r.growth, cm)
}

func (r *eventsRecorder) waitTerminal(t *testing.T) {
	t.Helper()
	select {
	case <-r.terminal:
	case <-time.After(5 * time.Second):
		t.Fatalf("no terminal event delivered")
	}
}

func testDescriptor() *model.PaymentDescriptor {
	return &model.PaymentDescriptor{
		DonationID:  "don-1",
		PixID:       "pix-1",
		PixCode:     "00020126580014br.gov.bcb.pix0136abcdef12",
		Amount:      250,
		Centimeters: 250,
		CreatedAt:   time.Now(),
	}
}

func newTestController(gw *stubGateway, st *memStore, rec *eventsRecorder, opts poller.Options) *Controller {
	logger := zap.NewNop()
	p := poller.New(gw, logger, opts)
	return NewController(gw, st, p, rec, logger, model.DefaultLimits())
}

func slowPollOptions() poller.Options {
	// Тики практически не наступают: исходы доставляются тестом напрямую.
	return poller.Options{Interval: time.Hour, MaxAttempts: 60, Deadline: time.Hour}
}

func premiumRequest() model.DonationRequest {
	return model.DonationRequest{
		Name:         "Maria Santos",
		Amount:       250,
		CustomDesign: "golden dragon",
		Email:        "maria@example.com",
	}
}

func TestDonate_EntersAwaitingWithStoreEntry(t *testing.T) {
	gw := &stubGateway{desc: testDescriptor()}
	st := &memStore{}
	rec := newEventsRecorder()
	c := newTestController(gw, st, rec, slowPollOptions())
	defer c.Shutdown()

	desc, err := c.Donate(context.Background(), premiumRequest())
	if err != nil {
		t.Fatalf("Donate error: %v", err)
	}
	if desc.Centimeters != 250 {
		t.Fatalf("centimeters = %d, want 250", desc.Centimeters)
	}

	state, ok := c.State("don-1")
	if !ok || state != StateAwaitingPayment {
		t.Fatalf("state = %q (%v), want AWAITING_PAYMENT", state, ok)
	}

	// Запись в хранилище существует тогда и только тогда, когда платёж ожидает оплаты.
	ids, _ := st.List(context.Background())
	if len(ids) != 1 || ids[0] != "don-1" {
		t.Fatalf("store = %v, want [don-1]", ids)
	}

	if len(rec.awaiting) != 1 || rec.awaiting[0].PixID != "pix-1" {
		t.Fatalf("awaiting events = %+v", rec.awaiting)
	}
}

func TestDonate_ValidationBeforeNetwork(t *testing.T) {
	gw := &stubGateway{desc: testDescriptor()}
	st := &memStore{}
	rec := newEventsRecorder()
	c := newTestController(gw, st, rec, slowPollOptions())
	defer c.Shutdown()

	// Премиальная сумма без обязательных полей.
	_, err := c.Donate(context.Background(), model.DonationRequest{Name: "Maria Santos", Amount: 250})
	if !errors.Is(err, validation.ErrInvalidDonation) {
		t.Fatalf("error = %v, want ErrInvalidDonation", err)
	}
	if gw.createCalls != 0 {
		t.Fatalf("createCalls = %d, want 0 (validation rejects before network)", gw.createCalls)
	}
}

func TestDonate_CreationFailureLeavesNoTrace(t *testing.T) {
	gw := &stubGateway{createErr: errors.New("backend down")}
	st := &memStore{}
	rec := newEventsRecorder()
	c := newTestController(gw, st, rec, slowPollOptions())
	defer c.Shutdown()

	_, err := c.Donate(context.Background(), premiumRequest())
	if err == nil {
		t.Fatalf("expected error")
	}

	ids, _ := st.List(context.Background())
	if len(ids) != 0 {
		t.Fatalf("store = %v, want empty after failed creation", ids)
	}
	if len(rec.awaiting) != 0 {
		t.Fatalf("awaiting events after failed creation: %+v", rec.awaiting)
	}
}

func TestConfirmed_AppliesGrowthExactlyOnce(t *testing.T) {
	gw := &stubGateway{desc: testDescriptor()}
	st := &memStore{}
	rec := newEventsRecorder()
	c := newTestController(gw, st, rec, slowPollOptions())
	defer c.Shutdown()

	desc, err := c.Donate(context.Background(), premiumRequest())
	if err != nil {
		t.Fatalf("Donate error: %v", err)
	}

	status := &model.PaymentStatus{
		Confirmed: true,
		Donation: &model.Donation{
			ID:          "don-1",
			Name:        "Maria Santos",
			Amount:      250,
			Centimeters: 250,
		},
	}

	// Опоздавший дубликат уведомления не должен применить рост дважды.
	c.pollOutcome(*desc, status, poller.OutcomeConfirmed)
	c.pollOutcome(*desc, status, poller.OutcomeConfirmed)

	if len(rec.growth) != 1 || rec.growth[0] != 250 {
		t.Fatalf("growth = %v, want [250]", rec.growth)
	}
	if len(rec.confirmed) != 1 || rec.confirmed[0].Name != "Maria Santos" {
		t.Fatalf("confirmed = %+v", rec.confirmed)
	}

	ids, _ := st.List(context.Background())
	if len(ids) != 0 {
		t.Fatalf("store = %v, want empty after confirmation", ids)
	}

	state, _ := c.State("don-1")
	if state != StateConfirmed {
		t.Fatalf("state = %q, want CONFIRMED", state)
	}
}

func TestExpired_RemovesEntryWithoutGrowth(t *testing.T) {
	gw := &stubGateway{desc: testDescriptor()}
	st := &memStore{}
	rec := newEventsRecorder()
	c := newTestController(gw, st, rec, slowPollOptions())
	defer c.Shutdown()

	desc, err := c.Donate(context.Background(), premiumRequest())
	if err != nil {
		t.Fatalf("Donate error: %v", err)
	}

	c.pollOutcome(*desc, nil, poller.OutcomeExpired)

	if len(rec.expired) != 1 {
		t.Fatalf("expired = %v, want one event", rec.expired)
	}
	if len(rec.growth) != 0 {
		t.Fatalf("growth = %v, want none for expired payment", rec.growth)
	}

	ids, _ := st.List(context.Background())
	if len(ids) != 0 {
		t.Fatalf("store = %v, want empty", ids)
	}
}

func TestTimedOut_ViaPollerAttempts(t *testing.T) {
	gw := &stubGateway{desc: testDescriptor()}
	st := &memStore{}
	rec := newEventsRecorder()
	c := newTestController(gw, st, rec, poller.Options{
		Interval:    time.Millisecond,
		MaxAttempts: 3,
		Deadline:    time.Minute,
	})
	defer c.Shutdown()

	if _, err := c.Donate(context.Background(), premiumRequest()); err != nil {
		t.Fatalf("Donate error: %v", err)
	}

	rec.waitTerminal(t)

	if len(rec.timedOut) != 1 || rec.timedOut[0] != "don-1" {
		t.Fatalf("timedOut = %v, want [don-1]", rec.timedOut)
	}

	ids, _ := st.List(context.Background())
	if len(ids) != 0 {
		t.Fatalf("store = %v, want empty after timeout", ids)
	}

	state, _ := c.State("don-1")
	if state != StateTimedOut {
		t.Fatalf("state = %q, want TIMED_OUT", state)
	}
}

func TestRecover_ConfirmedEntryResolvedOnce(t *testing.T) {
	gw := &stubGateway{
		statusFn: func(pixID string) (*model.PaymentStatus, error) {
			return &model.PaymentStatus{
				Confirmed: true,
				Donation:  &model.Donation{ID: pixID, Name: "João Silva", Amount: 50, Centimeters: 50},
			}, nil
		},
	}
	st := &memStore{}
	_ = st.Add(context.Background(), "don-x")
	rec := newEventsRecorder()
	c := newTestController(gw, st, rec, slowPollOptions())
	defer c.Shutdown()

	if err := c.Recover(context.Background()); err != nil {
		t.Fatalf("Recover error: %v", err)
	}

	if len(rec.confirmed) != 1 {
		t.Fatalf("confirmed = %+v, want exactly one event", rec.confirmed)
	}
	if len(rec.growth) != 1 || rec.growth[0] != 50 {
		t.Fatalf("growth = %v, want [50]", rec.growth)
	}

	ids, _ := st.List(context.Background())
	if len(ids) != 0 {
		t.Fatalf("store = %v, want empty after reconciliation", ids)
	}
}

func TestRecover_PendingEntryReattachesPoller(t *testing.T) {
	gw := &stubGateway{
		statusFn: func(pixID string) (*model.PaymentStatus, error) {
			return &model.PaymentStatus{Pending: true}, nil
		},
	}
	st := &memStore{}
	_ = st.Add(context.Background(), "don-x")
	rec := newEventsRecorder()
	c := newTestController(gw, st, rec, slowPollOptions())
	defer c.Shutdown()

	if err := c.Recover(context.Background()); err != nil {
		t.Fatalf("Recover error: %v", err)
	}

	state, ok := c.State("don-x")
	if !ok || state != StateAwaitingPayment {
		t.Fatalf("state = %q (%v), want AWAITING_PAYMENT", state, ok)
	}

	ids, _ := st.List(context.Background())
	if len(ids) != 1 {
		t.Fatalf("store = %v, want entry kept while awaiting", ids)
	}

	if len(rec.awaiting) != 1 {
		t.Fatalf("awaiting = %+v, want one event", rec.awaiting)
	}
}

func TestRecover_CheckFailureKeepsPaymentAlive(t *testing.T) {
	gw := &stubGateway{
		statusFn: func(pixID string) (*model.PaymentStatus, error) {
			return nil, errors.New("backend down")
		},
	}
	st := &memStore{}
	_ = st.Add(context.Background(), "don-x")
	rec := newEventsRecorder()
	c := newTestController(gw, st, rec, slowPollOptions())
	defer c.Shutdown()

	if err := c.Recover(context.Background()); err != nil {
		t.Fatalf("Recover error: %v", err)
	}

	state, ok := c.State("don-x")
	if !ok || state != StateAwaitingPayment {
		t.Fatalf("state = %q (%v), want AWAITING_PAYMENT", state, ok)
	}
}

func TestClose_TerminalStateIsIdempotent(t *testing.T) {
	gw := &stubGateway{desc: testDescriptor()}
	st := &memStore{}
	rec := newEventsRecorder()
	c := newTestController(gw, st, rec, slowPollOptions())
	defer c.Shutdown()

	desc, err := c.Donate(context.Background(), premiumRequest())
	if err != nil {
		t.Fatalf("Donate error: %v", err)
	}

	c.pollOutcome(*desc, &model.PaymentStatus{Confirmed: true}, poller.OutcomeConfirmed)

	c.Close(context.Background(), "don-1")
	c.Close(context.Background(), "don-1")

	if len(rec.closed) != 1 {
		t.Fatalf("closed = %v, want exactly one event", rec.closed)
	}
	if _, ok := c.State("don-1"); ok {
		t.Fatalf("session still registered after close")
	}
}

func TestRegenerate_RestartsAwaiting(t *testing.T) {
	newPix := testDescriptor()
	newPix.PixID = "pix-2"
	newPix.PixCode = "00020126580014br.gov.bcb.pix0136fedcba21"

	gw := &stubGateway{desc: testDescriptor(), regenDesc: newPix}
	st := &memStore{}
	rec := newEventsRecorder()
	c := newTestController(gw, st, rec, slowPollOptions())
	defer c.Shutdown()

	if _, err := c.Donate(context.Background(), premiumRequest()); err != nil {
		t.Fatalf("Donate error: %v", err)
	}

	desc, err := c.Regenerate(context.Background(), "don-1")
	if err != nil {
		t.Fatalf("Regenerate error: %v", err)
	}
	if desc.PixID != "pix-2" {
		t.Fatalf("pixID = %s, want pix-2", desc.PixID)
	}

	state, _ := c.State("don-1")
	if state != StateAwaitingPayment {
		t.Fatalf("state = %q, want AWAITING_PAYMENT", state)
	}

	// Дескриптор сменился, но запись в хранилище одна.
	ids, _ := st.List(context.Background())
	if len(ids) != 1 {
		t.Fatalf("store = %v, want single entry", ids)
	}

	if len(rec.awaiting) != 2 {
		t.Fatalf("awaiting = %d events, want 2 (initial + regenerated)", len(rec.awaiting))
	}
}

func TestConfirm_FailureDoesNotChangeState(t *testing.T) {
	gw := &stubGateway{desc: testDescriptor(), confirmErr: errors.New("backend down")}
	st := &memStore{}
	rec := newEventsRecorder()
	c := newTestController(gw, st, rec, slowPollOptions())
	defer c.Shutdown()

	if _, err := c.Donate(context.Background(), premiumRequest()); err != nil {
		t.Fatalf("Donate error: %v", err)
	}

	if err := c.Confirm(context.Background(), "don-1"); err == nil {
		t.Fatalf("expected error from Confirm")
	}

	state, _ := c.State("don-1")
	if state != StateAwaitingPayment {
		t.Fatalf("state = %q, want AWAITING_PAYMENT after failed confirm", state)
	}

	ids, _ := st.List(context.Background())
	if len(ids) != 1 {
		t.Fatalf("store = %v, want entry kept", ids)
	}
}
