// Package main запускает консольный клиент кампании пожертвований.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/bilau-payments/internal/config"
	"github.com/mmeshcher/bilau-payments/internal/gateway"
	"github.com/mmeshcher/bilau-payments/internal/lifecycle"
	"github.com/mmeshcher/bilau-payments/internal/model"
	"github.com/mmeshcher/bilau-payments/internal/poller"
	"github.com/mmeshcher/bilau-payments/internal/store"
)

// presenter печатает события жизненного цикла платежа и сообщает main о
// терминальных исходах через канал.
type presenter struct {
	sugar    *zap.SugaredLogger
	terminal chan string
}

func newPresenter(sugar *zap.SugaredLogger) *presenter {
	return &presenter{
		sugar:    sugar,
		terminal: make(chan string, 64),
	}
}

func (p *presenter) PaymentAwaiting(desc model.PaymentDescriptor) {
	p.sugar.Infow("awaiting payment",
		"donationId", desc.DonationID,
		"pixCode", desc.PixCode,
		"qrCodeUrl", desc.QRCodeURL,
		"amount", desc.Amount,
		"expiresAt", desc.ExpiresAt,
	)
}

func (p *presenter) PaymentConfirmed(donation model.Donation) {
	p.sugar.Infow("payment confirmed",
		"donationId", donation.ID,
		"name", donation.Name,
		"amount", donation.Amount,
		"cardType", donation.CardType,
	)
	p.terminal <- donation.ID
}

func (p *presenter) PaymentExpired(donationID string) {
	p.sugar.Infow("payment expired, a new pix code can be requested", "donationId", donationID)
	p.terminal <- donationID
}

func (p *presenter) PaymentTimedOut(donationID string) {
	p.sugar.Infow("payment polling timed out, payment stays recoverable", "donationId", donationID)
	p.terminal <- donationID
}

func (p *presenter) PaymentClosed(donationID string) {
	p.sugar.Debugw("payment closed", "donationId", donationID)
}

func (p *presenter) GrowthApplied(centimeters int) {
	p.sugar.Infow("growth applied", "centimeters", centimeters)
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	var pending store.PendingStore
	if cfg.DatabaseURI != "" {
		pg, err := store.NewPostgresStore(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		pending = pg
	} else {
		pending = store.NewFileStore(cfg.PendingFile, logger)
	}
	defer pending.Close()

	client := gateway.NewClient(cfg.APIAddress, cfg.RequestTimeout, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !client.Health(ctx) {
		sugar.Warnw("backend health check failed, continuing anyway", "address", cfg.APIAddress)
	}

	// Статистика и настройки кампании — косметика: при недоступном бэкенде
	// используются значения по умолчанию.
	campaign := client.CampaignConfig(ctx)
	stats := client.CampaignStats(ctx)
	sugar.Infow("campaign state",
		"totalCentimeters", stats.TotalCentimeters,
		"totalDonations", stats.TotalDonations,
		"minDonation", campaign.Limits.MinDonation,
		"maxDonation", campaign.Limits.MaxDonation,
	)

	events := newPresenter(sugar)
	p := poller.New(client, logger, poller.Options{
		Interval:    cfg.PollInterval,
		MaxAttempts: cfg.PollMaxAttempts,
		Deadline:    cfg.PollDeadline,
	})
	controller := lifecycle.NewController(client, pending, p, events, logger, campaign.Limits)

	// Сверка хранилища с бэкендом до приёма нового пожертвования: брошенные
	// платежи разрешаются или возвращаются в опрос.
	if err := controller.Recover(ctx); err != nil {
		sugar.Fatalw("recovery error", "error", err.Error())
	}

	// Платежи, разрешённые при сверке, закрываются сразу: их терминальные
	// события уже доставлены.
	for len(events.terminal) > 0 {
		controller.Close(ctx, <-events.terminal)
	}

	recovered, err := pending.List(ctx)
	if err != nil {
		sugar.Fatalw("pending store error", "error", err.Error())
	}

	outstanding := len(recovered)

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Amount > 0 {
		outstanding++
		g.Go(func() error {
			req := model.DonationRequest{
				Name:         cfg.DonorName,
				Amount:       cfg.Amount,
				CustomDesign: cfg.CustomDesign,
				Email:        cfg.Email,
			}
			if _, err := controller.Donate(ctx, req); err != nil {
				sugar.Errorw("donation failed", "error", err.Error())
				stop()
			}
			return nil
		})
	} else if outstanding == 0 {
		sugar.Info("nothing to recover and no donation requested")
		stop()
	}

	// Завершение после разрешения всех платежей либо по сигналу.
	g.Go(func() error {
		remaining := outstanding
		for remaining > 0 {
			select {
			case id := <-events.terminal:
				controller.Close(ctx, id)
				remaining--
			case <-ctx.Done():
				return nil
			}
		}
		stop()
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down...")
		controller.Shutdown()
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
