// Package gateway предоставляет клиент бэкенда кампании пожертвований.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/bilau-payments/internal/model"
)

// ErrConnectivity возвращается при сетевой ошибке или таймауте запроса.
var (
	ErrConnectivity = errors.New("backend unreachable")
	// ErrValidation возвращается, если бэкенд отклонил данные запроса.
	ErrValidation = errors.New("backend rejected request data")
	// ErrUnauthorized возвращается при отказе в доступе.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound возвращается, если ресурс не найден.
	ErrNotFound = errors.New("resource not found")
	// ErrRateLimited возвращается при превышении лимита запросов.
	ErrRateLimited = errors.New("rate limited")
	// ErrServer возвращается при ошибке на стороне бэкенда.
	ErrServer = errors.New("backend server error")
	// ErrMalformedResponse возвращается при ответе неожиданной формы.
	ErrMalformedResponse = errors.New("malformed backend response")
)

// Client инкапсулирует HTTP-взаимодействие с бэкендом кампании.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	maxAttempts uint64
	backoffBase time.Duration
}

// NewClient создаёт HTTP-клиент бэкенда с указанным адресом и таймаутом одного запроса.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger:      logger,
		maxAttempts: 3,
		backoffBase: 2 * time.Second,
	}
}

func statusError(code int) error {
	switch {
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: status %d", ErrValidation, code)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrUnauthorized, code)
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: status %d", ErrNotFound, code)
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrRateLimited, code)
	case code >= http.StatusInternalServerError:
		return fmt.Errorf("%w: status %d", ErrServer, code)
	default:
		return fmt.Errorf("%w: unexpected status %d", ErrMalformedResponse, code)
	}
}

func isRetryable(err error) bool {
	return errors.Is(err, ErrConnectivity) || errors.Is(err, ErrServer) || errors.Is(err, ErrRateLimited)
}

// do выполняет один вызов бэкенда. При withRetry неуспешные попытки повторяются
// с экспоненциальной выдержкой; вызовы опроса статуса повторы отключают,
// чтобы не сбивать расписание тиков.
func (c *Client) do(ctx context.Context, method, path string, body, out any, withRetry bool) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	attempt := func(ctx context.Context) error {
		err := c.once(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}
		if withRetry && isRetryable(err) {
			c.logger.Warn("backend request failed, will retry",
				zap.String("method", method),
				zap.String("path", path),
				zap.Error(err),
			)
			return retry.RetryableError(err)
		}
		return err
	}

	if !withRetry {
		return attempt(ctx)
	}

	backoff := retry.WithMaxRetries(c.maxAttempts-1, retry.NewExponential(c.backoffBase))
	return retry.Do(ctx, backoff, attempt)
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) error {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	var reqBody *bytes.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrConnectivity, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return statusError(resp.StatusCode)
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode: %s", ErrMalformedResponse, err)
	}

	return nil
}

type donationCreateRequest struct {
	Name         string         `json:"name"`
	Amount       float64        `json:"amount"`
	Centimeters  int            `json:"centimeters"`
	CardType     model.CardType `json:"cardType"`
	CustomDesign string         `json:"customDesign,omitempty"`
	Email        string         `json:"email,omitempty"`
	Timestamp    string         `json:"timestamp"`
}

type paymentPayload struct {
	PixID             string `json:"pixId"`
	ExternalReference string `json:"externalReference"`
	QRCode            string `json:"qrCode"`
	QRCodeBase64      string `json:"qrCodeBase64"`
	TicketURL         string `json:"ticketUrl"`
	ExpiresAt         string `json:"expiresAt"`
}

type donationCreateResponse struct {
	Donation struct {
		ID       string `json:"id"`
		LegacyID string `json:"_id"`
	} `json:"donation"`
	Payment paymentPayload `json:"payment"`
}

func (r *donationCreateResponse) donationID() string {
	if r.Donation.ID != "" {
		return r.Donation.ID
	}
	return r.Donation.LegacyID
}

func descriptorFrom(donationID string, p paymentPayload, amount float64) (*model.PaymentDescriptor, error) {
	if donationID == "" || p.PixID == "" || p.QRCode == "" {
		return nil, fmt.Errorf("%w: payment descriptor is missing required fields", ErrMalformedResponse)
	}

	var expiresAt time.Time
	if p.ExpiresAt != "" {
		parsed, err := time.Parse(time.RFC3339, p.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("%w: bad expiresAt %q", ErrMalformedResponse, p.ExpiresAt)
		}
		expiresAt = parsed
	}

	return &model.PaymentDescriptor{
		DonationID:        donationID,
		PixID:             p.PixID,
		ExternalReference: p.ExternalReference,
		PixCode:           p.QRCode,
		QRCodeBase64:      p.QRCodeBase64,
		QRCodeURL:         p.TicketURL,
		ExpiresAt:         expiresAt,
		Amount:            amount,
		Centimeters:       model.Centimeters(amount),
		CreatedAt:         time.Now(),
	}, nil
}

// CreateDonation создаёт пожертвование и возвращает дескриптор PIX-платежа.
func (c *Client) CreateDonation(ctx context.Context, req model.DonationRequest) (*model.PaymentDescriptor, error) {
	body := donationCreateRequest{
		Name:         strings.TrimSpace(req.Name),
		Amount:       req.Amount,
		Centimeters:  model.Centimeters(req.Amount),
		CardType:     model.CardTypeFor(req.Amount),
		CustomDesign: req.CustomDesign,
		Email:        req.Email,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}

	var resp donationCreateResponse
	if err := c.do(ctx, http.MethodPost, "/donations", body, &resp, true); err != nil {
		return nil, fmt.Errorf("create donation: %w", err)
	}

	return descriptorFrom(resp.donationID(), resp.Payment, req.Amount)
}

type paymentStatusResponse struct {
	Status    string          `json:"status"`
	Confirmed bool            `json:"confirmed"`
	Expired   bool            `json:"expired"`
	Pending   bool            `json:"pending"`
	Donation  *model.Donation `json:"donation"`
	PaidAt    *time.Time      `json:"paidAt"`
}

// PaymentStatus запрашивает статус PIX-платежа. Вызов выполняется без повторов:
// неудачная проверка учитывается опрашивателем как непродвинувшаяся попытка.
func (c *Client) PaymentStatus(ctx context.Context, pixID string) (*model.PaymentStatus, error) {
	var resp paymentStatusResponse
	if err := c.do(ctx, http.MethodGet, "/payments/status/pix/"+pixID, nil, &resp, false); err != nil {
		return nil, fmt.Errorf("check payment status: %w", err)
	}

	status := &model.PaymentStatus{
		Confirmed: resp.Confirmed || resp.Status == "confirmed",
		Expired:   resp.Expired || resp.Status == "expired",
		Pending:   resp.Pending || resp.Status == "pending",
		Donation:  resp.Donation,
		PaidAt:    resp.PaidAt,
	}

	if !status.Confirmed && !status.Expired && !status.Pending {
		return nil, fmt.Errorf("%w: payment status is neither confirmed, expired nor pending", ErrMalformedResponse)
	}

	return status, nil
}

// ConfirmPayment отправляет ручное подтверждение платежа (имитация вебхука).
func (c *Client) ConfirmPayment(ctx context.Context, donationID string) error {
	if err := c.do(ctx, http.MethodPost, "/payments/confirm/"+donationID, nil, nil, true); err != nil {
		return fmt.Errorf("confirm payment: %w", err)
	}
	return nil
}

// RegeneratePix выпускает новый PIX-код для существующего пожертвования.
func (c *Client) RegeneratePix(ctx context.Context, donationID string, amount float64) (*model.PaymentDescriptor, error) {
	var resp donationCreateResponse
	if err := c.do(ctx, http.MethodPost, "/payments/regenerate/"+donationID, nil, &resp, true); err != nil {
		return nil, fmt.Errorf("regenerate pix: %w", err)
	}

	id := resp.donationID()
	if id == "" {
		id = donationID
	}

	return descriptorFrom(id, resp.Payment, amount)
}

type donationsResponse struct {
	Donations []model.Donation `json:"donations"`
}

// Donations возвращает список пожертвований. Вызов косметический: при ошибке
// возвращается пустой список, а не ошибка.
func (c *Client) Donations(ctx context.Context, limit, offset int) []model.Donation {
	path := fmt.Sprintf("/donations?limit=%d&offset=%d", limit, offset)

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, path, nil, &raw, true); err != nil {
		c.logger.Warn("fetch donations failed, using empty list", zap.Error(err))
		return nil
	}

	var wrapped donationsResponse
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Donations != nil {
		return wrapped.Donations
	}

	var list []model.Donation
	if err := json.Unmarshal(raw, &list); err != nil {
		c.logger.Warn("donations payload has unexpected shape, using empty list")
		return nil
	}
	return list
}

// Donation возвращает пожертвование по идентификатору.
func (c *Client) Donation(ctx context.Context, donationID string) (*model.Donation, error) {
	var d model.Donation
	if err := c.do(ctx, http.MethodGet, "/donations/"+donationID, nil, &d, true); err != nil {
		return nil, fmt.Errorf("get donation: %w", err)
	}
	return &d, nil
}

// CampaignStats возвращает статистику кампании; при недоступности бэкенда
// возвращаются данные по умолчанию.
func (c *Client) CampaignStats(ctx context.Context) model.CampaignStats {
	var stats model.CampaignStats
	if err := c.do(ctx, http.MethodGet, "/bilau/stats", nil, &stats, true); err != nil {
		c.logger.Warn("fetch campaign stats failed, using defaults", zap.Error(err))
		return model.CampaignStats{
			TotalCentimeters: 1652,
			CurrentVisual:    "default",
			LastUpdated:      time.Now().UTC().Format(time.RFC3339),
		}
	}
	if stats.CurrentVisual == "" {
		stats.CurrentVisual = "default"
	}
	return stats
}

// CampaignConfig возвращает настройки кампании; при недоступности бэкенда
// возвращаются настройки по умолчанию.
func (c *Client) CampaignConfig(ctx context.Context) model.CampaignConfig {
	var cfg model.CampaignConfig
	if err := c.do(ctx, http.MethodGet, "/config", nil, &cfg, true); err != nil {
		c.logger.Warn("fetch campaign config failed, using defaults", zap.Error(err))
		return model.DefaultCampaignConfig()
	}
	if cfg.Limits == (model.Limits{}) {
		cfg.Limits = model.DefaultLimits()
	}
	return cfg
}

type healthResponse struct {
	Status string `json:"status"`
}

// Health проверяет доступность бэкенда.
func (c *Client) Health(ctx context.Context) bool {
	var resp healthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp, false); err != nil {
		return false
	}
	return strings.EqualFold(resp.Status, "ok")
}
