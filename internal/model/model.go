// Package model содержит доменные сущности кампании пожертвований.
package model

import (
	"math"
	"time"
)

// CardType описывает тип карточки донора в зависимости от суммы.
type CardType string

const (
	CardTypeGreen  CardType = "green"
	CardTypeYellow CardType = "yellow"
	CardTypeRed    CardType = "red"
	CardTypeCustom CardType = "custom"
)

// CardTypeFor возвращает тип карточки для указанной суммы пожертвования.
func CardTypeFor(amount float64) CardType {
	switch {
	case amount >= 200:
		return CardTypeCustom
	case amount >= 50:
		return CardTypeRed
	case amount >= 10:
		return CardTypeYellow
	default:
		return CardTypeGreen
	}
}

// Centimeters переводит сумму пожертвования в сантиметры роста: 1 у.е. = 1 см.
func Centimeters(amount float64) int {
	return int(math.Round(amount))
}

// Limits содержит ограничения на сумму пожертвования.
type Limits struct {
	MinDonation         float64 `json:"minDonation"`
	MaxDonation         float64 `json:"maxDonation"`
	CustomCardThreshold float64 `json:"customCardThreshold"`
}

// DefaultLimits возвращает ограничения, используемые до получения конфигурации от бэкенда.
func DefaultLimits() Limits {
	return Limits{
		MinDonation:         1,
		MaxDonation:         10000,
		CustomCardThreshold: 200,
	}
}

// DonationRequest описывает заявку на пожертвование, собранную из пользовательского ввода.
// После отправки заявка не изменяется.
type DonationRequest struct {
	Name         string
	Amount       float64
	CustomDesign string
	Email        string
}

// PaymentDescriptor содержит данные созданного PIX-платежа.
// Дескриптором владеет контроллер жизненного цикла; опрашиватель читает его, но не изменяет.
type PaymentDescriptor struct {
	DonationID        string
	PixID             string
	ExternalReference string
	PixCode           string
	QRCodeBase64      string
	QRCodeURL         string
	ExpiresAt         time.Time
	Amount            float64
	Centimeters       int
	CreatedAt         time.Time
}

// Donation описывает подтверждённое пожертвование, как его возвращает бэкенд.
type Donation struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Amount       float64  `json:"amount"`
	Centimeters  int      `json:"centimeters"`
	CardType     CardType `json:"cardType"`
	CustomDesign string   `json:"customDesign,omitempty"`
	Email        string   `json:"email,omitempty"`
}

// PaymentStatus описывает результат одной проверки статуса платежа.
// Живёт только в рамках текущего цикла опроса и нигде не сохраняется.
type PaymentStatus struct {
	Confirmed bool
	Expired   bool
	Pending   bool
	Donation  *Donation
	PaidAt    *time.Time
}

// CampaignStats содержит сводную статистику кампании для отображения.
type CampaignStats struct {
	TotalCentimeters int     `json:"totalCentimeters"`
	TotalDonations   int     `json:"totalDonations"`
	TotalAmount      float64 `json:"totalAmount"`
	CurrentVisual    string  `json:"currentVisual"`
	LastUpdated      string  `json:"lastUpdated"`
}

// CampaignConfig содержит настройки кампании, получаемые от бэкенда.
type CampaignConfig struct {
	Goals  map[string]int `json:"goals"`
	Limits Limits         `json:"limits"`
}

// DefaultCampaignConfig возвращает настройки кампании, используемые при недоступности бэкенда.
func DefaultCampaignConfig() CampaignConfig {
	return CampaignConfig{
		Goals: map[string]int{
			"aquatico": 500,
			"cowboy":   1000,
			"ballz":    1500,
			"saiyajin": 2000,
		},
		Limits: DefaultLimits(),
	}
}
