// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/mmeshcher/bilau-payments/internal/model"
)

// ErrInvalidDonation возвращается при некорректной заявке на пожертвование.
var ErrInvalidDonation = errors.New("invalid donation request")

var (
	emailRe   = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	pixCodeRe = regexp.MustCompile(`^[A-Za-z0-9+/=.-]+$`)
)

// ValidateDonation проверяет заявку на пожертвование до любого сетевого вызова.
// Премиальные поля (дизайн карточки и email) обязательны при сумме от порога премиума.
func ValidateDonation(req model.DonationRequest, limits model.Limits) error {
	nameLen := utf8.RuneCountInString(req.Name)
	if nameLen < 2 || nameLen > 50 {
		return fmt.Errorf("%w: name must be 2..50 characters", ErrInvalidDonation)
	}

	if req.Amount < limits.MinDonation || req.Amount > limits.MaxDonation {
		return fmt.Errorf("%w: amount must be between %.0f and %.0f", ErrInvalidDonation, limits.MinDonation, limits.MaxDonation)
	}

	if req.Amount >= limits.CustomCardThreshold {
		if req.CustomDesign == "" {
			return fmt.Errorf("%w: custom design is required for premium donations", ErrInvalidDonation)
		}
		if req.Email == "" {
			return fmt.Errorf("%w: email is required for premium donations", ErrInvalidDonation)
		}
	}

	if req.Email != "" && !emailRe.MatchString(req.Email) {
		return fmt.Errorf("%w: malformed email", ErrInvalidDonation)
	}

	return nil
}

// IsValidPixCode проверяет правдоподобность PIX-кода перед показом пользователю.
func IsValidPixCode(code string) bool {
	if len(code) < 32 {
		return false
	}
	return pixCodeRe.MatchString(code)
}
