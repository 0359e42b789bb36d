// Package store содержит реализации хранилища ожидающих платежей.
package store

import "context"

// PendingStore описывает долговременный список идентификаторов платежей,
// ожидающих подтверждения. Запись существует ровно до терминального исхода
// платежа; Add и Remove идемпотентны.
type PendingStore interface {
	Add(ctx context.Context, donationID string) error
	Remove(ctx context.Context, donationID string) error
	List(ctx context.Context) ([]string, error)
	Close() error
}
