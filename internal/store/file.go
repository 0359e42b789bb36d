package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// FileStore хранит список ожидающих платежей в одном JSON-файле.
// Файл перечитывается перед каждой записью, чтобы не потерять изменения,
// внесённые другим процессом между операциями.
type FileStore struct {
	path   string
	logger *zap.Logger
	mu     sync.Mutex
}

// NewFileStore создаёт файловое хранилище ожидающих платежей по указанному пути.
func NewFileStore(path string, logger *zap.Logger) *FileStore {
	return &FileStore{
		path:   path,
		logger: logger,
	}
}

// Close у файлового хранилища ничего не освобождает.
func (s *FileStore) Close() error {
	return nil
}

// read возвращает текущий список идентификаторов. Повреждённый или отсутствующий
// файл не считается фатальной ошибкой: хранилище деградирует до пустого списка.
func (s *FileStore) read() []string {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("read pending store failed, treating as empty", zap.String("path", s.path), zap.Error(err))
		}
		return nil
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		s.logger.Warn("pending store is corrupt, treating as empty", zap.String("path", s.path), zap.Error(err))
		return nil
	}

	return ids
}

// write атомарно заменяет файл через временный файл и rename.
func (s *FileStore) write(ids []string) error {
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshal pending ids: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".pending-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace pending store: %w", err)
	}

	return nil
}

// Add добавляет идентификатор в список ожидающих. Повторное добавление — no-op.
func (s *FileStore) Add(ctx context.Context, donationID string) error {
	if donationID == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.read()
	for _, id := range ids {
		if id == donationID {
			return nil
		}
	}

	return s.write(append(ids, donationID))
}

// Remove удаляет идентификатор из списка ожидающих. Отсутствующий идентификатор — no-op.
func (s *FileStore) Remove(ctx context.Context, donationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.read()
	filtered := ids[:0]
	found := false
	for _, id := range ids {
		if id == donationID {
			found = true
			continue
		}
		filtered = append(filtered, id)
	}

	if !found {
		return nil
	}

	return s.write(filtered)
}

// List возвращает текущий список ожидающих платежей.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.read(), nil
}
