// Package filerepo реализует контракты хранилищ поверх JSON-файлов.
// Взаимозаменяем с адаптером Postgres; предназначен для небольших
// инсталляций без внешней БД.
package filerepo

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store хранит каждую сущность в отдельном JSON-файле каталога dir.
// Все операции сериализуются мьютексом: конкурентных процессов-писателей
// по условиям эксплуатации нет.
type Store struct {
	dir string
	mu  sync.Mutex
}

// New создаёт каталог хранилища при необходимости.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("создание каталога %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// load читает файл в out; отсутствующий файл оставляет out нетронутым.
func (s *Store) load(name string, out any) error {
	raw, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("чтение %s: %w", name, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("декодирование %s: %w", name, err)
	}
	return nil
}

// save пишет значение атомарно: во временный файл с последующим rename.
func (s *Store) save(name string, value any) error {
	raw, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("кодирование %s: %w", name, err)
	}
	tmp := s.path(name) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("запись %s: %w", name, err)
	}
	if err := os.Rename(tmp, s.path(name)); err != nil {
		return fmt.Errorf("переименование %s: %w", name, err)
	}
	return nil
}
