package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/annel0/voxel-terrain/internal/world"
)

const chunkFileExt = ".chunk"

// FileStore хранит каждую запись отдельным файлом
// {root}/{world}/terrain/{cx}_{cz}.chunk
type FileStore struct {
	dir    string
	mu     sync.RWMutex
	closed bool
}

// NewFileStore создаёт каталог terrain мира, если его ещё нет.
func NewFileStore(root, worldName string) (*FileStore, error) {
	dir := filepath.Join(root, worldName, "terrain")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir каталог с файлами чанков
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key+chunkFileExt)
}

func validKey(key string) error {
	if _, err := world.ParseChunkKey(key); err != nil {
		return err
	}
	return nil
}

// Save записывает файл через временный файл и rename, чтобы читатель
// никогда не видел половину записи.
func (s *FileStore) Save(key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	tmp, err := os.CreateTemp(s.dir, key+".*.tmp")
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла для %s: %w", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("ошибка записи чанка %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("ошибка записи чанка %s: %w", key, err)
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("ошибка переименования файла чанка %s: %w", key, err)
	}
	return nil
}

// Load читает файл записи
func (s *FileStore) Load(key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения чанка %s: %w", key, err)
	}
	return data, nil
}

// Keys перечисляет ключи всех файлов *.chunk. Файлы с посторонними
// именами пропускаются.
func (s *FileStore) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения директории %s: %w", s.dir, err)
	}

	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if !isChunkFile(e) {
			continue
		}
		key := strings.TrimSuffix(e.Name(), chunkFileExt)
		if validKey(key) != nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func isChunkFile(e fs.DirEntry) bool {
	return !e.IsDir() && strings.HasSuffix(e.Name(), chunkFileExt)
}

// Delete удаляет файл записи. Отсутствующий файл не ошибка.
func (s *FileStore) Delete(key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("ошибка удаления чанка %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
