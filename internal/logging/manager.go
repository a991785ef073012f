package logging

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// levelOverride уровни, заданные для компонента до или после создания его логгера
type levelOverride struct {
	console LogLevel
	file    LogLevel
}

// LoggerManager раздаёт логгеры компонентов (world, storage, network, sync, api)
// и хранит переопределения уровней из конфигурации.
type LoggerManager struct {
	mu        sync.RWMutex
	loggers   map[string]*Logger
	overrides map[string]levelOverride
}

var (
	globalManager *LoggerManager
	managerOnce   sync.Once
)

// GetLoggerManager возвращает глобальный менеджер логгеров
func GetLoggerManager() *LoggerManager {
	managerOnce.Do(func() {
		globalManager = &LoggerManager{
			loggers:   make(map[string]*Logger),
			overrides: make(map[string]levelOverride),
		}
	})
	return globalManager
}

// GetLogger возвращает логгер компонента, создавая его при первом обращении.
// Переопределённые уровни применяются сразу при создании.
func (lm *LoggerManager) GetLogger(component string) (*Logger, error) {
	lm.mu.RLock()
	logger, ok := lm.loggers[component]
	lm.mu.RUnlock()
	if ok {
		return logger, nil
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()
	if logger, ok := lm.loggers[component]; ok {
		return logger, nil
	}

	logger, err := NewLogger(component)
	if err != nil {
		return nil, fmt.Errorf("логгер компонента %s: %w", component, err)
	}
	if o, ok := lm.overrides[component]; ok {
		logger.setLevels(o.console, o.file)
	}
	lm.loggers[component] = logger
	return logger, nil
}

// MustGetLogger возвращает логгер или консольный fallback без файла
func (lm *LoggerManager) MustGetLogger(component string) *Logger {
	logger, err := lm.GetLogger(component)
	if err == nil {
		return logger
	}

	fallback := &Logger{
		component:       component,
		consoleLogger:   current().consoleLogger,
		minConsoleLevel: INFO,
		minFileLevel:    ERROR,
	}
	fallback.Warn("файл логов недоступен, пишем только в консоль: %v", err)
	return fallback
}

// Configure задаёт уровни компонентов из конфигурации (имя -> уровень).
// Уровень применяется и к консоли, и к файлу; логгеры, созданные позже,
// получают его при создании.
func (lm *LoggerManager) Configure(levels map[string]string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for component, raw := range levels {
		level := ParseLevel(raw)
		lm.overrides[component] = levelOverride{console: level, file: level}
		if logger, ok := lm.loggers[component]; ok {
			logger.setLevels(level, level)
		}
	}
}

// SetLogLevel меняет уровни уже созданного логгера компонента
func (lm *LoggerManager) SetLogLevel(component string, consoleLevel, fileLevel LogLevel) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	logger, ok := lm.loggers[component]
	if !ok {
		return fmt.Errorf("логгер компонента %s не найден", component)
	}
	lm.overrides[component] = levelOverride{console: consoleLevel, file: fileLevel}
	logger.setLevels(consoleLevel, fileLevel)
	return nil
}

// ListComponents отсортированные имена компонентов с созданными логгерами
func (lm *LoggerManager) ListComponents() []string {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	components := make([]string, 0, len(lm.loggers))
	for component := range lm.loggers {
		components = append(components, component)
	}
	sort.Strings(components)
	return components
}

// CloseAll закрывает файлы всех логгеров. Переопределения уровней сохраняются.
func (lm *LoggerManager) CloseAll() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	var errs []error
	for component, logger := range lm.loggers {
		if err := logger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", component, err))
		}
	}
	lm.loggers = make(map[string]*Logger)
	return errors.Join(errs...)
}

func (l *Logger) setLevels(console, file LogLevel) {
	l.mu.Lock()
	l.minConsoleLevel = console
	l.minFileLevel = file
	l.mu.Unlock()
}

func GetComponentLogger(component string) *Logger {
	return GetLoggerManager().MustGetLogger(component)
}

func GetWorldLogger() *Logger   { return GetComponentLogger("world") }
func GetStorageLogger() *Logger { return GetComponentLogger("storage") }
func GetNetworkLogger() *Logger { return GetComponentLogger("network") }
func GetSyncLogger() *Logger    { return GetComponentLogger("sync") }
