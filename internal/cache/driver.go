package cache

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// DriverFunc 根据 StoragePath 构建一个 Storage 实例。
type DriverFunc func(basePath string) (Storage, error)

const defaultDriver = "fs"

var drivers = newDriverRegistry()

type driverRegistry struct {
	mu      sync.RWMutex
	entries map[string]DriverFunc
}

func newDriverRegistry() *driverRegistry {
	return &driverRegistry{entries: make(map[string]DriverFunc)}
}

func init() {
	MustRegisterDriver("fs", func(basePath string) (Storage, error) { return NewStore(basePath) })
	MustRegisterDriver("sqlite", func(basePath string) (Storage, error) { return NewSQLiteStore(basePath) })
}

// DefaultDriver 返回未配置 StorageDriver 时使用的驱动名。
func DefaultDriver() string {
	return defaultDriver
}

// RegisterDriver 注册存储驱动，重复名称会返回错误。
func RegisterDriver(name string, fn DriverFunc) error {
	return drivers.register(name, fn)
}

// MustRegisterDriver 在注册失败时 panic，适合 init() 中调用。
func MustRegisterDriver(name string, fn DriverFunc) {
	if err := RegisterDriver(name, fn); err != nil {
		panic(err)
	}
}

// Drivers 返回已注册驱动名称（已排序），供配置校验输出。
func Drivers() []string {
	return drivers.names()
}

// HasDriver 判断驱动是否已注册。
func HasDriver(name string) bool {
	_, ok := drivers.resolve(name)
	return ok
}

// OpenStorage 使用指定驱动打开存储；driver 为空时使用默认驱动。
func OpenStorage(driver, basePath string) (Storage, error) {
	if strings.TrimSpace(driver) == "" {
		driver = defaultDriver
	}
	fn, ok := drivers.resolve(driver)
	if !ok {
		return nil, fmt.Errorf("storage driver %s is not registered", driver)
	}
	return fn(basePath)
}

func normalizeDriver(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *driverRegistry) register(name string, fn DriverFunc) error {
	key := normalizeDriver(name)
	if key == "" {
		return fmt.Errorf("driver name is required")
	}
	if fn == nil {
		return fmt.Errorf("driver %s: constructor is required", key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[key]; exists {
		return fmt.Errorf("driver %s already registered", key)
	}
	r.entries[key] = fn
	return nil
}

func (r *driverRegistry) resolve(name string) (DriverFunc, bool) {
	key := normalizeDriver(name)
	if key == "" {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.entries[key]
	return fn, ok
}

func (r *driverRegistry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]string, 0, len(r.entries))
	for key := range r.entries {
		result = append(result, key)
	}
	sort.Strings(result)
	return result
}
