package loader

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"backfill/internal/logger"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Budget 描述单个数据源的速率预算。
type Budget struct {
	MaxCallsPerMinute int     `yaml:"max_calls_per_minute"`
	SafetyFraction    float64 `yaml:"safety_fraction"`
}

// MinInterval 返回两次调用之间的最小间隔：60s / (calls * safety)。
func (b Budget) MinInterval() time.Duration {
	if b.MaxCallsPerMinute <= 0 || b.SafetyFraction <= 0 {
		return 0
	}
	perMinute := float64(b.MaxCallsPerMinute) * b.SafetyFraction
	return time.Duration(float64(time.Minute) / perMinute)
}

// FileConfig 是预算文件的完整结构。
type FileConfig struct {
	Budgets map[string]Budget `yaml:"budgets"`
}

// BudgetSnapshot 对外暴露的只读快照。
type BudgetSnapshot struct {
	Version  int64
	LoadedAt time.Time
	Budgets  map[string]Budget
}

// ChangeListener 在预算变更时被调用。
type ChangeListener func(BudgetSnapshot)

// BudgetLoader 从 YAML 文件加载各数据源预算，并监听热更新。
type BudgetLoader struct {
	path string

	mu        sync.RWMutex
	snapshot  BudgetSnapshot
	listeners []ChangeListener

	watcher   *fsnotify.Watcher
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewBudgetLoader 读取预算文件；watch=true 时开始监听 FS 事件。
func NewBudgetLoader(path string, watch bool) (*BudgetLoader, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("budget loader requires path")
	}
	loader := &BudgetLoader{path: path}
	if err := loader.reload(); err != nil {
		return nil, err
	}
	if !watch {
		return loader, nil
	}
	if err := loader.watch(); err != nil {
		return nil, err
	}
	return loader, nil
}

// watch 监听文件所在目录，兼容编辑器先写临时文件再 rename 的保存方式。
func (l *BudgetLoader) watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create budget watcher failed: %w", err)
	}
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch budget config failed: %w", err)
	}
	l.watcher = w
	l.done = make(chan struct{})
	go l.watchLoop(w)
	return nil
}

func (l *BudgetLoader) watchLoop(w *fsnotify.Watcher) {
	defer close(l.done)
	target := filepath.Clean(l.path)
	for {
		select {
		case evt, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) != target || evt.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := l.reload(); err != nil {
				logger.Errorf("[budget] reload failed (%s): %v", evt.Name, err)
				continue
			}
			l.notify()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warnf("[budget] watcher error: %v", err)
		}
	}
}

// Close 停止文件监听；未开启监听时为空操作，可重复调用。
func (l *BudgetLoader) Close() error {
	l.closeOnce.Do(func() {
		if l.watcher == nil {
			return
		}
		l.closeErr = l.watcher.Close()
		<-l.done
	})
	return l.closeErr
}

// Snapshot 返回当前预算快照（深拷贝）。
func (l *BudgetLoader) Snapshot() BudgetSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneSnapshot(l.snapshot)
}

// Subscribe 注册监听器，并立即收到一次完整快照。
func (l *BudgetLoader) Subscribe(fn ChangeListener) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	snap := cloneSnapshot(l.snapshot)
	l.mu.Unlock()
	safeCall(fn, snap)
}

// Reload 手动重新读取预算文件并通知监听器。
func (l *BudgetLoader) Reload() error {
	if err := l.reload(); err != nil {
		return err
	}
	l.notify()
	return nil
}

func (l *BudgetLoader) notify() {
	l.mu.RLock()
	snap := cloneSnapshot(l.snapshot)
	listeners := append([]ChangeListener(nil), l.listeners...)
	l.mu.RUnlock()
	for _, fn := range listeners {
		safeCall(fn, snap)
	}
}

func safeCall(fn ChangeListener, snap BudgetSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[budget] listener panic: %v", r)
		}
	}()
	fn(snap)
}

func (l *BudgetLoader) reload() error {
	fileCfg, err := readBudgetFile(l.path)
	if err != nil {
		return err
	}
	normalized := make(map[string]Budget, len(fileCfg.Budgets))
	for name, b := range fileCfg.Budgets {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			continue
		}
		if b.MaxCallsPerMinute <= 0 {
			return fmt.Errorf("budget %s: max_calls_per_minute must be > 0", key)
		}
		if b.SafetyFraction == 0 {
			b.SafetyFraction = 1
		}
		if b.SafetyFraction < 0 || b.SafetyFraction > 1 {
			return fmt.Errorf("budget %s: safety_fraction must be in (0,1]", key)
		}
		normalized[key] = b
	}
	l.mu.Lock()
	l.snapshot = BudgetSnapshot{
		Version:  l.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Budgets:  normalized,
	}
	l.mu.Unlock()
	logger.Infof("[budget] reloaded %d budgets from %s", len(normalized), filepath.Base(l.path))
	return nil
}

func readBudgetFile(path string) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read budget config failed: %w", err)
	}
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("parse budget config failed: %w", err)
	}
	return cfg, nil
}

func cloneSnapshot(src BudgetSnapshot) BudgetSnapshot {
	dst := BudgetSnapshot{Version: src.Version, LoadedAt: src.LoadedAt}
	if len(src.Budgets) > 0 {
		dst.Budgets = make(map[string]Budget, len(src.Budgets))
		for k, v := range src.Budgets {
			dst.Budgets[k] = v
		}
	}
	return dst
}
