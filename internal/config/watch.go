package config

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sshcollectorpro/diagrelay/pkg/logger"
)

// DebounceInterval 连续写事件合并为一次重载
const DebounceInterval = 300 * time.Millisecond

// Watch 监听配置文件，变更后重新加载并回调；ctx 结束时停止
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch init: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("config watch add %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		trigger := func() {
			newCfg, err := Load(path)
			if err != nil {
				logger.Warnf("Config reload failed: %v", err)
				return
			}
			logger.Info("Config reloaded")
			onChange(newCfg)
		}
		for {
			select {
			case <-ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					if debounce != nil {
						debounce.Stop()
					}
					debounce = time.AfterFunc(DebounceInterval, trigger)
				}
				// rename 后原 watch 失效，重新挂载
				if ev.Op&(fsnotify.Rename|fsnotify.Remove) != 0 {
					_ = watcher.Remove(path)
					if err := watcher.Add(path); err != nil {
						logger.Debugf("Config watch re-add %s: %v", path, err)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warnf("Config watch error: %v", err)
			}
		}
	}()
	return nil
}
