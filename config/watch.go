package config

import (
	"path/filepath"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"

	"Bt1QRec/logger"
)

// WatchEnv 监听 .env 文件变化，热更新补充推荐的调优参数
// 只有 REFILL_THRESHOLD / REFILL_COUNT / REFILL_COOLDOWN_SECONDS 会被热更新，
// 其他配置仍然需要重启服务才能生效
// 监听的是父目录而不是文件本身：编辑器原子保存会用 rename 替换文件，
// 直接监听文件会在第一次替换后失效
func WatchEnv(cfg *Config, path string, stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	target, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				name, err := filepath.Abs(event.Name)
				if err != nil || name != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				applyEnvFile(cfg, path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("env watcher error", logger.ErrorField(err))
			case <-stop:
				return
			}
		}
	}()

	logger.Info("watching env file for refill settings", logger.String("path", path))
	return nil
}

// applyEnvFile 重新读取 .env 并替换刷新参数
func applyEnvFile(cfg *Config, path string) {
	env, err := godotenv.Read(path)
	if err != nil {
		logger.Warn("failed to re-read env file", logger.String("path", path), logger.ErrorField(err))
		return
	}

	current := cfg.Refill()
	next := RefillSettings{
		Threshold: envMapInt(env, "REFILL_THRESHOLD", current.Threshold),
		Count:     envMapInt(env, "REFILL_COUNT", current.Count),
		Cooldown:  time.Duration(envMapInt(env, "REFILL_COOLDOWN_SECONDS", int(current.Cooldown/time.Second))) * time.Second,
	}
	if next == current {
		return
	}

	cfg.SetRefill(next)
	logger.Info("refill settings reloaded",
		logger.Int("threshold", next.Threshold),
		logger.Int("count", next.Count),
		logger.Duration("cooldown", next.Cooldown))
}

func envMapInt(env map[string]string, key string, fallback int) int {
	if raw, ok := env[key]; ok {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return fallback
}
