package config

import (
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// HeartbeatTuner receives updated heartbeat settings whenever the config
// file on disk changes. Implemented by feedme.Server.
type HeartbeatTuner interface {
	UpdateHeartbeatConfig(interval, timeout time.Duration) error
}

// WatchHeartbeat watches configPath for writes and, on every change,
// reloads it and pushes the heartbeat interval/timeout into tuner. It
// runs until the returned watcher is closed; callers should defer
// Close() on the result.
func WatchHeartbeat(configPath string, tuner HeartbeatTuner) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(configPath); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(configPath)
				if err != nil {
					log.Warn().Err(err).Msg("config reload failed")
					continue
				}
				interval := time.Duration(cfg.Heartbeat.IntervalMS) * time.Millisecond
				timeout := time.Duration(cfg.Heartbeat.TimeoutMS) * time.Millisecond
				if err := tuner.UpdateHeartbeatConfig(interval, timeout); err != nil {
					log.Warn().Err(err).Msg("config reload rejected")
					continue
				}
				log.Info().
					Dur("heartbeat_interval", interval).
					Dur("heartbeat_timeout", timeout).
					Msg("heartbeat config reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()

	return watcher, nil
}
