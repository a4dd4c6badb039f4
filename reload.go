package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	fsnotify "gopkg.in/fsnotify.v1"
)

const reloadDebounce = 500 * time.Millisecond

type resolverSetter interface {
	SetResolvers(resolvers []string) error
}

// watchConfig calls reload after the file at path changed. Editors often
// replace a file instead of writing it, so the directory is watched and
// events are debounced. Watching ends when ctx is done.
func watchConfig(ctx context.Context, path string, debounce time.Duration, reload func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("cannot watch config file: %w", err)
	}

	dir, file := filepath.Split(filepath.Clean(path))
	if dir == "" {
		dir = "."
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("cannot watch config file: %w", err)
	}

	go func() {
		defer w.Close()

		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != file {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}

				log.Debugf("config file changed (%s)", ev.Op)
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, reload)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warnf("config watch error: %v", err)
			}
		}
	}()

	log.Infof("watching %s for resolver changes", path)
	return nil
}

// reloadResolvers loads the config file again and hands the resolver list
// to the engine. Other settings need a restart.
func reloadResolvers(ctx context.Context, engine resolverSetter) {
	cfg, err := loadConfig()
	if err != nil {
		log.Errorf("could not reload config: %v", err)
		return
	}

	resolvers, err := configuredResolvers(ctx, cfg)
	if err != nil {
		log.Errorf("could not reload resolvers: %v", err)
		return
	}

	if err := engine.SetResolvers(resolvers); err != nil {
		log.Errorf("keeping previous resolvers: %v", err)
		return
	}

	log.Infof("reloaded resolvers: %v", resolvers)
}
