package credstore

import (
	"context"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// reloadDebounce coalesces the burst of events a single account add/remove
// produces (create, then one or more writes) into one Load call.
const reloadDebounce = 200 * time.Millisecond

// Watch watches the store's directory for added, removed, or modified
// credential files and reloads the pool whenever the directory settles.
// It blocks until ctx is canceled.
func (s *Store) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fsw.Close() }()

	if err := fsw.Add(s.dir); err != nil {
		return err
	}
	log.Debugf("credstore: watching %s for pool changes", s.dir)

	var pending *time.Timer
	reload := func() {
		if err := s.Load(); err != nil {
			log.WithError(err).Warn("credstore: reload after directory change failed")
			return
		}
		log.WithField("accounts", s.Len()).Info("credstore: pool reloaded after directory change")
	}

	for {
		select {
		case <-ctx.Done():
			if pending != nil {
				pending.Stop()
			}
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(reloadDebounce, reload)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("credstore: directory watch error")
		}
	}
}
