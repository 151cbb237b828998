package app

import (
	"context"
	"strings"
	"time"

	"pushagent/internal/agent"
	"pushagent/internal/eventbus"
	"pushagent/internal/scheduler"
	"pushagent/internal/storage"
	logx "pushagent/pkg/logx"
)

const (
	journalPrefix = "agent."
	pruneJobName  = "journal.prune"
)

// recordOf maps an agent bus event to a journal record. Events that carry
// no agent.Activity are not journaled.
func recordOf(e eventbus.Event) (storage.Record, bool) {
	if !strings.HasPrefix(e.Type, journalPrefix) {
		return storage.Record{}, false
	}
	act, ok := e.Data.(agent.Activity)
	if !ok {
		return storage.Record{}, false
	}
	at := e.Time
	if at.IsZero() {
		at = time.Now()
	}
	return storage.Record{
		At:             at,
		Event:          e.Type,
		NotificationID: act.NotificationID,
		Title:          act.Title,
		Target:         act.Target,
		Action:         act.Action,
		Outcome:        act.Outcome,
		Error:          act.Error,
	}, true
}

// runJournal appends every agent event to store until the subscription
// closes. When ctx ends, events already buffered are still written.
func runJournal(ctx context.Context, events <-chan eventbus.Event, store storage.Store, log logx.Logger) {
	write := func(e eventbus.Event) {
		log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		rec, ok := recordOf(e)
		if !ok || store == nil {
			return
		}
		actx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := store.Append(actx, rec)
		cancel()
		if err != nil {
			log.Warn("journal append failed", logx.String("event", e.Type), logx.Err(err))
		}
	}
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e, ok := <-events:
					if !ok {
						return
					}
					write(e)
				default:
					return
				}
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			write(e)
		}
	}
}

// pruneJob drops journal records older than retention.
func pruneJob(store storage.Store, p journalPolicy, log logx.Logger) scheduler.Job {
	return scheduler.Job{
		Name:    pruneJobName,
		Spec:    p.schedule,
		Timeout: 30 * time.Second,
		Run: func(ctx context.Context) error {
			n, err := store.Prune(ctx, time.Now().Add(-p.retention))
			if err != nil {
				return err
			}
			if n > 0 {
				log.Info("journal pruned", logx.Int("removed", n), logx.Duration("retention", p.retention))
			}
			return nil
		},
	}
}
