package entity

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/seantiz/nonsense/internal/async"
	"github.com/seantiz/nonsense/internal/model"
	"github.com/seantiz/nonsense/internal/store"
)

// History persists transitions off the loop goroutine. Each transition gets
// a goroutine that inserts it as pending and then waits for its outcome, so
// the insert always lands before the update.
type History struct {
	store store.Store
	log   *logrus.Entry
	wg    sync.WaitGroup
	stop  chan struct{}
	once  sync.Once
}

// NewHistory creates a recorder writing to s.
func NewHistory(s store.Store, log *logrus.Entry) *History {
	return &History{
		store: s,
		log:   log,
		stop:  make(chan struct{}),
	}
}

// Record is an in-flight transition.
type Record struct {
	tr   model.Transition
	done chan struct{}
}

// Begin starts recording a transition. It does not block.
func (h *History) Begin(entity, op string) *Record {
	rec := &Record{
		tr: model.Transition{
			ID:        model.NewID(),
			Entity:    entity,
			Op:        op,
			Result:    store.ResultPending,
			StartedAt: time.Now().UTC(),
		},
		done: make(chan struct{}),
	}
	tr := rec.tr

	h.wg.Go(func() {
		ctx := context.Background()
		if err := h.store.CreateTransition(ctx, &tr); err != nil {
			h.log.WithError(err).WithField("entity", entity).Error("failed to record transition")
			return
		}

		select {
		case <-rec.done:
		case <-h.stop:
			return
		}

		fin := rec.tr
		if err := h.store.FinishTransition(ctx, fin.ID, fin.Result, fin.ErrorName, fin.Error, *fin.FinishedAt); err != nil {
			h.log.WithError(err).WithField("entity", entity).Error("failed to finish transition")
		}
	})
	return rec
}

// Finish records the outcome of rec. It does not block.
func (h *History) Finish(rec *Record, err *async.Error) {
	now := time.Now().UTC()
	rec.tr.FinishedAt = &now
	rec.tr.Result = model.ResultOK
	if err != nil {
		rec.tr.Result = model.ResultFailed
		rec.tr.ErrorName = err.Name
		rec.tr.Error = err.Message
	}
	close(rec.done)
}

// Close abandons transitions that have not finished and waits for the
// writes in progress.
func (h *History) Close() {
	h.once.Do(func() { close(h.stop) })
	h.wg.Wait()
}

// Wait blocks until every begun transition has been written.
func (h *History) Wait() {
	h.wg.Wait()
}
