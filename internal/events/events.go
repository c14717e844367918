// Package events publishes committed transfers to downstream consumers.
package events

import (
	"context"
	"sync"

	"github.com/nathanyu/pocket-pal/internal/domain"
)

// SubjectTransferCompleted carries one message per committed transfer.
const SubjectTransferCompleted = "pocketpal.transfers.completed"

// Publisher announces committed transfers. Publication happens after the
// commit, so a failure here never undoes a transfer.
type Publisher interface {
	PublishTransferCompleted(ctx context.Context, ev domain.TransferCompleted) error
	Close()
}

// Noop drops every event.
type Noop struct{}

func (Noop) PublishTransferCompleted(context.Context, domain.TransferCompleted) error { return nil }
func (Noop) Close()                                                                   {}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []domain.TransferCompleted
	err    error
}

// FailWith makes subsequent publications return err.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *Recorder) PublishTransferCompleted(_ context.Context, ev domain.TransferCompleted) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of what has been published so far.
func (r *Recorder) Events() []domain.TransferCompleted {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.TransferCompleted(nil), r.events...)
}

func (r *Recorder) Close() {}
