package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/vnmchuo/llm-quota/internal/queue"
	"github.com/vnmchuo/llm-quota/pkg/quota"
)

// Source is where jobs come from. Receive returns up to max messages
// without blocking; Settle acks a finished one; Abandon hands one back
// for redelivery.
type Source interface {
	Receive(ctx context.Context, max int) ([]queue.Message, error)
	Settle(ctx context.Context, id string) error
	Abandon(ctx context.Context, id string)
}

// Renewer is implemented by sources with expiring visibility locks.
// When the Source also implements it, the loop keeps each in-flight
// message's lease alive.
type Renewer interface {
	Renew(ctx context.Context, id string) error
}

// Processor handles one job. Returning a *quota.DeniedError (wrapped or
// not) makes the loop wait out the window via the coordinator; any
// other error abandons the message for redelivery.
type Processor interface {
	Process(ctx context.Context, msg queue.Message) error
}

const (
	minPollInterval = 1 * time.Second
	maxPollInterval = 10 * time.Second

	defaultBatchSize   = 10
	defaultConcurrency = 4

	renewInterval = 1 * time.Minute
)

// Loop polls a Source and fans jobs out to the Processor under the
// quota coordinator. The poll interval adapts: an empty receive
// stretches it by a second up to the cap, any work snaps it back down.
type Loop struct {
	source      Source
	processor   Processor
	coordinator *quota.Coordinator
	batchSize   int
	concurrency int
}

func NewLoop(source Source, processor Processor, coordinator *quota.Coordinator) *Loop {
	return &Loop{
		source:      source,
		processor:   processor,
		coordinator: coordinator,
		batchSize:   defaultBatchSize,
		concurrency: defaultConcurrency,
	}
}

// WithBatchSize overrides how many messages one receive may return.
func (l *Loop) WithBatchSize(n int) *Loop {
	l.batchSize = n
	return l
}

// WithConcurrency overrides how many jobs run at once.
func (l *Loop) WithConcurrency(n int) *Loop {
	l.concurrency = n
	return l
}

// Run polls until ctx is cancelled. Receive failures are logged and
// retried on the next tick; a dead broker should not kill the worker.
func (l *Loop) Run(ctx context.Context) error {
	interval := minPollInterval
	for {
		msgs, err := l.source.Receive(ctx, l.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("WORKER: receive failed: %v", err)
			msgs = nil
		}

		if len(msgs) == 0 {
			if err := sleepCtx(ctx, interval); err != nil {
				return err
			}
			if interval < maxPollInterval {
				interval += time.Second
			}
			continue
		}
		interval = minPollInterval

		l.processBatch(ctx, msgs)
	}
}

func (l *Loop) processBatch(ctx context.Context, msgs []queue.Message) {
	sem := make(chan struct{}, l.concurrency)
	var wg sync.WaitGroup
	for _, msg := range msgs {
		wg.Add(1)
		sem <- struct{}{}
		go func(msg queue.Message) {
			defer wg.Done()
			defer func() { <-sem }()
			l.processOne(ctx, msg)
		}(msg)
	}
	wg.Wait()
}

func (l *Loop) processOne(ctx context.Context, msg queue.Message) {
	if renewer, ok := l.source.(Renewer); ok {
		stopRenewal := l.keepAlive(ctx, renewer, msg.ID)
		defer stopRenewal()
	}

	err := l.coordinator.Run(ctx, func(ctx context.Context) error {
		return l.processor.Process(ctx, msg)
	})
	if err != nil {
		log.Printf("WORKER: job %s failed: %v", msg.ID, err)
		l.source.Abandon(ctx, msg.ID)
		return
	}
	if err := l.source.Settle(ctx, msg.ID); err != nil {
		// The lease will expire and the job reruns; processors must
		// tolerate a duplicate.
		log.Printf("WORKER: failed to settle %s: %v", msg.ID, err)
	}
}

// keepAlive renews msg's visibility lock until the returned stop
// function is called, so jobs longer than the lease (coordinator sleeps
// included) are not reclaimed mid-flight.
func (l *Loop) keepAlive(ctx context.Context, renewer Renewer, id string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(renewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := renewer.Renew(ctx, id); err != nil {
					log.Printf("WORKER: failed to renew lease on %s: %v", id, err)
				}
			}
		}
	}()
	return func() { close(done) }
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
