package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"Obscura/internal/ledger"
	"Obscura/internal/logger"
)

// Start runs the mempool pump until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.cfg.PumpInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
			case <-s.wake:
			}

			if _, err := s.Drain(ctx); err != nil {
				logger.Warn("mempool drain failed", "error", err)
			}
		}
	}()
}

// Stop ends the pump and waits for it.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// Drain dispatches up to BatchSize mempool entries in sequence order and
// removes each one the dispatcher accepted. It stops at the first dispatch
// error; the entry stays queued for the next round.
func (s *Scheduler) Drain(ctx context.Context) (int, error) {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	batch, err := s.pending(s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	sent := 0

	for _, q := range batch {
		if err := s.dispatcher.Dispatch(ctx, q); err != nil {
			return sent, fmt.Errorf("dispatch seq %d:\n%w", q.Sequence, err)
		}

		seq := q.Sequence
		err := s.ledger.Execute("mempool.ack", ledger.Address{}, func(tx *ledger.Tx) error {
			tx.Delete(queueKey(seq))
			return nil
		})
		if err != nil {
			return sent, fmt.Errorf("ack seq %d:\n%w", seq, err)
		}

		sent++
	}

	if sent > 0 {
		logger.Debug("mempool drained", "sent", sent)
	}

	return sent, nil
}

// pending reads up to limit committed mempool entries.
func (s *Scheduler) pending(limit int) ([]*Queued, error) {
	var batch []*Queued

	err := s.ledger.Storage().IteratePrefix(queuePrefix, func(_, value []byte) error {
		if len(batch) >= limit {
			return errStopIteration
		}

		q, err := DecodeQueued(value)
		if err != nil {
			return err
		}

		batch = append(batch, q)

		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return nil, fmt.Errorf("read mempool:\n%w", err)
	}

	return batch, nil
}
