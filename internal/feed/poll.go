package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sigortampanel/wabridge/internal/store"
)

// ChangeLog is the change-log slice of the shared store.
type ChangeLog interface {
	ChangesSince(ctx context.Context, after int64, limit int) ([]store.Change, error)
	Cursor(ctx context.Context, name string) (int64, error)
	SaveCursor(ctx context.Context, name string, seq int64) error
}

// PollSource tails the store's change_log table from a persisted cursor.
type PollSource struct {
	log      ChangeLog
	name     string
	interval time.Duration
	batch    int
	logger   *slog.Logger

	out    chan Change
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPollSource creates a source whose position is saved under name.
func NewPollSource(cl ChangeLog, name string, interval time.Duration, batch int, logger *slog.Logger) *PollSource {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if batch <= 0 {
		batch = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PollSource{
		log:      cl,
		name:     name,
		interval: interval,
		batch:    batch,
		logger:   logger,
		out:      make(chan Change, batch),
	}
}

// Start loads the cursor and begins polling.
func (p *PollSource) Start(ctx context.Context) error {
	after, err := p.log.Cursor(ctx, p.name)
	if err != nil {
		return fmt.Errorf("load feed cursor %s: %w", p.name, err)
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.loop(ctx, after)
	return nil
}

func (p *PollSource) loop(ctx context.Context, after int64) {
	defer p.wg.Done()
	defer close(p.out)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		for {
			changes, err := p.log.ChangesSince(ctx, after, p.batch)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.logger.Warn("feed: poll change log", "error", err)
				break
			}
			for _, c := range changes {
				select {
				case p.out <- Change{Seq: c.Seq, Table: c.Table, Op: c.Op, Row: c.Row, token: c.Seq}:
					after = c.Seq
				case <-ctx.Done():
					return
				}
			}
			if len(changes) < p.batch {
				break
			}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (p *PollSource) Changes() <-chan Change { return p.out }

// Commit saves c as the new cursor position.
func (p *PollSource) Commit(ctx context.Context, c Change) error {
	seq, ok := c.token.(int64)
	if !ok {
		return nil
	}
	return p.log.SaveCursor(ctx, p.name, seq)
}

func (p *PollSource) Close() error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	return nil
}
