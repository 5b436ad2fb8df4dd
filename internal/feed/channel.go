package feed

import (
	"context"
	"sync"
)

// ChannelSource is an in-process Source backed by a Go channel.
type ChannelSource struct {
	ch chan Change

	mu        sync.Mutex
	committed []Change
	closeOnce sync.Once
}

// NewChannelSource creates an in-process source.
func NewChannelSource() *ChannelSource {
	return &ChannelSource{ch: make(chan Change, 100)}
}

// Start is a no-op for the channel source.
func (c *ChannelSource) Start(context.Context) error { return nil }

func (c *ChannelSource) Changes() <-chan Change { return c.ch }

func (c *ChannelSource) Commit(_ context.Context, ch Change) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committed = append(c.committed, ch)
	return nil
}

// Committed returns the changes acknowledged so far.
func (c *ChannelSource) Committed() []Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Change(nil), c.committed...)
}

// Send pushes a change into the source.
func (c *ChannelSource) Send(ch Change) {
	c.ch <- ch
}

func (c *ChannelSource) Close() error {
	c.closeOnce.Do(func() { close(c.ch) })
	return nil
}
