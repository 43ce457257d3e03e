package logstore

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// MemoryBackend keeps each day in an in-memory buffer and writes every append
// through to a durable backend. Buffers are loaded from the durable backend on
// first use.
type MemoryBackend struct {
	durable Backend

	mu   sync.Mutex
	days map[Day]*strings.Builder
}

func NewMemoryBackend(durable Backend) *MemoryBackend {
	return &MemoryBackend{durable: durable, days: make(map[Day]*strings.Builder)}
}

func (b *MemoryBackend) buffer(ctx context.Context, day Day) (*strings.Builder, error) {
	if buf, ok := b.days[day]; ok {
		return buf, nil
	}
	buf := &strings.Builder{}
	content, err := b.durable.ReadContent(ctx, day)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, err
	default:
		buf.WriteString(content)
	}
	b.days[day] = buf
	return buf, nil
}

func (b *MemoryBackend) AppendText(ctx context.Context, day Day, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf, err := b.buffer(ctx, day)
	if err != nil {
		return &WriteError{Day: day, Err: err}
	}
	if err := b.durable.AppendText(ctx, day, text); err != nil {
		return err
	}
	buf.WriteString(text)
	return nil
}

func (b *MemoryBackend) ReadContent(ctx context.Context, day Day) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf, err := b.buffer(ctx, day)
	if err != nil {
		return "", err
	}
	if buf.Len() == 0 {
		return "", ErrNotFound
	}
	return buf.String(), nil
}

func (b *MemoryBackend) Clear(ctx context.Context, day Day) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.durable.Clear(ctx, day); err != nil {
		return err
	}
	delete(b.days, day)
	return nil
}

func (b *MemoryBackend) SaveAs(ctx context.Context, text, suggestedName string) (SaveResult, error) {
	return b.durable.SaveAs(ctx, text, suggestedName)
}
