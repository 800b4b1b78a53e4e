package spending

import (
	"context"
	"fmt"
	"log/slog"
)

// DefaultPageSize matches the portal's maximum page size.
const DefaultPageSize = 50000

// RecordSource fetches one page of records starting at offset.
type RecordSource interface {
	FetchPage(ctx context.Context, offset, limit int) ([]Record, error)
}

// Pager walks a RecordSource with an offset cursor. The cursor only advances after a
// page has been delivered, so a failed fetch can be retried from the same position.
type Pager struct {
	src      RecordSource
	pageSize int
	offset   int
	done     bool
}

// NewPager starts paging at startOffset. A non-positive pageSize means DefaultPageSize.
func NewPager(src RecordSource, pageSize, startOffset int) *Pager {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if startOffset < 0 {
		startOffset = 0
	}
	return &Pager{src: src, pageSize: pageSize, offset: startOffset}
}

func (p *Pager) Offset() int { return p.offset }

func (p *Pager) Done() bool { return p.done }

// Next returns the next page. A page shorter than the page size ends the sequence.
func (p *Pager) Next(ctx context.Context) ([]Record, error) {
	if p.done {
		return nil, nil
	}
	batch, err := p.src.FetchPage(ctx, p.offset, p.pageSize)
	if err != nil {
		return nil, fmt.Errorf("fetch spending page at offset %d: %w", p.offset, err)
	}
	p.offset += len(batch)
	if len(batch) < p.pageSize {
		p.done = true
	}
	return batch, nil
}

// Run drains the pager into the aggregator. On error the aggregator holds exactly the
// pages delivered so far and Run can be called again with the same pager to resume.
func (a *Aggregator) Run(ctx context.Context, p *Pager) error {
	for !p.Done() {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := p.Offset()
		batch, err := p.Next(ctx)
		if err != nil {
			return err
		}
		a.AddBatch(batch)
		slog.DebugContext(ctx, "Folded spending page", "offset", start, "records", len(batch))
	}
	return nil
}
