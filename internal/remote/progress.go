package remote

import (
	"context"
	"io"
)

// ProgressWriter counts bytes written through it and reports them
type ProgressWriter struct {
	ctx      context.Context
	w        io.Writer
	total    int64
	written  int64
	progress ProgressFunc
}

// NewProgressWriter wraps w. Writes fail once ctx is done, which is how a
// cancelled transfer is aborted mid-stream.
func NewProgressWriter(ctx context.Context, w io.Writer, total int64, progress ProgressFunc) *ProgressWriter {
	return &ProgressWriter{ctx: ctx, w: w, total: total, progress: progress}
}

func (p *ProgressWriter) Write(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.w.Write(b)
	p.written += int64(n)
	if p.progress != nil && n > 0 {
		p.progress(p.written, p.total)
	}
	return n, err
}

// Written returns the bytes written so far
func (p *ProgressWriter) Written() int64 {
	return p.written
}

// ProgressReader counts bytes read through it and reports them
type ProgressReader struct {
	ctx      context.Context
	r        io.Reader
	total    int64
	read     int64
	progress ProgressFunc
}

// NewProgressReader wraps r. Reads fail once ctx is done.
func NewProgressReader(ctx context.Context, r io.Reader, total int64, progress ProgressFunc) *ProgressReader {
	return &ProgressReader{ctx: ctx, r: r, total: total, progress: progress}
}

func (p *ProgressReader) Read(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.progress != nil && n > 0 {
		p.progress(p.read, p.total)
	}
	return n, err
}
