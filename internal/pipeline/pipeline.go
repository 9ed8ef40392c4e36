// Package pipeline runs the bounded compress-then-write stage of a snapshot.
// A fixed pool of workers compresses queued blocks concurrently while a
// single writer appends them in enqueue order, so archive byte order always
// equals producer order regardless of worker scheduling.
package pipeline

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/AlexStz/zpaq/internal/blockio"
	"github.com/AlexStz/zpaq/internal/codec"
)

// Job is one block travelling through the pipeline. Offset and Size are
// valid after Close returns.
type Job struct {
	Filename string
	Comment  string
	Profile  codec.Profile

	Offset int64 // archive offset of the written block
	Size   int64 // on-disk length of the written block

	data    []byte
	encoded []byte
	err     error
	done    chan struct{}
}

// Pipeline owns the worker pool and writer goroutine for one snapshot.
type Pipeline struct {
	in      chan *Job
	order   chan *Job
	writerD chan struct{}
	wg      sync.WaitGroup

	w       io.Writer
	off     int64
	fragile bool
	logger  *slog.Logger

	// Owned by the writer goroutine until writerD closes.
	writeErr error
	written  []*Job
}

// New starts the worker pool and one writer appending to w, whose next byte
// lands at startOff.
func New(w io.Writer, startOff int64, workers int, fragile bool, logger *slog.Logger) *Pipeline {
	if workers < 1 {
		workers = 1
	}
	p := &Pipeline{
		in:      make(chan *Job),
		order:   make(chan *Job, workers),
		writerD: make(chan struct{}),
		w:       w,
		off:     startOff,
		fragile: fragile,
		logger:  logger,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	go p.writer()
	return p
}

func (p *Pipeline) log() *slog.Logger {
	if p.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.logger
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for job := range p.in {
		job.encoded, job.err = blockio.EncodeBlock(job.Filename, job.Comment, job.data, job.Profile, p.fragile)
		job.data = nil
		close(job.done)
	}
}

func (p *Pipeline) writer() {
	defer close(p.writerD)
	for job := range p.order {
		<-job.done
		if job.err == nil && p.writeErr == nil {
			if _, werr := p.w.Write(job.encoded); werr != nil {
				p.writeErr = fmt.Errorf("append block %s: %w", job.Filename, werr)
			} else {
				job.Offset = p.off
				job.Size = int64(len(job.encoded))
				p.off += job.Size
				p.log().Debug("block written",
					"name", job.Filename,
					"offset", job.Offset,
					"size", job.Size,
					"codec", job.Profile.ID.String())
			}
		}
		job.encoded = nil
		p.written = append(p.written, job)
	}
}

// Enqueue submits one block. The payload is owned by the pipeline from this
// point on. Enqueue blocks while the full complement of workers slots is in
// flight, which bounds memory to roughly workers uncompressed blocks.
func (p *Pipeline) Enqueue(filename, comment string, payload []byte, prof codec.Profile) *Job {
	job := &Job{
		Filename: filename,
		Comment:  comment,
		Profile:  prof,
		data:     payload,
		done:     make(chan struct{}),
	}
	p.order <- job
	p.in <- job
	return job
}

// Close signals end of input, waits for all blocks to reach the archive,
// and returns the jobs in write order. The first compression or write error
// is returned after the pipeline has drained.
func (p *Pipeline) Close() ([]*Job, error) {
	close(p.in)
	p.wg.Wait()
	close(p.order)
	<-p.writerD
	for _, job := range p.written {
		if job.err != nil {
			return p.written, job.err
		}
	}
	return p.written, p.writeErr
}
