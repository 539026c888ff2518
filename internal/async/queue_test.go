package async

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/joseph-ayodele/invoice-fusion/internal/processor"
)

type recordingProcessor struct {
	mu     sync.Mutex
	paths  []string
	forced []bool
	block  chan struct{}
}

func (r *recordingProcessor) ProcessFile(ctx context.Context, path string, force bool) (processor.FileResult, error) {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return processor.FileResult{Path: path}, ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
	r.forced = append(r.forced, force)
	if path == "bad.pdf" {
		return processor.FileResult{Path: path, ErrorKind: "OCR_FAILED"}, errors.New("boom")
	}
	return processor.FileResult{Path: path}, nil
}

func (r *recordingProcessor) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestQueueProcessesAllJobsBeforeShutdown(t *testing.T) {
	proc := &recordingProcessor{}
	q := NewQueue(proc, discardLogger(), WithWorkers(3), WithQueueSize(2))

	ctx := context.Background()
	for _, p := range []string{"a.pdf", "bad.pdf", "c.pdf", "d.pdf", "e.pdf"} {
		if err := q.Enqueue(ctx, Job{Path: p, Force: p == "c.pdf"}); err != nil {
			t.Fatalf("Enqueue(%s): %v", p, err)
		}
	}

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	q.Shutdown(sctx)

	if got := proc.seen(); len(got) != 5 {
		t.Fatalf("processed %v", got)
	}
	if err := q.Enqueue(ctx, Job{Path: "late.pdf"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue after shutdown = %v, want ErrClosed", err)
	}
	q.Shutdown(sctx) // idempotent
}

func TestQueueBackpressureHonorsContext(t *testing.T) {
	proc := &recordingProcessor{block: make(chan struct{})}
	q := NewQueue(proc, discardLogger(), WithWorkers(1), WithQueueSize(1))

	ctx := context.Background()
	// one job held by the worker, one filling the buffer
	if err := q.Enqueue(ctx, Job{Path: "1.pdf"}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for q.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := q.Enqueue(ctx, Job{Path: "2.pdf"}); err != nil {
		t.Fatal(err)
	}

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if err := q.Enqueue(short, Job{Path: "3.pdf"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Enqueue on full queue = %v, want deadline exceeded", err)
	}

	close(proc.block)
	sctx, scancel := context.WithTimeout(ctx, 5*time.Second)
	defer scancel()
	q.Shutdown(sctx)
	if got := proc.seen(); len(got) != 2 {
		t.Errorf("processed %v", got)
	}
}

func TestShutdownReleasesBlockedEnqueue(t *testing.T) {
	proc := &recordingProcessor{block: make(chan struct{})}
	q := NewQueue(proc, discardLogger(), WithWorkers(1), WithQueueSize(1))

	ctx := context.Background()
	if err := q.Enqueue(ctx, Job{Path: "1.pdf"}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for q.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := q.Enqueue(ctx, Job{Path: "2.pdf"}); err != nil {
		t.Fatal(err)
	}

	blocked := make(chan error, 1)
	go func() { blocked <- q.Enqueue(ctx, Job{Path: "3.pdf"}) }()
	time.Sleep(20 * time.Millisecond)

	shutdown := make(chan struct{})
	go func() {
		defer close(shutdown)
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		q.Shutdown(sctx)
	}()

	select {
	case err := <-blocked:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("blocked Enqueue = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue still blocked after Shutdown started")
	}

	close(proc.block)
	select {
	case <-shutdown:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return")
	}
	if got := proc.seen(); len(got) != 2 {
		t.Errorf("processed %v", got)
	}
}

func TestQueueProcessTimeout(t *testing.T) {
	proc := &recordingProcessor{block: make(chan struct{})}
	q := NewQueue(proc, discardLogger(), WithWorkers(1), WithProcessTimeout(20*time.Millisecond))
	if err := q.Enqueue(context.Background(), Job{Path: "slow.pdf"}); err != nil {
		t.Fatal(err)
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q.Shutdown(sctx)
	if got := proc.seen(); len(got) != 0 {
		t.Errorf("timed out job should not complete: %v", got)
	}
}
