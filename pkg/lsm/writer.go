package lsm

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// pendingWriter is one queued writer's state: its batch, whether it
// requested a durable (fsync'd) commit, and the condvar it waits on
// until it is either the head of the queue or has been folded into a
// batch group and marked done.
type pendingWriter struct {
	batch *writeBatchRequest
	sync  bool
	done  bool
	status error
	cv    *sync.Cond
}

type writeBatchRequest struct {
	records []batchRecordRequest
}

type batchRecordRequest struct {
	deletion bool
	key      []byte
	value    []byte
}

// WriterQueue serializes concurrent Write calls into batch groups: a
// FIFO of pending writers, each parked on its own condvar until either
// it becomes the batching head or another writer's group folds it in
// and marks it done.
type WriterQueue struct {
	mu      sync.Mutex
	writers []*pendingWriter

	// outputSemaphore holds the output-builder slots handed out by
	// AcquireOutputSlot. Only callers of AcquireOutputSlot are bounded
	// by it; flushes and compactions open builders without a slot.
	outputSemaphore *semaphore.Weighted

	totalDelayedMicros int64
}

// NewWriterQueue creates a WriterQueue whose shared output-builder
// budget is capacity (Options.CompactionConcurrency).
func NewWriterQueue(capacity int64) *WriterQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &WriterQueue{outputSemaphore: semaphore.NewWeighted(capacity)}
}

// AcquireOutputSlot blocks until an output-builder slot is free. The
// compaction engine does not call it when opening SST/PMEM builders.
func (wq *WriterQueue) AcquireOutputSlot(ctx context.Context) error {
	return wq.outputSemaphore.Acquire(ctx, 1)
}

// ReleaseOutputSlot returns a slot acquired via AcquireOutputSlot.
func (wq *WriterQueue) ReleaseOutputSlot() {
	wq.outputSemaphore.Release(1)
}

// enqueue pushes w onto the FIFO, binding its condvar to the queue
// mutex so waitForTurn's predicate and completeGroup's wakeup share one
// lock.
func (wq *WriterQueue) enqueue(w *pendingWriter) int {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	w.cv = sync.NewCond(&wq.mu)
	wq.writers = append(wq.writers, w)
	return len(wq.writers) - 1
}

// waitForTurn blocks batchWriter until it is the queue head or has been
// marked done by the head's BuildBatchGroup fold.
func (wq *WriterQueue) waitForTurn(w *pendingWriter) {
	wq.mu.Lock()
	for len(wq.writers) > 0 && wq.writers[0] != w && !w.done {
		w.cv.Wait()
	}
	wq.mu.Unlock()
}

func (wq *WriterQueue) isHead(w *pendingWriter) bool {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	return len(wq.writers) > 0 && wq.writers[0] == w
}

// buildBatchGroup coalesces the contiguous run of writers starting at
// the head that share the head's sync flag and whose combined size
// stays under maxSize (1 MiB, smaller when the head batch itself is
// small, so one oversized write can't stall the rest of the queue).
func (wq *WriterQueue) buildBatchGroup() []*pendingWriter {
	wq.mu.Lock()
	defer wq.mu.Unlock()

	if len(wq.writers) == 0 {
		return nil
	}
	head := wq.writers[0]
	maxSize := 1 << 20
	if headSize := estimateBatchSize(head.batch); headSize < maxSize/8 {
		maxSize = headSize + (128 << 10)
	}

	group := []*pendingWriter{head}
	size := estimateBatchSize(head.batch)
	i := 1
	for i < len(wq.writers) {
		w := wq.writers[i]
		if w.sync != head.sync {
			break
		}
		size += estimateBatchSize(w.batch)
		if size > maxSize {
			break
		}
		group = append(group, w)
		i++
	}
	return group
}

func estimateBatchSize(b *writeBatchRequest) int {
	size := 12
	for _, r := range b.records {
		size += len(r.key) + len(r.value) + 8
	}
	return size
}

// completeGroup removes group from the front of the queue, marks every
// member done with status, and wakes everyone so they can re-check
// waitForTurn's predicate.
func (wq *WriterQueue) completeGroup(group []*pendingWriter, status error) {
	wq.mu.Lock()
	wq.writers = wq.writers[len(group):]
	for _, w := range group {
		w.status = status
		w.done = true
		w.cv.Broadcast()
	}
	if len(wq.writers) > 0 {
		wq.writers[0].cv.Broadcast()
	}
	wq.mu.Unlock()
}

// sleepForDelay implements the allow_delay branch of MakeRoomForWrite:
// sleep 1ms with the DB mutex released, accumulating the elapsed time
// into total_delayed_micros.
func (wq *WriterQueue) sleepForDelay() {
	start := time.Now()
	time.Sleep(time.Millisecond)
	wq.mu.Lock()
	wq.totalDelayedMicros += time.Since(start).Microseconds()
	wq.mu.Unlock()
}

func (wq *WriterQueue) TotalDelayedMicros() int64 {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	return wq.totalDelayedMicros
}
