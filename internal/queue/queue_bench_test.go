package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/PentesterFlow/crawlkit/internal/task"
)

func BenchmarkMemoryQueuePush(b *testing.B) {
	q := NewMemoryQueue()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		q.Push(task.New(fmt.Sprintf("https://example.com/page/%d", i)))
	}
}

func BenchmarkMemoryQueuePop(b *testing.B) {
	q := NewMemoryQueue()
	for i := 0; i < b.N; i++ {
		q.Push(task.New(fmt.Sprintf("https://example.com/page/%d", i)))
	}
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		q.Pop(ctx)
	}
}

func BenchmarkMemoryQueueConcurrent(b *testing.B) {
	q := NewMemoryQueue()
	numWriters := 10
	numReaders := 10
	ctx := context.Background()

	b.ResetTimer()
	var wg sync.WaitGroup

	// Writers
	for w := 0; w < numWriters; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < b.N/numWriters; i++ {
				q.Push(task.New(fmt.Sprintf("https://example.com/writer/%d/page/%d", id, i)))
			}
		}(w)
	}
	wg.Wait()

	// Readers
	for r := 0; r < numReaders; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if _, err := q.Pop(ctx); err != nil {
					return
				}
				q.Done()
			}
		}()
	}

	wg.Wait()
}
