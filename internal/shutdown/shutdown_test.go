package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHooksRunInPriorityOrder(t *testing.T) {
	m := NewManager(time.Second)

	var mu sync.Mutex
	var order []string
	record := func(name string, err error) Hook {
		return func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return err
		}
	}

	m.Register("storage", record("storage", nil), PriorityNormal)
	m.Register("server", record("server", nil), PriorityCritical)
	m.Register("downloads", record("downloads", errors.New("boom")), PriorityHigh)
	m.Register("snapshots", record("snapshots", nil), PriorityHigh)
	m.Register("logs", record("logs", nil), PriorityLow)

	m.Start()
	m.Stop()
	m.Wait()

	assert.Equal(t, []string{"server", "downloads", "snapshots", "storage", "logs"}, order)
	assert.Error(t, m.Context().Err())
}

func TestHookTimeout(t *testing.T) {
	m := NewManager(10 * time.Millisecond)
	ran := make(chan struct{})

	m.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, PriorityCritical)
	m.Register("after", func(ctx context.Context) error {
		close(ran)
		return nil
	}, PriorityLow)

	m.Start()
	m.Stop()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("Hooks after a timed out hook did not run")
	}
	m.Wait()
}

func TestStopBeforeStart(t *testing.T) {
	m := NewManager(time.Second)
	m.Stop()
	assert.NoError(t, m.Context().Err())
}
