package download

import (
	"sync"
	"sync/atomic"
	"time"
)

// TransferMeter samples throughput once per interval. Bytes are added
// from any goroutine; Speed reports the bytes seen during the last full
// interval, scaled to bytes per second.
type TransferMeter struct {
	pending atomic.Int64
	speed   atomic.Int64

	mu       sync.Mutex
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewTransferMeter creates a meter sampling every interval.
func NewTransferMeter(interval time.Duration) *TransferMeter {
	if interval <= 0 {
		interval = time.Second
	}
	return &TransferMeter{interval: interval}
}

// Add records n transferred bytes.
func (m *TransferMeter) Add(n int64) {
	if n > 0 {
		m.pending.Add(n)
	}
}

// Speed returns the last sampled throughput in bytes per second.
func (m *TransferMeter) Speed() int64 {
	return m.speed.Load()
}

// Sample closes the current interval and returns the new speed.
func (m *TransferMeter) Sample() int64 {
	n := m.pending.Swap(0)
	speed := int64(float64(n) / m.interval.Seconds())
	m.speed.Store(speed)
	return speed
}

// Start begins periodic sampling. onSample is called after every sample.
// Starting a running meter does nothing.
func (m *TransferMeter) Start(onSample func(speed int64)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopCh != nil {
		return
	}
	m.pending.Store(0)
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.sampleLoop(m.stopCh, m.doneCh, onSample)
}

// Stop ends sampling and resets the speed to zero.
func (m *TransferMeter) Stop() {
	m.mu.Lock()
	stopCh, doneCh := m.stopCh, m.doneCh
	m.stopCh, m.doneCh = nil, nil
	m.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
	m.pending.Store(0)
	m.speed.Store(0)
}

func (m *TransferMeter) sampleLoop(stopCh, doneCh chan struct{}, onSample func(int64)) {
	defer close(doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			speed := m.Sample()
			if onSample != nil {
				onSample(speed)
			}
		}
	}
}
