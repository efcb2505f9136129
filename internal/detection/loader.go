package detection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LoadFunc produces a usable client, blocking until the model is available
type LoadFunc func(ctx context.Context) (Client, error)

// AsyncModel loads a detection client once, in the background. Until the
// load completes the model reports not ready.
type AsyncModel struct {
	name   string
	load   LoadFunc
	logger *zap.Logger

	once   sync.Once
	done   chan struct{}
	mu     sync.RWMutex
	client Client
	err    error
}

// NewAsyncModel creates a new lazily loaded model
func NewAsyncModel(name string, load LoadFunc, logger *zap.Logger) *AsyncModel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AsyncModel{
		name:   name,
		load:   load,
		logger: logger.Named("model"),
		done:   make(chan struct{}),
	}
}

// Name returns the model name
func (m *AsyncModel) Name() string {
	return m.name
}

// Load starts loading in the background. Only the first call has an effect.
func (m *AsyncModel) Load(ctx context.Context) {
	m.once.Do(func() {
		go func() {
			defer close(m.done)
			start := time.Now()
			client, err := m.load(ctx)

			m.mu.Lock()
			m.client, m.err = client, err
			m.mu.Unlock()

			if err != nil {
				m.logger.Error("model load failed", zap.String("model", m.name), zap.Error(err))
				return
			}
			m.logger.Info("model loaded", zap.String("model", m.name), zap.Duration("took", time.Since(start)))
		}()
	})
}

// Wait blocks until the load finished or ctx is done
func (m *AsyncModel) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		m.mu.RLock()
		defer m.mu.RUnlock()
		return m.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether the model loaded successfully
func (m *AsyncModel) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client != nil && m.err == nil
}

// Client returns the loaded client or ErrNotReady
func (m *AsyncModel) Client() (Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotReady, m.err)
	}
	if m.client == nil {
		return nil, ErrNotReady
	}
	return m.client, nil
}

// Close closes the loaded client, if any
func (m *AsyncModel) Close() error {
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

// WaitHealthy returns a LoadFunc that polls client health every interval
// until it is serving
func WaitHealthy(client Client, interval time.Duration) LoadFunc {
	return func(ctx context.Context) (Client, error) {
		if interval <= 0 {
			interval = 2 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if client.Healthy(ctx) {
				return client, nil
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-ticker.C:
			}
		}
	}
}
