package fetchkit

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Call is the per-call context shared by every hook invocation of one
// logical call, retries included. A new Call is created for every Do.
type Call struct {
	// ID identifies the logical call in logs and errors.
	ID string
	// StartedAt is when Do was entered.
	StartedAt time.Time
	// RetryAttempt counts retries granted so far; it is advanced by the
	// retry plugin and never reset within a call.
	RetryAttempt int

	request *Request
	logger  *zap.Logger
	metrics *MetricsCollector

	mu             sync.Mutex
	values         map[any]any
	shortCircuited bool
}

func newCall(id string, req *Request, logger *zap.Logger, metrics *MetricsCollector) *Call {
	return &Call{
		ID:        id,
		StartedAt: time.Now(),
		request:   req,
		logger: logger.With(
			zap.String("request_id", id),
			zap.String("method", req.Method),
			zap.String("url", req.URL),
		),
		metrics: metrics,
	}
}

// Request returns the caller's original request.
func (c *Call) Request() *Request {
	return c.request
}

// Logger returns a logger scoped to this call.
func (c *Call) Logger() *zap.Logger {
	if c.logger == nil {
		return zap.NewNop()
	}
	return c.logger
}

// Metrics returns the client's collector; it may be nil, and all of its
// methods accept a nil receiver.
func (c *Call) Metrics() *MetricsCollector {
	return c.metrics
}

// ShortCircuited reports whether a request hook resolved the call without
// the Transport.
func (c *Call) ShortCircuited() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shortCircuited
}

func (c *Call) markShortCircuited() {
	c.mu.Lock()
	c.shortCircuited = true
	c.mu.Unlock()
}

// Key is a typed slot in a Call. Keys compare by identity, so each plugin
// declares its own with NewKey.
type Key[T any] struct {
	name string
}

// NewKey declares a call-scoped slot holding values of type T.
func NewKey[T any](name string) *Key[T] {
	return &Key[T]{name: name}
}

func (k *Key[T]) String() string {
	return k.name
}

// GetValue reads a call-scoped value.
func GetValue[T any](c *Call, k *Key[T]) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[k]
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// SetValue stores a call-scoped value.
func SetValue[T any](c *Call, k *Key[T], v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		c.values = make(map[any]any)
	}
	c.values[k] = v
}

// DeleteValue removes a call-scoped value.
func DeleteValue[T any](c *Call, k *Key[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, k)
}
