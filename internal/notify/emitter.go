package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/handyhub/internal/idgen"
	"github.com/mbd888/handyhub/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	emitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "handyhub",
		Subsystem: "notify",
		Name:      "emit_total",
		Help:      "Notifications accepted for delivery by type.",
	}, []string{"type"})

	deliveryErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "handyhub",
		Subsystem: "notify",
		Name:      "delivery_errors_total",
		Help:      "Failed notification deliveries by sink.",
	}, []string{"sink"})

	droppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "handyhub",
		Subsystem: "notify",
		Name:      "dropped_total",
		Help:      "Notifications dropped because the queue was full or closed.",
	})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "handyhub",
		Subsystem: "notify",
		Name:      "queue_depth",
		Help:      "Notifications waiting for delivery.",
	})
)

func init() {
	prometheus.MustRegister(emitTotal, deliveryErrors, droppedTotal, queueDepth)
}

const (
	// DefaultQueueSize bounds pending notifications.
	DefaultQueueSize = 1024
	// DefaultDeliveryTimeout bounds a single sink delivery.
	DefaultDeliveryTimeout = 5 * time.Second
)

// Emitter fans notifications out to its sinks from a bounded queue.
// Emit never blocks: when the queue is full the notification is dropped
// and counted.
type Emitter struct {
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time

	mu     sync.RWMutex
	queue  chan *Notification
	closed bool
	wg     sync.WaitGroup
}

// NewEmitter creates an emitter with a queue of queueSize entries.
func NewEmitter(logger *slog.Logger, queueSize int, sinks ...Sink) *Emitter {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		sinks:   sinks,
		logger:  logger,
		timeout: DefaultDeliveryTimeout,
		now:     time.Now,
		queue:   make(chan *Notification, queueSize),
	}
}

// Start launches workers delivery goroutines.
func (e *Emitter) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
}

// Emit queues a notification for userID.
func (e *Emitter) Emit(ctx context.Context, userID, typ, message string, payload map[string]any) {
	e.enqueue(ctx, &Notification{Channel: ChannelUser, UserID: userID, Type: typ, Message: message, Payload: payload})
}

// EmitOperator queues a notification for the operator channel.
func (e *Emitter) EmitOperator(ctx context.Context, typ, message string, payload map[string]any) {
	e.enqueue(ctx, &Notification{Channel: ChannelOperator, Type: typ, Message: message, Payload: payload})
}

func (e *Emitter) enqueue(ctx context.Context, n *Notification) {
	if e == nil {
		return
	}
	n.ID = idgen.New(idgen.Notification)
	n.RequestID = logging.RequestID(ctx)
	n.CreatedAt = e.now()

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		droppedTotal.Inc()
		return
	}
	select {
	case e.queue <- n:
		emitTotal.WithLabelValues(n.Type).Inc()
		queueDepth.Inc()
	default:
		droppedTotal.Inc()
		logging.L(ctx).Warn("notification queue full, dropping", "type", n.Type, "user_id", n.UserID)
	}
}

func (e *Emitter) worker() {
	defer e.wg.Done()
	for n := range e.queue {
		queueDepth.Dec()
		e.deliver(n)
	}
}

func (e *Emitter) deliver(n *Notification) {
	for _, s := range e.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		err := s.Deliver(ctx, n)
		cancel()
		if err != nil {
			deliveryErrors.WithLabelValues(s.Name()).Inc()
			e.logger.Warn("notification delivery failed",
				"sink", s.Name(), "id", n.ID, "type", n.Type, "request_id", n.RequestID, "error", err)
		}
	}
}

// Close stops accepting notifications and waits for queued ones to be
// delivered or for ctx to end.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
