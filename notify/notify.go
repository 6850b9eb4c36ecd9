package notify

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/stepflow-io/stepflow/types"
)

var (
	// ErrBusClosed indicates the notification bus has been closed.
	ErrBusClosed = errors.New("notification bus is closed")
	// ErrChannelFull indicates the delivery channel is full and cannot accept more notifications.
	ErrChannelFull = errors.New("notification channel is full")
	// ErrNoHandler indicates no handlers are registered for the notification kind.
	ErrNoHandler = errors.New("no handlers registered for notification kind")
)

// KindAny subscribes a handler to every notification kind.
const KindAny = "*"

// Publisher is the outbound notification channel consumed by the engine.
// Publishing is fire-and-forget: the engine logs failures and moves on.
type Publisher interface {
	Publish(ctx context.Context, n types.Notification) error
}

// Handler defines the interface for handling notifications.
type Handler interface {
	Handle(ctx context.Context, n types.Notification) error
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, n types.Notification) error

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, n types.Notification) error {
	return f(ctx, n)
}

// Bus fans published notifications out to subscribed handlers. Delivery is
// asynchronous through a buffered channel and a single processor goroutine;
// handler errors go to a replaceable error handler, never back to the
// publisher.
type Bus struct {
	handlers     map[string][]Handler
	mu           sync.RWMutex
	ch           chan types.Notification
	errHandler   func(n types.Notification, err error)
	errHandlerMu sync.RWMutex
	wg           sync.WaitGroup
	closed       bool
	closeMu      sync.RWMutex
}

// BusOption defines functional options for configuring Bus.
type BusOption func(*Bus)

// WithBufferSize sets the delivery channel buffer size.
func WithBufferSize(size int) BusOption {
	return func(b *Bus) {
		b.ch = make(chan types.Notification, size)
	}
}

// WithErrorHandler sets a custom error handler function.
func WithErrorHandler(handler func(n types.Notification, err error)) BusOption {
	return func(b *Bus) {
		b.errHandlerMu.Lock()
		defer b.errHandlerMu.Unlock()
		b.errHandler = handler
	}
}

// NewBus creates a new Bus with async processing. The default buffer size is
// 100, and handler errors are handled by defaultErrorHandler. Use options to
// customize buffer size or error handling.
func NewBus(options ...BusOption) *Bus {
	b := &Bus{
		handlers:   make(map[string][]Handler),
		ch:         make(chan types.Notification, 100),
		errHandler: defaultErrorHandler,
	}

	for _, option := range options {
		option(b)
	}

	b.wg.Add(1)
	go b.process()

	return b
}

// Subscribe subscribes a handler to a notification kind. Use KindAny to
// receive everything.
func (b *Bus) Subscribe(kind string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], handler)
}

// SubscribeFunc subscribes a function as a handler to a notification kind.
func (b *Bus) SubscribeFunc(kind string, fn func(ctx context.Context, n types.Notification) error) {
	b.Subscribe(kind, HandlerFunc(fn))
}

// HasSubscribers checks if there are any subscribers for a given kind.
func (b *Bus) HasSubscribers(kind string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.handlers[KindAny]) > 0 {
		return true
	}
	return len(b.handlers[kind]) > 0
}

// Publish enqueues a notification for asynchronous delivery. Returns an error
// if the context is canceled, the bus is closed, no handler is subscribed, or
// the channel is full. Handlers run later on the processor goroutine.
func (b *Bus) Publish(ctx context.Context, n types.Notification) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b.closeMu.RLock()
	if b.closed {
		b.closeMu.RUnlock()
		return ErrBusClosed
	}
	b.closeMu.RUnlock()

	if !b.HasSubscribers(n.Kind) {
		return fmt.Errorf("%w: %s", ErrNoHandler, n.Kind)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case b.ch <- n:
		return nil
	default:
		return ErrChannelFull
	}
}

// PublishSync delivers a notification synchronously and returns all handler
// errors. Execution is subject to a 5-second timeout unless the context
// specifies otherwise.
func (b *Bus) PublishSync(ctx context.Context, n types.Notification) []error {
	b.closeMu.RLock()
	if b.closed {
		b.closeMu.RUnlock()
		return []error{ErrBusClosed}
	}
	b.closeMu.RUnlock()

	handlers := b.handlersFor(n.Kind)
	if len(handlers) == 0 {
		return []error{fmt.Errorf("%w: %s", ErrNoHandler, n.Kind)}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return b.executeHandlers(timeoutCtx, handlers, n)
}

// Stop stops the processor goroutine and waits for completion. Any
// undelivered notifications are discarded to ensure a clean shutdown.
func (b *Bus) Stop() {
	b.closeMu.Lock()
	if !b.closed {
		b.closed = true
		for len(b.ch) > 0 {
			<-b.ch
		}
		close(b.ch)
	}
	b.closeMu.Unlock()

	b.wg.Wait()
}

func (b *Bus) handlersFor(kind string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	handlers := make([]Handler, 0, len(b.handlers[kind])+len(b.handlers[KindAny]))
	handlers = append(handlers, b.handlers[kind]...)
	handlers = append(handlers, b.handlers[KindAny]...)
	return handlers
}

// process delivers notifications asynchronously in a separate goroutine.
func (b *Bus) process() {
	defer b.wg.Done()

	for n := range b.ch {
		handlers := b.handlersFor(n.Kind)
		if len(handlers) == 0 {
			continue
		}

		errs := b.executeHandlers(context.Background(), handlers, n)

		b.errHandlerMu.RLock()
		handler := b.errHandler
		b.errHandlerMu.RUnlock()

		for _, err := range errs {
			handler(n, err)
		}
	}
}

// executeHandlers runs all handlers for a notification and collects errors.
// Handlers run concurrently, and the function waits for all to complete.
func (b *Bus) executeHandlers(ctx context.Context, handlers []Handler, n types.Notification) []error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(handlers))

	for _, handler := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			if err := h.Handle(ctx, n); err != nil {
				errCh <- err
			}
		}(handler)
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}

	return errs
}

// defaultErrorHandler logs errors with stack traces for debugging.
func defaultErrorHandler(n types.Notification, err error) {
	fmt.Printf("Error delivering notification %s (recipient %d): %v\nStack: %s\n",
		n.Kind, n.RecipientID, err, debug.Stack())
}
