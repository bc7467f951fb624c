package authkit

import (
	"sync"
	"time"

	"github.com/tyemirov/dashgate/internal/metrics"
	"go.uber.org/zap"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// NewSystemClock returns a Clock backed by time.Now in UTC.
func NewSystemClock() Clock {
	return systemClock{}
}

var (
	providersMutex  sync.RWMutex
	currentClock    Clock            = systemClock{}
	currentLogger   *zap.Logger      = zap.NewNop()
	currentRecorder metrics.Recorder = metrics.NopRecorder{}
)

// ProvideClock installs the clock used by routes and refresh stores. Nil restores the system clock.
func ProvideClock(clock Clock) {
	providersMutex.Lock()
	defer providersMutex.Unlock()
	if clock == nil {
		clock = systemClock{}
	}
	currentClock = clock
}

// ProvideLogger installs the route logger. Nil restores a no-op logger.
func ProvideLogger(logger *zap.Logger) {
	providersMutex.Lock()
	defer providersMutex.Unlock()
	if logger == nil {
		logger = zap.NewNop()
	}
	currentLogger = logger
}

// ProvideMetrics installs the auth event recorder. Nil disables recording.
func ProvideMetrics(recorder metrics.Recorder) {
	providersMutex.Lock()
	defer providersMutex.Unlock()
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	currentRecorder = recorder
}

func now() time.Time {
	providersMutex.RLock()
	defer providersMutex.RUnlock()
	return currentClock.Now().UTC()
}

func routeLogger() *zap.Logger {
	providersMutex.RLock()
	defer providersMutex.RUnlock()
	return currentLogger
}

func recordEvent(event string) {
	providersMutex.RLock()
	recorder := currentRecorder
	providersMutex.RUnlock()
	recorder.Increment(event)
}
