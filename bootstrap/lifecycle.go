package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultTimeout bounds each service Start and Stop
const DefaultTimeout = 30 * time.Second

// ErrCircularDependency is returned by Start when dependencies form a cycle
var ErrCircularDependency = errors.New("circular dependency detected")

// LifecycleManager starts services in dependency order and stops them in
// reverse.
type LifecycleManager struct {
	logger *zap.Logger

	services     map[string]Service
	dependencies map[string][]string
	startOrder   []string

	mutex   sync.RWMutex
	started bool
	timeout time.Duration
}

// NewLifecycleManager creates a new lifecycle manager
func NewLifecycleManager(logger *zap.Logger) *LifecycleManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LifecycleManager{
		logger:       logger.Named("lifecycle"),
		services:     make(map[string]Service),
		dependencies: make(map[string][]string),
		timeout:      DefaultTimeout,
	}
}

// SetTimeout sets the per-service start and stop timeout
func (lm *LifecycleManager) SetTimeout(timeout time.Duration) {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	lm.timeout = timeout
}

// Register adds a service that starts after every service in deps
func (lm *LifecycleManager) Register(service Service, deps ...string) error {
	if service == nil {
		return fmt.Errorf("service cannot be nil")
	}
	name := service.Name()
	if name == "" {
		return fmt.Errorf("service name cannot be empty")
	}

	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if lm.started {
		return fmt.Errorf("cannot register service %s: lifecycle manager already started", name)
	}
	if _, exists := lm.services[name]; exists {
		return fmt.Errorf("service %s is already registered", name)
	}

	lm.services[name] = service
	lm.dependencies[name] = deps
	return nil
}

// Start starts all services in dependency order. When one fails, those
// already started are stopped again.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.mutex.Lock()
	if lm.started {
		lm.mutex.Unlock()
		return fmt.Errorf("lifecycle manager already started")
	}
	order, err := lm.calculateStartOrder()
	if err != nil {
		lm.mutex.Unlock()
		return &ApplicationError{Operation: "start", Err: err}
	}
	lm.started = true
	timeout := lm.timeout
	lm.mutex.Unlock()

	lm.logger.Debug("starting services", zap.Strings("order", order))

	// services run unlocked so their handlers may call Health
	started := make([]string, 0, len(order))
	for _, name := range order {
		startCtx, cancel := context.WithTimeout(ctx, timeout)
		err := lm.services[name].Start(startCtx)
		cancel()

		if err != nil {
			lm.mutex.Lock()
			lm.started = false
			lm.mutex.Unlock()

			err = &ApplicationError{Operation: "start", Service: name, Err: err}
			return multierr.Append(err, lm.stop(ctx, started, timeout))
		}
		started = append(started, name)
		lm.logger.Info("service started", zap.String("service", name))
	}

	lm.mutex.Lock()
	lm.startOrder = started
	lm.mutex.Unlock()
	return nil
}

// Stop stops all started services in reverse order, collecting every error
func (lm *LifecycleManager) Stop(ctx context.Context) error {
	lm.mutex.Lock()
	if !lm.started {
		lm.mutex.Unlock()
		return nil
	}
	lm.started = false
	order := lm.startOrder
	lm.startOrder = nil
	timeout := lm.timeout
	lm.mutex.Unlock()

	return lm.stop(ctx, order, timeout)
}

func (lm *LifecycleManager) stop(ctx context.Context, order []string, timeout time.Duration) error {
	var err error
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]

		stopCtx, cancel := context.WithTimeout(ctx, timeout)
		stopErr := lm.services[name].Stop(stopCtx)
		cancel()

		if stopErr != nil {
			lm.logger.Warn("service stop failed", zap.String("service", name), zap.Error(stopErr))
			err = multierr.Append(err, &ApplicationError{Operation: "stop", Service: name, Err: stopErr})
			continue
		}
		lm.logger.Info("service stopped", zap.String("service", name))
	}
	return err
}

// Health returns the health status of all services
func (lm *LifecycleManager) Health(ctx context.Context) map[string]HealthStatus {
	lm.mutex.RLock()
	services := make(map[string]Service, len(lm.services))
	for name, service := range lm.services {
		services[name] = service
	}
	lm.mutex.RUnlock()

	health := make(map[string]HealthStatus, len(services))
	for name, service := range services {
		healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		status, err := service.Health(healthCtx)
		cancel()

		if err != nil {
			status = HealthStatus{State: HealthUnhealthy, Message: err.Error()}
		}
		status.LastCheck = time.Now()
		health[name] = status
	}
	return health
}

// Services returns all registered service names
func (lm *LifecycleManager) Services() []string {
	lm.mutex.RLock()
	defer lm.mutex.RUnlock()

	names := make([]string, 0, len(lm.services))
	for name := range lm.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// calculateStartOrder is a topological sort (Kahn). Ties start in name
// order so the sequence is stable.
func (lm *LifecycleManager) calculateStartOrder() ([]string, error) {
	inDegree := make(map[string]int)
	graph := make(map[string][]string)

	for service := range lm.services {
		inDegree[service] = 0
	}
	for service, deps := range lm.dependencies {
		for _, dep := range deps {
			if _, exists := lm.services[dep]; !exists {
				return nil, fmt.Errorf("dependency %s of service %s is not registered", dep, service)
			}
			graph[dep] = append(graph[dep], service)
			inDegree[service]++
		}
	}

	var queue []string
	for service, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, service)
		}
	}
	sort.Strings(queue)

	result := make([]string, 0, len(lm.services))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		next := graph[current]
		sort.Strings(next)
		for _, dependent := range next {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(result) != len(lm.services) {
		return nil, ErrCircularDependency
	}
	return result, nil
}
