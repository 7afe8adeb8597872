package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/veilsync/veilsync/internal/room"
)

const (
	// DefaultHealthInterval is how often the active backend is polled.
	DefaultHealthInterval = 30 * time.Second
	// DefaultCleanupInterval is how often expired rooms are swept.
	DefaultCleanupInterval = time.Hour
)

var (
	errMissingOpener    = errors.New("backend opener is required")
	errMissingPrimary   = errors.New("primary backend name is required")
	errBothBackendsDown = errors.New("both configured backends are unavailable")
)

const (
	opManagerNew        = "storage.manager.new"
	opManagerInitialize = "storage.manager.initialize"
	opManagerFailover   = "storage.manager.failover"
)

// ManagerError carries a dot-joined operation code alongside the cause.
type ManagerError struct {
	code string
	err  error
}

func (e *ManagerError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ManagerError) Unwrap() error {
	return e.err
}

// Code returns the operation code for the failure.
func (e *ManagerError) Code() string {
	return e.code
}

func newManagerError(operation, reason string, cause error) error {
	return &ManagerError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Opener constructs a backend by configured name.
type Opener func(name string) (Backend, error)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Primary         string
	Fallback        string
	Open            Opener
	AutoFailover    bool
	HealthInterval  time.Duration
	Retention       time.Duration
	CleanupInterval time.Duration
	Resolver        Resolver
	Logger          *zap.Logger
	Clock           func() time.Time
	// OnFailover observes backend switches; from and to are backend names.
	OnFailover func(from, to string)
}

// Manager proxies room operations to whichever configured backend is
// currently healthy, failing over automatically when the active one is not.
type Manager struct {
	mu         sync.RWMutex
	active     Backend
	activeName string
	standby    Backend
	names      [2]string

	open         Opener
	autoFailover bool

	healthInterval  time.Duration
	retention       time.Duration
	cleanupInterval time.Duration

	resolver   Resolver
	logger     *zap.Logger
	clock      func() time.Time
	onFailover func(from, to string)

	failovers int64
	stopOnce  sync.Once
	stopCh    chan struct{}
	loopWG    sync.WaitGroup
}

// NewManager validates the configuration and constructs a Manager. Call
// Initialize before use.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Open == nil {
		return nil, newManagerError(opManagerNew, "missing_opener", errMissingOpener)
	}
	if cfg.Primary == "" {
		return nil, newManagerError(opManagerNew, "missing_primary", errMissingPrimary)
	}

	healthInterval := cfg.HealthInterval
	if healthInterval <= 0 {
		healthInterval = DefaultHealthInterval
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	cleanupInterval := cfg.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = LastWriteWins{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Manager{
		names:           [2]string{cfg.Primary, cfg.Fallback},
		open:            cfg.Open,
		autoFailover:    cfg.AutoFailover,
		healthInterval:  healthInterval,
		retention:       retention,
		cleanupInterval: cleanupInterval,
		resolver:        resolver,
		logger:          logger,
		clock:           clock,
		onFailover:      cfg.OnFailover,
		stopCh:          make(chan struct{}),
	}, nil
}

// Initialize connects to the primary backend, falling back to the configured
// fallback when the primary cannot be opened. It fails when no configured
// backend is reachable, and otherwise starts the health and cleanup loops.
func (m *Manager) Initialize(ctx context.Context) error {
	backend, name, err := m.connectFirstAvailable(ctx)
	if err != nil {
		return newManagerError(opManagerInitialize, "no_backend", err)
	}

	m.mu.Lock()
	m.active = backend
	m.activeName = name
	m.mu.Unlock()

	m.logger.Info("persistence initialized", zap.String("backend", name))

	m.loopWG.Add(2)
	go m.healthLoop()
	go m.cleanupLoop()
	return nil
}

func (m *Manager) connectFirstAvailable(ctx context.Context) (Backend, string, error) {
	candidates := []string{m.names[0]}
	if m.autoFailover && m.names[1] != "" {
		candidates = append(candidates, m.names[1])
	}

	var lastErr error
	for _, name := range candidates {
		backend, err := m.open(name)
		if err != nil {
			m.logger.Warn("backend open failed", zap.String("backend", name), zap.Error(err))
			lastErr = err
			continue
		}
		if !backend.IsHealthy(ctx) {
			m.logger.Warn("backend unhealthy at startup", zap.String("backend", name))
			lastErr = fmt.Errorf("%w: %s", ErrBackendUnavailable, name)
			_ = backend.Close()
			continue
		}
		return backend, name, nil
	}
	if lastErr == nil {
		lastErr = errBothBackendsDown
	}
	return nil, "", lastErr
}

// ActiveBackend names the backend currently serving requests.
func (m *Manager) ActiveBackend() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeName
}

// FailoverCount reports how many backend switches have happened.
func (m *Manager) FailoverCount() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failovers
}

// SaveRoom validates, resolves against the stored record, and persists.
func (m *Manager) SaveRoom(ctx context.Context, record room.Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	backend := m.activeOrNil()
	if backend == nil {
		return ErrBackendUnavailable
	}

	stored, err := backend.GetRoom(ctx, record.RoomID)
	if err != nil {
		m.logger.Warn("resolve lookup failed, storing incoming record", zap.String("room_id", record.RoomID), zap.Error(err))
		stored = nil
	}
	resolved := m.resolver.Resolve(stored, record)
	return backend.SaveRoom(ctx, resolved)
}

// GetRoom returns the stored record for the room, or nil when absent.
func (m *Manager) GetRoom(ctx context.Context, roomID string) (*room.Record, error) {
	if _, err := room.ParseID(roomID); err != nil {
		return nil, err
	}
	backend := m.activeOrNil()
	if backend == nil {
		return nil, ErrBackendUnavailable
	}
	return backend.GetRoom(ctx, roomID)
}

// AppendLog validates and appends the entry to the room's bounded log.
func (m *Manager) AppendLog(ctx context.Context, entry room.LogEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	backend := m.activeOrNil()
	if backend == nil {
		return ErrBackendUnavailable
	}
	return backend.AppendLog(ctx, entry)
}

// GetLog returns log entries with version greater than since, ascending.
func (m *Manager) GetLog(ctx context.Context, roomID string, since int64) ([]room.LogEntry, error) {
	if _, err := room.ParseID(roomID); err != nil {
		return nil, err
	}
	backend := m.activeOrNil()
	if backend == nil {
		return nil, ErrBackendUnavailable
	}
	return backend.GetLog(ctx, roomID, since)
}

// CleanupExpired sweeps rooms inactive past the retention window.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	backend := m.activeOrNil()
	if backend == nil {
		return 0, ErrBackendUnavailable
	}
	return backend.CleanupExpired(ctx, m.clock().Add(-m.retention))
}

// Stats reports the active backend's footprint.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	backend := m.activeOrNil()
	if backend == nil {
		return Stats{}, ErrBackendUnavailable
	}
	return backend.Stats(ctx)
}

// Failover switches to the other configured backend on demand.
func (m *Manager) Failover(ctx context.Context) error {
	return m.switchBackend(ctx)
}

func (m *Manager) activeOrNil() Backend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

func (m *Manager) switchBackend(ctx context.Context) error {
	m.mu.Lock()
	from := m.activeName
	target := m.otherNameLocked()
	if target == "" {
		m.mu.Unlock()
		return newManagerError(opManagerFailover, "no_fallback", errBothBackendsDown)
	}

	next := m.standby
	if next == nil {
		opened, err := m.open(target)
		if err != nil {
			m.mu.Unlock()
			return newManagerError(opManagerFailover, "open_failed", err)
		}
		next = opened
	}

	m.standby = m.active
	m.active = next
	m.activeName = target
	m.failovers++
	callback := m.onFailover
	m.mu.Unlock()

	m.logger.Warn("persistence failover", zap.String("from", from), zap.String("to", target))
	if callback != nil {
		callback(from, target)
	}

	if !next.IsHealthy(ctx) {
		return newManagerError(opManagerFailover, "target_unhealthy", fmt.Errorf("%w: %s", ErrBackendUnavailable, target))
	}
	return nil
}

func (m *Manager) otherNameLocked() string {
	if m.activeName == m.names[0] {
		return m.names[1]
	}
	return m.names[0]
}

func (m *Manager) healthLoop() {
	defer m.loopWG.Done()
	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkHealth()
		}
	}
}

func (m *Manager) checkHealth() {
	backend := m.activeOrNil()
	if backend == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	healthy := backend.IsHealthy(ctx)
	cancel()
	if healthy {
		return
	}

	m.logger.Warn("active backend unhealthy", zap.String("backend", m.ActiveBackend()))
	if !m.autoFailover {
		return
	}
	failCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.switchBackend(failCtx); err != nil {
		m.logger.Error("failover failed", zap.Error(err))
	}
}

func (m *Manager) cleanupLoop() {
	defer m.loopWG.Done()
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			removed, err := m.CleanupExpired(ctx)
			cancel()
			if err != nil {
				m.logger.Warn("expired room cleanup failed", zap.Error(err))
			} else if removed > 0 {
				m.logger.Info("expired rooms removed", zap.Int("count", removed))
			}
		}
	}
}

// Close stops the background loops and closes any opened backends.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.loopWG.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	var closeErr error
	if m.active != nil {
		closeErr = m.active.Close()
		m.active = nil
	}
	if m.standby != nil {
		if err := m.standby.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
		m.standby = nil
	}
	return closeErr
}
