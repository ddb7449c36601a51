package session

import "context"

// ForceRefresh bypasses the throttle and the singleflight group so tests can
// drive consecutive refresh attempts directly.
func (m *Manager) ForceRefresh(ctx context.Context) bool {
	return m.refresh(ctx)
}

// ConsecutiveFailures exposes the failure counter to tests.
func (m *Manager) ConsecutiveFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.failures
}
