package presence

// Metrics receives counters from the manager and sweeper. Implementations
// must be safe for concurrent use.
type Metrics interface {
	TokenIssued()
	ValidationSucceeded()
	ValidationFailed(kind Kind)
	SessionsRevoked(n int64)
	SessionsSwept(n int64)
}

type nopMetrics struct{}

func (nopMetrics) TokenIssued() {}
func (nopMetrics) ValidationSucceeded() {}
func (nopMetrics) ValidationFailed(Kind) {}
func (nopMetrics) SessionsRevoked(int64) {}
func (nopMetrics) SessionsSwept(int64) {}
