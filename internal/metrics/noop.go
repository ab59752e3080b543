package metrics

// noopCollector discards all metrics. Used when metrics are disabled and
// in tests.
type noopCollector struct{}

// Noop returns a Collector that records nothing.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) ConnectionOpened()       {}
func (noopCollector) ConnectionClosed()       {}
func (noopCollector) AuthAttempt(bool)        {}
func (noopCollector) CommandProcessed(string) {}
func (noopCollector) MessageFetched(int64)    {}
func (noopCollector) MessagesExpunged(int)    {}
func (noopCollector) StoreError(string)       {}
