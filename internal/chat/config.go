package chat

// Option alters the default configuration of a Controller under construction.
type Option interface {
	apply(*Controller)
}

type optionFunc func(c *Controller)

func (f optionFunc) apply(c *Controller) { f(c) }

// HistoryPageSize sets how many messages one history fetch requests.
func HistoryPageSize(n int) Option {
	return optionFunc(func(c *Controller) {
		if n > 0 {
			c.pageSize = n
		}
	})
}

// OnUpdate registers a hook invoked after every state change the UI should
// repaint for. The hook runs on whatever goroutine caused the change.
func OnUpdate(fn func()) Option {
	return optionFunc(func(c *Controller) {
		c.onUpdate = fn
	})
}
