package rights2roof

import "github.com/OhziiiLov3/rights2roof/internal/eventbus"

// WithEventBus sets the event bus turn events are published on. A bus
// supplied here is not closed by Pipeline.Close.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(p *Pipeline) {
		p.eventBus = bus
	}
}
