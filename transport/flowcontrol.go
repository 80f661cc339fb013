package transport

// FlowWatermark configures when a server raises and lowers a
// connection's flow-control flag based on how full its request ring is.
type FlowWatermark struct {
	RaiseAt float64 // fraction of ring capacity in use that raises flow control
	LowerAt float64 // fraction of ring capacity in use that lowers it again
}

// DefaultFlowWatermark raises backpressure at 90% full and only lowers
// it once usage drops back below 50%, avoiding rapid flapping between
// the two states.
var DefaultFlowWatermark = FlowWatermark{RaiseAt: 0.9, LowerAt: 0.5}

// Evaluate applies hysteresis: once raised, flow control stays raised
// until usage falls below LowerAt, even if it dips below RaiseAt first.
func (w FlowWatermark) Evaluate(currentlyRaised bool, used, capacity int) bool {
	if capacity <= 0 {
		return currentlyRaised
	}
	frac := float64(used) / float64(capacity)
	if currentlyRaised {
		return frac > w.LowerAt
	}
	return frac >= w.RaiseAt
}

// ApplyFlowWatermark recomputes c's flow-control flag from its request
// ring's current occupancy against w, and applies the transition.
func (c *Conn) ApplyFlowWatermark(w FlowWatermark) {
	used := c.req.SpaceUsed()
	capacity := used + c.req.SpaceFree()
	raised := w.Evaluate(c.FlowControlled(), used, capacity)
	if raised {
		c.EnableFlowControl()
	} else {
		c.DisableFlowControl()
	}
}
