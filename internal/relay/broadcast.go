package relay

import "log/slog"

// fanout is the outcome of one broadcast.
type fanout struct {
	delivered int
	// failed holds connections whose write returned an error.
	failed []ConnID
	// backlogged holds connections left with queued output that still has
	// to be flushed.
	backlogged []ConnID
}

// broadcast writes payload to every registered connection except origin.
// A failing peer never stops the fan-out; it is reported in the result so
// the caller can reap it afterwards.
func broadcast(reg *Registry, origin ConnID, payload []byte, logger *slog.Logger) fanout {
	var out fanout

	reg.Each(func(c *Conn) {
		if c.id == origin {
			return
		}

		if _, err := c.stream.Write(payload); err != nil {
			logger.Warn("write failed", "conn", c.id, "remote", c.remote, "error", err)
			out.failed = append(out.failed, c.id)
			return
		}

		out.delivered++
		if c.stream.Buffered() > 0 && !c.wantWrite {
			out.backlogged = append(out.backlogged, c.id)
		}
	})

	return out
}
