package boxctl

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/suryatmodulus/boxlite/internal/portal"
	"github.com/suryatmodulus/boxlite/internal/store"
	"github.com/suryatmodulus/boxlite/pkg/boxliteerr"
)

// BoxMetrics is what the guest agent reports back over the Metrics frame
// type. Best-effort: precision depends on the hypervisor, and the values
// are not guaranteed monotonic across a restart.
type BoxMetrics struct {
	CPUTimeMS        uint64 `json:"cpu_time_ms"`
	MemoryUsageBytes uint64 `json:"memory_usage_bytes"`
}

const metricsStreamID = ^uint64(0) // reserved id, never handed out by Exec's counter

// Metrics asks the guest agent for its current resource usage. Non-suspending
// only in the sense that it does not block on anything but the round trip
// itself; it still crosses the vsock boundary and so can suspend on a slow
// or wedged guest.
func (c *Controller) Metrics(ctx context.Context) (BoxMetrics, error) {
	c.mu.Lock()
	if c.box.State.State != store.StateRunning {
		state := c.box.State.State
		c.mu.Unlock()
		return BoxMetrics{}, boxliteerr.InvalidStatef(string(state), "metrics requires a running box")
	}
	session := c.session
	c.mu.Unlock()

	if session == nil {
		return BoxMetrics{}, boxliteerr.New(boxliteerr.PortalReset, "", "box has no active portal session")
	}

	stream, err := session.Open(metricsStreamID, sessionWinBytes)
	if err != nil {
		return BoxMetrics{}, boxliteerr.Wrap(boxliteerr.PortalDisconnected, "", "open metrics stream", err)
	}
	defer stream.Close()

	if err := stream.Send(ctx, portal.TypeMetrics, nil); err != nil {
		return BoxMetrics{}, boxliteerr.Wrap(boxliteerr.PortalDisconnected, "", "send metrics request", err)
	}

	frame, err := stream.ReadChunk(ctx)
	if err != nil {
		return BoxMetrics{}, boxliteerr.Wrap(boxliteerr.PortalDisconnected, "", "read metrics response", err)
	}
	if frame.Type == portal.TypeError {
		return BoxMetrics{}, boxliteerr.New(boxliteerr.Execution, "", string(frame.Payload))
	}

	var m BoxMetrics
	if err := json.Unmarshal(frame.Payload, &m); err != nil {
		return BoxMetrics{}, fmt.Errorf("unmarshal metrics response: %w", err)
	}
	return m, nil
}
