// Package ratelimit owns the shared cooldown for canvas verification calls.
//
// The canvas authority rate-limits per caller, not per task, so every
// verification in the process draws from one Gate:
//
//	gate := ratelimit.NewGate(ratelimit.GateConfig{Clock: clk})
//
//	permit, err := gate.Acquire(ctx) // waits out any cooldown
//	if err != nil {
//	    return err
//	}
//	px, rl, err := authority.Pixel(ctx, x, y)
//	permit.Release(rl) // records the reported rate limit
//
// Only one permit is outstanding at a time. Once a release records a
// cooldown, no Acquire returns before it ends.
//
// # Sharing Between Processes
//
// DistributedGate broadcasts locally observed cooldowns on the message
// bus and applies cooldowns announced by peers:
//
//	dg, err := ratelimit.NewDistributedGate(gate, ratelimit.DistributedConfig{
//	    Bus:    nbus,
//	    NodeID: "node-1",
//	})
//
// # Pacing
//
// GateConfig.MinInterval adds a token-bucket spacing between calls on top
// of the authority's own signals.
package ratelimit
