package ratelimit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/vinayprograms/pixelmarket/bus"
	"github.com/vinayprograms/pixelmarket/logging"
)

// DistributedConfig configures a distributed gate.
type DistributedConfig struct {
	// Bus is the message bus for coordination.
	Bus bus.MessageBus

	// NodeID is the unique identifier for this process.
	NodeID string

	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *DistributedConfig) Validate() error {
	if c.Bus == nil {
		return ErrInvalidConfig
	}
	if c.NodeID == "" {
		return ErrInvalidConfig
	}
	return nil
}

// DistributedGate shares cooldowns between processes that verify
// against the same canvas account. A cooldown one node observes is
// broadcast on CooldownSubject and applied by every peer.
type DistributedGate struct {
	*Gate
	config DistributedConfig
	logger *logging.Logger

	sub    bus.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDistributedGate wraps gate so its cooldowns are shared over cfg.Bus.
func NewDistributedGate(gate *Gate, cfg DistributedConfig) (*DistributedGate, error) {
	if gate == nil {
		return nil, ErrInvalidConfig
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	sub, err := cfg.Bus.Subscribe(CooldownSubject)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &DistributedGate{
		Gate:   gate,
		config: cfg,
		logger: logger.WithComponent("ratelimit"),
		sub:    sub,
		ctx:    ctx,
		cancel: cancel,
	}
	gate.setHook(d.publish)

	d.wg.Add(1)
	go d.listenForUpdates()

	return d, nil
}

// listenForUpdates applies cooldowns observed by peers.
func (d *DistributedGate) listenForUpdates() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case msg, ok := <-d.sub.Messages():
			if !ok {
				return
			}
			d.handleUpdate(msg)
		}
	}
}

func (d *DistributedGate) handleUpdate(msg *bus.Message) {
	var update CooldownUpdate
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		d.logger.Debug("ignoring malformed cooldown update", map[string]any{"error": err.Error()})
		return
	}
	if update.NodeID == d.config.NodeID {
		return
	}
	d.Gate.Apply(update.Wait, update.Remaining, "peer:"+update.NodeID)
}

func (d *DistributedGate) publish(update CooldownUpdate) {
	update.NodeID = d.config.NodeID
	data, err := json.Marshal(update)
	if err != nil {
		return
	}
	if err := d.config.Bus.Publish(CooldownSubject, data); err != nil {
		d.logger.Warn("cooldown broadcast failed", map[string]any{"error": err.Error()})
	}
}

// Close stops listening and closes the underlying gate.
func (d *DistributedGate) Close() error {
	d.cancel()
	d.Gate.setHook(nil)

	if d.sub != nil {
		_ = d.sub.Unsubscribe()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}

	return d.Gate.Close()
}

var _ Limiter = (*DistributedGate)(nil)
