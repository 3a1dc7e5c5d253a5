// Package virtual implements an in-process loopback CAN bus used by tests
// and examples. It mimics a shared physical bus: every [Bus] instance
// registered under the same channel name receives every frame sent by any
// other instance on that channel, exactly once and in send order.
package virtual

import (
	"sync"

	canopen "github.com/nilkolaj/canode"
	"github.com/nilkolaj/canode/pkg/can"
)

func init() {
	can.RegisterInterface("virtual", NewBus)
	can.RegisterInterface("virtualcan", NewBus)
}

// broker fans out frames between every Bus sharing a channel name.
type broker struct {
	mu   sync.Mutex
	bus  []*Bus
}

var (
	brokersMu sync.Mutex
	brokers   = make(map[string]*broker)
)

func brokerFor(channel string) *broker {
	brokersMu.Lock()
	defer brokersMu.Unlock()
	b, ok := brokers[channel]
	if !ok {
		b = &broker{}
		brokers[channel] = b
	}
	return b
}

func (b *broker) join(bus *Bus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bus = append(b.bus, bus)
}

func (b *broker) leave(bus *Bus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, other := range b.bus {
		if other == bus {
			b.bus = append(b.bus[:i], b.bus[i+1:]...)
			return
		}
	}
}

func (b *broker) dispatch(from *Bus, frame canopen.Frame) {
	b.mu.Lock()
	peers := make([]*Bus, len(b.bus))
	copy(peers, b.bus)
	b.mu.Unlock()
	for _, peer := range peers {
		if peer == from && !peer.receiveOwn {
			continue
		}
		peer.mu.Lock()
		handler := peer.framehandler
		peer.mu.Unlock()
		if handler != nil {
			handler.Handle(frame)
		}
	}
}

// Bus is a [canopen.Bus] implementation backed by an in-process broker.
// It is intended for unit and integration tests that need two or more
// nodes to exchange frames without a real CAN interface.
type Bus struct {
	mu           sync.Mutex
	channel      string
	broker       *broker
	receiveOwn   bool
	framehandler canopen.FrameListener
	connected    bool
}

// NewBus creates a new virtual bus bound to channel. Every Bus created
// with the same channel name shares the same broker.
func NewBus(channel string) (canopen.Bus, error) {
	return &Bus{channel: channel}, nil
}

func (b *Bus) Connect(...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broker = brokerFor(b.channel)
	b.broker.join(b)
	b.connected = true
	return nil
}

func (b *Bus) Disconnect() error {
	b.mu.Lock()
	broker := b.broker
	b.connected = false
	b.mu.Unlock()
	if broker != nil {
		broker.leave(b)
	}
	return nil
}

func (b *Bus) Send(frame canopen.Frame) error {
	b.mu.Lock()
	broker := b.broker
	connected := b.connected
	b.mu.Unlock()
	if !connected || broker == nil {
		return canopen.ErrInvalidState
	}
	broker.dispatch(b, frame)
	return nil
}

func (b *Bus) Subscribe(framehandler canopen.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.framehandler = framehandler
	return nil
}

// SetReceiveOwn controls whether frames sent by this bus are echoed back
// to its own handler, matching a real CAN controller's loopback mode.
func (b *Bus) SetReceiveOwn(receiveOwn bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiveOwn = receiveOwn
}
