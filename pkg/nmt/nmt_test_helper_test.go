package nmt

import (
	"log/slog"
	"os"
	"testing"

	canopen "github.com/nilkolaj/canode"
	"github.com/nilkolaj/canode/pkg/can/virtual"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// newBusManagerPair returns two bus managers sharing a virtual channel, as
// if they sat on the same physical CAN segment.
func newBusManagerPair(t *testing.T, channel string) (*canopen.BusManager, *canopen.BusManager) {
	t.Helper()
	bus1, err := virtual.NewBus(channel)
	if err != nil {
		t.Fatalf("new bus 1: %v", err)
	}
	bus2, err := virtual.NewBus(channel)
	if err != nil {
		t.Fatalf("new bus 2: %v", err)
	}
	bm1 := canopen.NewBusManager(bus1)
	bm2 := canopen.NewBusManager(bus2)
	if err := bus1.Connect(); err != nil {
		t.Fatalf("connect bus 1: %v", err)
	}
	if err := bus2.Connect(); err != nil {
		t.Fatalf("connect bus 2: %v", err)
	}
	if err := bus1.Subscribe(bm1); err != nil {
		t.Fatalf("subscribe bus 1: %v", err)
	}
	if err := bus2.Subscribe(bm2); err != nil {
		t.Fatalf("subscribe bus 2: %v", err)
	}
	return bm1, bm2
}
