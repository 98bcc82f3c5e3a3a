package hardware

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-daq/canbus"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"diffdrive/controller"
)

type fakeBus struct {
	mu        sync.Mutex
	sent      []canbus.Frame
	incoming  chan canbus.Frame
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeBus() *fakeBus {
	return &fakeBus{incoming: make(chan canbus.Frame, 16), closed: make(chan struct{})}
}

func (b *fakeBus) Send(frame canbus.Frame) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, frame)
	return len(frame.Data), nil
}

func (b *fakeBus) Recv() (canbus.Frame, error) {
	select {
	case f := <-b.incoming:
		return f, nil
	case <-b.closed:
		return canbus.Frame{}, errors.New("bus closed")
	}
}

func (b *fakeBus) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	return nil
}

func (b *fakeBus) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

// lastSent returns the most recent frame sent with id.
func (b *fakeBus) lastSent(id uint32) (canbus.Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.sent) - 1; i >= 0; i-- {
		if b.sent[i].ID == id {
			return b.sent[i], true
		}
	}
	return canbus.Frame{}, false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestCAN(t *testing.T) (*CAN, *fakeBus, *fakeBus, *clock.Mock) {
	t.Helper()
	tx, rx := newFakeBus(), newFakeBus()
	clk := clock.NewMock()
	c, err := NewCAN(tx, rx, CANConfig{
		CommsTimeout: 50 * time.Millisecond,
		Wheels: []CANWheelConfig{
			{Name: "left_wheel_joint"},
			{Name: "right_wheel_joint", CommandFrameID: 0x310, TelemetryFrameID: 0x350},
		},
	}, logging.NewTestLogger(t), clk)
	test.That(t, err, test.ShouldBeNil)
	return c, tx, rx, clk
}

func gearOf(frame canbus.Frame) byte {
	return frame.Data[6] & 0x0F
}

func TestCANResolver(t *testing.T) {
	c, _, _, _ := newTestCAN(t)
	defer c.Close()

	_, err := c.JointStateHandle("left_wheel_joint")
	test.That(t, err, test.ShouldBeNil)
	_, err = c.JointCommandHandle("right_wheel_joint")
	test.That(t, err, test.ShouldBeNil)
	_, err = c.OperationModeHandle(DefaultModeName)
	test.That(t, err, test.ShouldBeNil)

	_, err = c.JointStateHandle("caster")
	test.That(t, err, test.ShouldNotBeNil)
	_, err = c.OperationModeHandle("brakes")
	test.That(t, err, test.ShouldNotBeNil)

	_, err = NewCAN(newFakeBus(), newFakeBus(), CANConfig{}, logging.NewTestLogger(t), clock.NewMock())
	test.That(t, err, test.ShouldNotBeNil)

	_, err = NewCAN(newFakeBus(), newFakeBus(), CANConfig{Wheels: []CANWheelConfig{
		{Name: "a", TelemetryFrameID: 0x400},
		{Name: "b", TelemetryFrameID: 0x400},
	}}, logging.NewTestLogger(t), clock.NewMock())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "used by more than one wheel")
}

func TestCANTelemetry(t *testing.T) {
	c, _, rx, _ := newTestCAN(t)
	defer c.Close()

	data := make([]byte, 8)
	canSignalWheelPosition.encode(data, 1.5)
	canSignalWheelVelocity.encode(data, 2)
	canSignalWheelEffort.encode(data, 0.5)
	rx.incoming <- canbus.Frame{ID: 0x350, Data: data, Kind: canbus.SFF}
	// unknown ids and short frames are dropped
	rx.incoming <- canbus.Frame{ID: 0x123, Data: data, Kind: canbus.SFF}
	rx.incoming <- canbus.Frame{ID: defaultTelemetryFrameBase, Data: []byte{1}, Kind: canbus.SFF}

	right := c.Wheel("right_wheel_joint")
	waitFor(t, "telemetry", func() bool { return right.Position() != 0 })
	test.That(t, right.Position(), test.ShouldAlmostEqual, 1.5, 1e-9)
	test.That(t, right.Velocity(), test.ShouldEqual, 2.0)
	test.That(t, right.Effort(), test.ShouldAlmostEqual, 0.5, 1e-9)
	test.That(t, c.Wheel("left_wheel_joint").Position(), test.ShouldEqual, 0.0)
}

func TestCANPublish(t *testing.T) {
	c, tx, _, clk := newTestCAN(t)

	cmd, err := c.JointCommandHandle("left_wheel_joint")
	test.That(t, err, test.ShouldBeNil)
	mode, err := c.OperationModeHandle(DefaultModeName)
	test.That(t, err, test.ShouldBeNil)

	// inactive: parked with zero set points
	cmd.SetCommand(2)
	clk.Add(publishInterval)
	waitFor(t, "first heartbeat", func() bool {
		_, ok := tx.lastSent(0x310)
		return ok
	})
	frame, _ := tx.lastSent(DefaultModeFrameID)
	test.That(t, gearOf(frame), test.ShouldEqual, gearPark)
	frame, ok := tx.lastSent(defaultCommandFrameBase)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, canSignalWheelCommand.decode(frame.Data), test.ShouldEqual, 0.0)

	mode.SetMode(controller.OperationModeActive)
	cmd.SetCommand(2)
	clk.Add(publishInterval)
	waitFor(t, "drive frame", func() bool {
		f, _ := tx.lastSent(DefaultModeFrameID)
		return gearOf(f) == gearDrive
	})
	waitFor(t, "set point", func() bool {
		f, _ := tx.lastSent(defaultCommandFrameBase)
		return canSignalWheelCommand.decode(f.Data) == 2
	})

	// no set point for longer than the comms timeout
	clk.Add(100 * time.Millisecond)
	waitFor(t, "emergency stop", func() bool {
		f, _ := tx.lastSent(DefaultModeFrameID)
		return gearOf(f) == gearEmergencyStop
	})
	waitFor(t, "zero set point", func() bool {
		f, _ := tx.lastSent(defaultCommandFrameBase)
		return canSignalWheelCommand.decode(f.Data) == 0
	})

	test.That(t, c.Close(), test.ShouldBeNil)
	frame, _ = tx.lastSent(DefaultModeFrameID)
	test.That(t, gearOf(frame), test.ShouldEqual, gearPark)
	test.That(t, tx.isClosed(), test.ShouldBeTrue)
}
