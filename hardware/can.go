package hardware

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-daq/canbus"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	viamutils "go.viam.com/utils"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"diffdrive/controller"
)

// Defaults for the CAN wheels.
const (
	DefaultCANChannel   = "can0"
	DefaultModeName     = "drive"
	DefaultModeFrameID  = uint32(0x220)
	DefaultCommsTimeout = time.Second

	defaultCommandFrameBase   = uint32(0x300)
	defaultTelemetryFrameBase = uint32(0x340)

	publishInterval = 10 * time.Millisecond
)

// Gear values carried by the mode frame.
const (
	gearPark          byte = 0
	gearDrive         byte = 3
	gearEmergencyStop byte = 4

	driveModeIndependentSpeed byte = 4
	steerModeFourWheel        byte = 2

	pedalMax = 100.0
)

var (
	// command frame: velocity set point
	canSignalWheelCommand = canSignal{scalar: 0.001, start: 0, length: 32, signed: true}

	// telemetry frame: position, velocity, effort
	canSignalWheelPosition = canSignal{scalar: 0.001, start: 0, length: 32, signed: true}
	canSignalWheelVelocity = canSignal{scalar: 0.0078125, start: 32, length: 16, signed: true}
	canSignalWheelEffort   = canSignal{scalar: 0.01, start: 48, length: 16, signed: true}
)

// Bus sends and receives raw CAN frames. *canbus.Socket implements it.
type Bus interface {
	Send(frame canbus.Frame) (int, error)
	Recv() (canbus.Frame, error)
	Close() error
}

// CANWheelConfig places one wheel on the bus. Zero frame ids are derived from the
// wheel's index.
type CANWheelConfig struct {
	Name             string `json:"name"`
	CommandFrameID   uint32 `json:"command_frame_id,omitempty"`
	TelemetryFrameID uint32 `json:"telemetry_frame_id,omitempty"`
}

// CANConfig describes the wheels of a base driven over SocketCAN.
type CANConfig struct {
	Channel      string           `json:"can_channel,omitempty"`
	ModeName     string           `json:"mode_name,omitempty"`
	ModeFrameID  uint32           `json:"mode_frame_id,omitempty"`
	CommsTimeout time.Duration    `json:"-"`
	Wheels       []CANWheelConfig `json:"wheels"`
}

func (conf CANConfig) withDefaults() CANConfig {
	if conf.Channel == "" {
		conf.Channel = DefaultCANChannel
	}
	if conf.ModeName == "" {
		conf.ModeName = DefaultModeName
	}
	if conf.ModeFrameID == 0 {
		conf.ModeFrameID = DefaultModeFrameID
	}
	if conf.CommsTimeout == 0 {
		conf.CommsTimeout = DefaultCommsTimeout
	}
	wheels := make([]CANWheelConfig, len(conf.Wheels))
	for i, w := range conf.Wheels {
		if w.CommandFrameID == 0 {
			w.CommandFrameID = defaultCommandFrameBase + uint32(i)
		}
		if w.TelemetryFrameID == 0 {
			w.TelemetryFrameID = defaultTelemetryFrameBase + uint32(i)
		}
		wheels[i] = w
	}
	conf.Wheels = wheels
	return conf
}

var _ controller.HardwareResolver = (*CAN)(nil)

// CAN drives wheels over a CAN bus. A publish loop heartbeats the mode frame and every
// wheel's velocity set point every 10ms; a receive loop stores wheel telemetry. If no
// set point arrives for CommsTimeout while active, the mode frame turns into an
// emergency stop.
type CAN struct {
	registry

	conf   CANConfig
	logger logging.Logger
	clock  clock.Clock

	tx, rx      Bus
	wheels      []*Wheel
	byTelemetry map[uint32]*Wheel

	mode          atomic.Int32
	lastCommandNs atomic.Int64

	rxErrorLog              rate.Sometimes
	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
}

// OpenCAN binds SocketCAN sockets on conf.Channel and starts the bus loops.
func OpenCAN(conf CANConfig, logger logging.Logger) (*CAN, error) {
	conf = conf.withDefaults()

	socketSend, err := canbus.New()
	if err != nil {
		return nil, err
	}
	if err := socketSend.Bind(conf.Channel); err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "binding %s", conf.Channel), socketSend.Close())
	}

	socketRecv, err := canbus.New()
	if err != nil {
		return nil, multierr.Combine(err, socketSend.Close())
	}
	filters := make([]unix.CanFilter, 0, len(conf.Wheels))
	for _, w := range conf.Wheels {
		filters = append(filters, unix.CanFilter{Id: w.TelemetryFrameID, Mask: unix.CAN_SFF_MASK})
	}
	if err := socketRecv.SetFilters(filters); err != nil {
		return nil, multierr.Combine(err, socketSend.Close(), socketRecv.Close())
	}
	if err := socketRecv.Bind(conf.Channel); err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "binding %s", conf.Channel), socketSend.Close(), socketRecv.Close())
	}

	return NewCAN(socketSend, socketRecv, conf, logger, clock.New())
}

// NewCAN starts the bus loops over already opened buses. The CAN takes ownership of
// tx and rx, and closes them if it fails.
func NewCAN(tx, rx Bus, conf CANConfig, logger logging.Logger, clk clock.Clock) (*CAN, error) {
	conf = conf.withDefaults()
	if len(conf.Wheels) == 0 {
		return nil, multierr.Combine(errors.New("no CAN wheels configured"), tx.Close(), rx.Close())
	}
	c := &CAN{
		registry:    newRegistry(),
		conf:        conf,
		logger:      logger,
		clock:       clk,
		tx:          tx,
		rx:          rx,
		byTelemetry: map[uint32]*Wheel{},
		rxErrorLog:  rate.Sometimes{Interval: time.Second},
	}
	for _, wc := range conf.Wheels {
		if _, ok := c.byTelemetry[wc.TelemetryFrameID]; ok {
			return nil, multierr.Combine(
				errors.Errorf("telemetry frame id %#x used by more than one wheel", wc.TelemetryFrameID),
				tx.Close(), rx.Close())
		}
		w := &Wheel{Name: wc.Name}
		c.wheels = append(c.wheels, w)
		c.byTelemetry[wc.TelemetryFrameID] = w
		c.states[wc.Name] = w
		c.commands[wc.Name] = &canJoint{can: c, wheel: w}
	}
	c.modes[conf.ModeName] = modeFunc(func(mode controller.OperationMode) {
		c.mode.Store(int32(mode))
	})
	c.lastCommandNs.Store(clk.Now().UnixNano())

	cancelCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	ticker := clk.Ticker(publishInterval)
	c.activeBackgroundWorkers.Add(2)
	viamutils.ManagedGo(func() {
		c.publishThread(cancelCtx, ticker)
	}, c.activeBackgroundWorkers.Done)
	viamutils.ManagedGo(func() {
		c.receiveThread(cancelCtx)
	}, c.activeBackgroundWorkers.Done)
	return c, nil
}

// canJoint refreshes the comms deadline on every set point.
type canJoint struct {
	can   *CAN
	wheel *Wheel
}

func (j *canJoint) SetCommand(velocity float64) {
	j.wheel.SetCommand(velocity)
	j.can.lastCommandNs.Store(j.can.clock.Now().UnixNano())
}

// Wheel returns the wheel named name, or nil.
func (c *CAN) Wheel(name string) *Wheel {
	for _, w := range c.wheels {
		if w.Name == name {
			return w
		}
	}
	return nil
}

func (c *CAN) gear() byte {
	if controller.OperationMode(c.mode.Load()) != controller.OperationModeActive {
		return gearPark
	}
	if c.clock.Now().Sub(time.Unix(0, c.lastCommandNs.Load())) > c.conf.CommsTimeout {
		return gearEmergencyStop
	}
	return gearDrive
}

// modeFrame encodes gear and brake state in the drive frame layout.
func (c *CAN) modeFrame(gear byte) canbus.Frame {
	frame := canbus.Frame{
		ID:   c.conf.ModeFrameID,
		Data: make([]byte, 8),
		Kind: canbus.SFF,
	}
	var brake float64
	if gear != gearDrive {
		brake = pedalMax
	}
	binary.LittleEndian.PutUint16(frame.Data[2:4], uint16(brake/0.0625))
	frame.Data[6] = gear | (driveModeIndependentSpeed << 4)
	frame.Data[7] = steerModeFourWheel
	return frame
}

func (c *CAN) commandFrame(i int, gear byte) canbus.Frame {
	frame := canbus.Frame{
		ID:   c.conf.Wheels[i].CommandFrameID,
		Data: make([]byte, 8),
		Kind: canbus.SFF,
	}
	var velocity float64
	if gear == gearDrive {
		velocity = c.wheels[i].Command()
	}
	canSignalWheelCommand.encode(frame.Data, velocity)
	return frame
}

// publishThread continuously sends the mode frame and wheel set points over the bus.
func (c *CAN) publishThread(ctx context.Context, ticker *clock.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		c.send(c.gear())
	}
}

func (c *CAN) send(gear byte) {
	if _, err := c.tx.Send(c.modeFrame(gear)); err != nil {
		c.logger.Errorw("mode frame send error", "error", err)
	}
	for i := range c.wheels {
		if _, err := c.tx.Send(c.commandFrame(i, gear)); err != nil {
			c.logger.Errorw("wheel command send error", "wheel", c.wheels[i].Name, "error", err)
		}
	}
}

// receiveThread stores wheel telemetry until ctx is done.
func (c *CAN) receiveThread(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		frame, err := c.rx.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.rxErrorLog.Do(func() {
				c.logger.Errorw("CAN Rx error", "error", err)
			})
			if !viamutils.SelectContextOrWait(ctx, publishInterval) {
				return
			}
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *CAN) handleFrame(frame canbus.Frame) {
	w, ok := c.byTelemetry[frame.ID]
	if !ok {
		return
	}
	if len(frame.Data) < 8 {
		c.logger.Debugw("short telemetry frame", "id", frame.ID, "data", frame.Data)
		return
	}
	w.setState(
		canSignalWheelPosition.decode(frame.Data),
		canSignalWheelVelocity.decode(frame.Data),
		canSignalWheelEffort.decode(frame.Data),
	)
}

// Close stops the bus loops, parks the base and closes the buses.
func (c *CAN) Close() error {
	c.cancel()
	rxErr := c.rx.Close()
	c.activeBackgroundWorkers.Wait()
	c.send(gearPark)
	return multierr.Combine(rxErr, c.tx.Close())
}
