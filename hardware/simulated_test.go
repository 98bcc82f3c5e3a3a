package hardware

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"diffdrive/controller"
)

func TestSimulatedWheels(t *testing.T) {
	clk := clock.NewMock()
	sim := NewSimulated([]string{"left", "right"}, []string{"motors"}, clk)

	state, err := sim.JointStateHandle("left")
	test.That(t, err, test.ShouldBeNil)
	cmd, err := sim.JointCommandHandle("left")
	test.That(t, err, test.ShouldBeNil)
	mode, err := sim.OperationModeHandle("motors")
	test.That(t, err, test.ShouldBeNil)
	_, err = sim.JointStateHandle("caster")
	test.That(t, err, test.ShouldNotBeNil)

	cmd.SetCommand(2)
	clk.Add(time.Second)
	test.That(t, state.Position(), test.ShouldEqual, 0.0)
	test.That(t, sim.Mode("motors"), test.ShouldEqual, controller.OperationModeInactive)

	mode.SetMode(controller.OperationModeActive)
	clk.Add(time.Second)
	test.That(t, state.Position(), test.ShouldAlmostEqual, 2.0)
	test.That(t, state.Velocity(), test.ShouldEqual, 2.0)
	test.That(t, sim.Wheel("right").Position(), test.ShouldEqual, 0.0)

	mode.SetMode(controller.OperationModeInactive)
	clk.Add(time.Second)
	test.That(t, state.Position(), test.ShouldAlmostEqual, 2.0)
	test.That(t, state.Velocity(), test.ShouldEqual, 0.0)
}

func TestSimulatedClosedLoop(t *testing.T) {
	clk := clock.NewMock()
	sim := NewSimulated([]string{"left_wheel_joint", "right_wheel_joint"}, []string{"motors"}, clk)
	ctrl := controller.New(&controller.Config{
		LeftWheelNames:  []string{"left_wheel_joint"},
		RightWheelNames: []string{"right_wheel_joint"},
		WriteOpModes:    []string{"motors"},
		WheelSeparation: 0.5,
		WheelRadius:     0.1,
	}, sim, logging.NewTestLogger(t), controller.WithClock(clk))
	defer ctrl.Shutdown()

	test.That(t, ctrl.Configure(), test.ShouldBeNil)
	test.That(t, ctrl.Activate(), test.ShouldBeNil)

	for i := 0; i < 101; i++ {
		ctrl.HandleVelocityCommand("teleop", 1, 0)
		clk.Add(10 * time.Millisecond)
		test.That(t, ctrl.Update(clk.Now()), test.ShouldBeNil)
	}
	pose := ctrl.Pose()
	test.That(t, pose.X, test.ShouldAlmostEqual, 1.0, 1e-6)
	test.That(t, pose.Y, test.ShouldAlmostEqual, 0.0, 1e-9)
	test.That(t, sim.Mode("motors"), test.ShouldEqual, controller.OperationModeActive)

	test.That(t, ctrl.Deactivate(), test.ShouldBeNil)
	test.That(t, sim.Mode("motors"), test.ShouldEqual, controller.OperationModeInactive)
	test.That(t, sim.Wheel("left_wheel_joint").Command(), test.ShouldEqual, 0.0)
}
