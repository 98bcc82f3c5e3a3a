package urdf

import (
	"testing"

	"go.viam.com/test"
)

const diffbot = `<?xml version="1.0"?>
<robot name="diffbot">
  <link name="base_link">
    <collision><geometry><box size="0.6 0.4 0.2"/></geometry></collision>
  </link>
  <link name="left_wheel">
    <collision>
      <origin xyz="0 0 0" rpy="1.5707 0 0"/>
      <geometry><cylinder radius="0.1" length="0.05"/></geometry>
    </collision>
  </link>
  <link name="right_wheel">
    <collision><geometry><sphere radius="0.12"/></geometry></collision>
  </link>
  <link name="caster"/>
  <joint name="left_wheel_joint" type="continuous">
    <parent link="base_link"/>
    <child link="left_wheel"/>
    <origin xyz="0.1 0.25 0" rpy="0 0 0"/>
  </joint>
  <joint name="right_wheel_joint" type="continuous">
    <parent link="base_link"/>
    <child link="right_wheel"/>
    <origin xyz="0.1 -0.25 0" rpy="0 0 0"/>
  </joint>
  <joint name="caster_joint" type="fixed">
    <parent link="base_link"/>
    <child link="caster"/>
  </joint>
  <joint name="base_joint" type="fixed">
    <parent link="left_wheel"/>
    <child link="base_link"/>
  </joint>
</robot>`

func TestWheelSeparation(t *testing.T) {
	m, err := Parse(diffbot)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.Name, test.ShouldEqual, "diffbot")

	sep, err := m.WheelSeparation("left_wheel_joint", "right_wheel_joint")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sep, test.ShouldAlmostEqual, 0.5)

	_, err = m.WheelSeparation("left_wheel_joint", "missing")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "missing couldn't be retrieved")
}

func TestWheelRadius(t *testing.T) {
	m, err := Parse(diffbot)
	test.That(t, err, test.ShouldBeNil)

	r, err := m.WheelRadius("left_wheel_joint")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, r, test.ShouldEqual, 0.1)

	r, err = m.WheelRadius("right_wheel_joint")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, r, test.ShouldEqual, 0.12)

	_, err = m.WheelRadius("caster_joint")
	test.That(t, err.Error(), test.ShouldContainSubstring, "does not have collision description")

	_, err = m.WheelRadius("base_joint")
	test.That(t, err.Error(), test.ShouldContainSubstring, "not modeled as a cylinder or sphere")
}

func TestParseErrors(t *testing.T) {
	_, err := Parse("not xml")
	test.That(t, err, test.ShouldNotBeNil)

	_, err = Parse(`<robot><joint name="j"><origin xyz="1 2"/></joint></robot>`)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "joint j origin")
}
