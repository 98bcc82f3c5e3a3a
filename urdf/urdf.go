// Package urdf reads the wheel geometry of a differential-drive base out of a URDF
// robot description.
package urdf

import (
	"encoding/xml"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Model is the subset of a URDF document needed to find wheel separation and radius.
type Model struct {
	Name   string
	links  map[string]*link
	joints map[string]*joint
}

type robotXML struct {
	XMLName xml.Name   `xml:"robot"`
	Name    string     `xml:"name,attr"`
	Links   []linkXML  `xml:"link"`
	Joints  []jointXML `xml:"joint"`
}

type linkXML struct {
	Name       string         `xml:"name,attr"`
	Collisions []collisionXML `xml:"collision"`
}

type collisionXML struct {
	Geometry *geometryXML `xml:"geometry"`
}

type geometryXML struct {
	Cylinder *radiusXML `xml:"cylinder"`
	Sphere   *radiusXML `xml:"sphere"`
	Box      *struct{}  `xml:"box"`
	Mesh     *struct{}  `xml:"mesh"`
}

type radiusXML struct {
	Radius float64 `xml:"radius,attr"`
}

type jointXML struct {
	Name   string     `xml:"name,attr"`
	Type   string     `xml:"type,attr"`
	Parent linkRefXML `xml:"parent"`
	Child  linkRefXML `xml:"child"`
	Origin *originXML `xml:"origin"`
}

type linkRefXML struct {
	Link string `xml:"link,attr"`
}

type originXML struct {
	XYZ string `xml:"xyz,attr"`
}

type link struct {
	name       string
	collisions []collisionXML
}

type joint struct {
	name   string
	parent string
	child  string
	origin r3.Vector
}

// Parse reads a URDF document.
func Parse(doc string) (*Model, error) {
	var robot robotXML
	if err := xml.Unmarshal([]byte(doc), &robot); err != nil {
		return nil, errors.Wrap(err, "robot description couldn't be parsed")
	}
	m := &Model{
		Name:   robot.Name,
		links:  make(map[string]*link, len(robot.Links)),
		joints: make(map[string]*joint, len(robot.Joints)),
	}
	for _, l := range robot.Links {
		m.links[l.Name] = &link{name: l.Name, collisions: l.Collisions}
	}
	for _, j := range robot.Joints {
		var origin r3.Vector
		if j.Origin != nil && j.Origin.XYZ != "" {
			var err error
			if origin, err = parseVector(j.Origin.XYZ); err != nil {
				return nil, errors.Wrapf(err, "joint %s origin", j.Name)
			}
		}
		m.joints[j.Name] = &joint{
			name:   j.Name,
			parent: j.Parent.Link,
			child:  j.Child.Link,
			origin: origin,
		}
	}
	return m, nil
}

func parseVector(s string) (r3.Vector, error) {
	fields := strings.Fields(s)
	if len(fields) != 3 {
		return r3.Vector{}, errors.Errorf("expected 3 values, got %q", s)
	}
	var v [3]float64
	for i, f := range fields {
		x, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return r3.Vector{}, err
		}
		v[i] = x
	}
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}, nil
}

// JointOrigin returns the position of a joint relative to its parent link.
func (m *Model) JointOrigin(jointName string) (r3.Vector, error) {
	j, ok := m.joints[jointName]
	if !ok {
		return r3.Vector{}, errors.Errorf("%s couldn't be retrieved from model description", jointName)
	}
	return j.origin, nil
}

// WheelSeparation returns the distance between the origins of the two wheel joints.
func (m *Model) WheelSeparation(leftJoint, rightJoint string) (float64, error) {
	left, err := m.JointOrigin(leftJoint)
	if err != nil {
		return 0, err
	}
	right, err := m.JointOrigin(rightJoint)
	if err != nil {
		return 0, err
	}
	return left.Sub(right).Norm(), nil
}

// WheelRadius returns the radius of the collision geometry of the joint's child link,
// which must be a cylinder or a sphere.
func (m *Model) WheelRadius(wheelJoint string) (float64, error) {
	j, ok := m.joints[wheelJoint]
	if !ok {
		return 0, errors.Errorf("%s couldn't be retrieved from model description", wheelJoint)
	}
	l, ok := m.links[j.child]
	if !ok {
		return 0, errors.Errorf("link %s of joint %s is not in the model description", j.child, wheelJoint)
	}
	if len(l.collisions) == 0 {
		return 0, errors.Errorf("link %s does not have collision description", l.name)
	}
	g := l.collisions[0].Geometry
	switch {
	case g == nil:
		return 0, errors.Errorf("link %s does not have collision geometry description", l.name)
	case g.Cylinder != nil:
		return g.Cylinder.Radius, nil
	case g.Sphere != nil:
		return g.Sphere.Radius, nil
	default:
		return 0, errors.Errorf("wheel link %s is not modeled as a cylinder or sphere", l.name)
	}
}
