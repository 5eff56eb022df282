// Package motorbus implements the host-side session and supervisor for a
// bus of Robstride actuators: framing MIT-mode PD commands, decoding
// feedback, and running a background control loop that holds per-motor
// setpoints between application updates.
package motorbus

import "github.com/robstride-dev/robstride-go/internal/canframe"

// ControlParams is one motor's MIT-mode PD setpoint.
type ControlParams struct {
	Position float32
	Velocity float32
	Kp       float32
	Kd       float32
	Torque   float32
}

// Feedback is the decoded state last reported by a motor.
type Feedback = canframe.MotorFeedback
