package motorbus

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/robstride-dev/robstride-go/internal/canframe"
	"github.com/robstride-dev/robstride-go/internal/transport"
)

const pausedPollInterval = 10 * time.Millisecond

// Supervisor owns a Motors session and drives it from a dedicated
// goroutine, exposing a thread-safe setpoint/feedback API to the rest of
// the application. It is the Go analogue of dxl_go's Controller: an
// explicit context/cancel/WaitGroup pair instead of a fire-and-forget
// thread, so Stop() can join the worker deterministically.
type Supervisor struct {
	motors   *Motors
	motorsMu sync.Mutex

	targetMu     sync.RWMutex
	targetParams map[uint8]ControlParams

	feedbackMu     sync.RWMutex
	latestFeedback map[uint8]Feedback

	zeroMu       sync.Mutex
	motorsToZero map[uint8]struct{}

	pausedMu sync.RWMutex
	paused   bool

	restartMu sync.Mutex
	restart   bool

	countersMu     sync.RWMutex
	totalCommands  map[uint8]uint64
	failedCommands map[uint8]uint64

	rateMu             sync.RWMutex
	minUpdateRateHz    float64
	targetUpdateRateHz float64
	actualUpdateRateHz float64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor builds a Supervisor over link for the given motor set and
// starts its worker goroutine immediately, matching the reference driver
// where MotorsSupervisor::new spawns its control thread before returning.
// retries is forwarded to the underlying Motors session and governs how
// many extra attempts SetZeros makes per command before giving up.
func NewSupervisor(link *transport.Link, motorInfos map[uint8]canframe.MotorType, retries int, verbose bool, minUpdateRateHz, targetUpdateRateHz float64) *Supervisor {
	motors := NewMotors(link, motorInfos, retries, verbose)

	targetParams := make(map[uint8]ControlParams, len(motors.configs))
	zeroOnInit := make(map[uint8]struct{})
	total := make(map[uint8]uint64, len(motors.configs))
	failed := make(map[uint8]uint64, len(motors.configs))
	for id, cfg := range motors.configs {
		targetParams[id] = ControlParams{}
		total[id] = 0
		failed[id] = 0
		if cfg.ZeroOnInit {
			zeroOnInit[id] = struct{}{}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		motors:             motors,
		targetParams:       targetParams,
		latestFeedback:     make(map[uint8]Feedback),
		motorsToZero:       zeroOnInit,
		totalCommands:      total,
		failedCommands:     failed,
		minUpdateRateHz:    minUpdateRateHz,
		targetUpdateRateHz: targetUpdateRateHz,
		ctx:                ctx,
		cancel:             cancel,
	}

	s.wg.Add(1)
	go s.run()

	return s
}

func (s *Supervisor) run() {
	defer s.wg.Done()

	s.motorsMu.Lock()
	if err := s.motors.Resets(); err != nil {
		log.Printf("[motorbus] initial reset failed: %v", err)
	}
	if err := s.motors.Starts(); err != nil {
		log.Printf("[motorbus] initial start failed: %v", err)
	}
	canTimeoutMs := uint32(math.Ceil(1000.0 / s.getMinUpdateRate()))
	if err := s.motors.WriteCANTimeout(canTimeoutMs); err != nil {
		log.Printf("[motorbus] setting CAN timeout failed: %v", err)
	}
	s.motorsMu.Unlock()

	lastTick := time.Now()

	for {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return
		default:
		}

		if s.isPaused() {
			time.Sleep(pausedPollInterval)
			continue
		}

		if s.consumeRestart() {
			s.motorsMu.Lock()
			if err := s.motors.Resets(); err != nil {
				log.Printf("[motorbus] restart reset failed: %v", err)
			}
			if err := s.motors.Starts(); err != nil {
				log.Printf("[motorbus] restart start failed: %v", err)
			}
			s.motorsMu.Unlock()
		}

		tickStart := time.Now()

		s.motorsMu.Lock()
		fb := s.motors.GetLatestFeedback()
		s.motorsMu.Unlock()
		s.feedbackMu.Lock()
		s.latestFeedback = fb
		s.feedbackMu.Unlock()

		s.serviceZeroRequests()
		s.servicePDCommands()

		elapsed := tickStart.Sub(lastTick)
		lastTick = tickStart
		if elapsed > 0 {
			s.rateMu.Lock()
			s.actualUpdateRateHz = 1.0 / elapsed.Seconds()
			s.rateMu.Unlock()
		}

		target := time.Duration(float64(time.Second) / s.getTargetUpdateRate())
		sleepFor := target - time.Since(tickStart)
		if sleepFor < time.Microsecond {
			sleepFor = time.Microsecond
		}
		time.Sleep(sleepFor)
	}
}

func (s *Supervisor) serviceZeroRequests() {
	s.zeroMu.Lock()
	ids := make([]uint8, 0, len(s.motorsToZero))
	for id := range s.motorsToZero {
		ids = append(ids, id)
	}
	s.motorsToZero = make(map[uint8]struct{})
	s.zeroMu.Unlock()

	if len(ids) == 0 {
		return
	}

	s.motorsMu.Lock()
	err := s.motors.SetZeros(ids)
	s.motorsMu.Unlock()
	if err != nil {
		log.Printf("[motorbus] zero request failed: %v", err)
		s.bumpFailed(ids...)
	}

	zeroTorque := make(map[uint8]ControlParams, len(ids))
	for _, id := range ids {
		zeroTorque[id] = ControlParams{}
	}
	s.motorsMu.Lock()
	_, failures := s.motors.MotorControls(zeroTorque)
	s.motorsMu.Unlock()
	for id := range failures {
		s.bumpFailed(id)
	}
	s.bumpTotal(ids...)
}

func (s *Supervisor) servicePDCommands() {
	s.targetMu.RLock()
	params := make(map[uint8]ControlParams, len(s.targetParams))
	for id, p := range s.targetParams {
		params[id] = p
	}
	s.targetMu.RUnlock()

	s.motorsMu.Lock()
	_, failures := s.motors.MotorControls(params)
	s.motorsMu.Unlock()

	for id := range failures {
		s.bumpFailed(id)
	}
	ids := make([]uint8, 0, len(params))
	for id := range params {
		ids = append(ids, id)
	}
	s.bumpTotal(ids...)
}

// shutdown sends a final zero-torque command to every motor that has
// reported feedback, then resets every configured motor, run once after
// the worker loop observes ctx is done. The zero-torque set is narrower
// than the reset set on purpose: a motor that never answered would just
// time out the reply read, and the reset still reaches it regardless.
func (s *Supervisor) shutdown() {
	s.motorsMu.Lock()
	defer s.motorsMu.Unlock()

	feedback := s.motors.GetLatestFeedback()
	ids := make([]uint8, 0, len(feedback))
	for id := range feedback {
		ids = append(ids, id)
	}
	zeroTorque := make(map[uint8]ControlParams, len(ids))
	for _, id := range ids {
		zeroTorque[id] = ControlParams{}
	}
	if _, failures := s.motors.MotorControls(zeroTorque); len(failures) > 0 {
		log.Printf("[motorbus] shutdown zero-torque command failed for %d motors", len(failures))
	}
	if err := s.motors.Resets(); err != nil {
		log.Printf("[motorbus] shutdown reset failed: %v", err)
	}
}

func (s *Supervisor) bumpFailed(ids ...uint8) {
	s.countersMu.Lock()
	defer s.countersMu.Unlock()
	for _, id := range ids {
		s.failedCommands[id]++
	}
}

func (s *Supervisor) bumpTotal(ids ...uint8) {
	s.countersMu.Lock()
	defer s.countersMu.Unlock()
	for _, id := range ids {
		s.totalCommands[id]++
	}
}

func (s *Supervisor) isPaused() bool {
	s.pausedMu.RLock()
	defer s.pausedMu.RUnlock()
	return s.paused
}

func (s *Supervisor) consumeRestart() bool {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()
	if !s.restart {
		return false
	}
	s.restart = false
	return true
}

func (s *Supervisor) getMinUpdateRate() float64 {
	s.rateMu.RLock()
	defer s.rateMu.RUnlock()
	return s.minUpdateRateHz
}

func (s *Supervisor) getTargetUpdateRate() float64 {
	s.rateMu.RLock()
	defer s.rateMu.RUnlock()
	return s.targetUpdateRateHz
}

// GetTotalCommands returns the number of PD/zero commands issued to id
// since the last ResetCommandCounters call.
func (s *Supervisor) GetTotalCommands(id uint8) (uint64, error) {
	s.countersMu.RLock()
	defer s.countersMu.RUnlock()
	v, ok := s.totalCommands[id]
	if !ok {
		return 0, ErrNotFound
	}
	return v, nil
}

// GetFailedCommands returns the number of commands to id that failed
// since the last ResetCommandCounters call.
func (s *Supervisor) GetFailedCommands(id uint8) (uint64, error) {
	s.countersMu.RLock()
	defer s.countersMu.RUnlock()
	v, ok := s.failedCommands[id]
	if !ok {
		return 0, ErrNotFound
	}
	return v, nil
}

// GetCommandCounters returns a copy of every motor's total and failed
// command counts, for the telemetry surface.
func (s *Supervisor) GetCommandCounters() (total, failed map[uint8]uint64) {
	s.countersMu.RLock()
	defer s.countersMu.RUnlock()
	total = make(map[uint8]uint64, len(s.totalCommands))
	failed = make(map[uint8]uint64, len(s.failedCommands))
	for id, v := range s.totalCommands {
		total[id] = v
	}
	for id, v := range s.failedCommands {
		failed[id] = v
	}
	return total, failed
}

// ResetCommandCounters zeroes every motor's total and failed command
// counts.
func (s *Supervisor) ResetCommandCounters() {
	s.countersMu.Lock()
	defer s.countersMu.Unlock()
	for id := range s.totalCommands {
		s.totalCommands[id] = 0
	}
	for id := range s.failedCommands {
		s.failedCommands[id] = 0
	}
}

// SetParams replaces id's full PD setpoint in one call.
func (s *Supervisor) SetParams(id uint8, params ControlParams) {
	s.targetMu.Lock()
	defer s.targetMu.Unlock()
	s.targetParams[id] = params
}

func (s *Supervisor) mutateParam(id uint8, f func(*ControlParams)) error {
	s.targetMu.Lock()
	defer s.targetMu.Unlock()
	p, ok := s.targetParams[id]
	if !ok {
		return ErrNotFound
	}
	f(&p)
	s.targetParams[id] = p
	return nil
}

// SetPosition updates id's target position setpoint.
func (s *Supervisor) SetPosition(id uint8, position float32) error {
	return s.mutateParam(id, func(p *ControlParams) { p.Position = position })
}

// GetPosition returns id's current target position setpoint.
func (s *Supervisor) GetPosition(id uint8) (float32, error) {
	s.targetMu.RLock()
	defer s.targetMu.RUnlock()
	p, ok := s.targetParams[id]
	if !ok {
		return 0, ErrNotFound
	}
	return p.Position, nil
}

// SetVelocity updates id's target velocity setpoint.
func (s *Supervisor) SetVelocity(id uint8, velocity float32) error {
	return s.mutateParam(id, func(p *ControlParams) { p.Velocity = velocity })
}

// GetVelocity returns id's current target velocity setpoint.
func (s *Supervisor) GetVelocity(id uint8) (float32, error) {
	s.targetMu.RLock()
	defer s.targetMu.RUnlock()
	p, ok := s.targetParams[id]
	if !ok {
		return 0, ErrNotFound
	}
	return p.Velocity, nil
}

// SetKp updates id's target proportional gain, clamped non-negative.
func (s *Supervisor) SetKp(id uint8, kp float32) error {
	if kp < 0 {
		kp = 0
	}
	return s.mutateParam(id, func(p *ControlParams) { p.Kp = kp })
}

// GetKp returns id's current target proportional gain.
func (s *Supervisor) GetKp(id uint8) (float32, error) {
	s.targetMu.RLock()
	defer s.targetMu.RUnlock()
	p, ok := s.targetParams[id]
	if !ok {
		return 0, ErrNotFound
	}
	return p.Kp, nil
}

// SetKd updates id's target derivative gain, clamped non-negative.
func (s *Supervisor) SetKd(id uint8, kd float32) error {
	if kd < 0 {
		kd = 0
	}
	return s.mutateParam(id, func(p *ControlParams) { p.Kd = kd })
}

// GetKd returns id's current target derivative gain.
func (s *Supervisor) GetKd(id uint8) (float32, error) {
	s.targetMu.RLock()
	defer s.targetMu.RUnlock()
	p, ok := s.targetParams[id]
	if !ok {
		return 0, ErrNotFound
	}
	return p.Kd, nil
}

// SetTorque updates id's target feedforward torque.
func (s *Supervisor) SetTorque(id uint8, torque float32) error {
	return s.mutateParam(id, func(p *ControlParams) { p.Torque = torque })
}

// GetTorque returns id's current target feedforward torque.
func (s *Supervisor) GetTorque(id uint8) (float32, error) {
	s.targetMu.RLock()
	defer s.targetMu.RUnlock()
	p, ok := s.targetParams[id]
	if !ok {
		return 0, ErrNotFound
	}
	return p.Torque, nil
}

// AddMotorToZero zeroes id's setpoint and marks it to be physically
// re-zeroed on the next worker tick. The setpoint is cleared first so the
// motor does not snap to a stale target the instant it re-zeroes.
func (s *Supervisor) AddMotorToZero(id uint8) error {
	if err := s.SetTorque(id, 0); err != nil {
		return err
	}
	if err := s.SetPosition(id, 0); err != nil {
		return err
	}
	if err := s.SetVelocity(id, 0); err != nil {
		return err
	}
	s.zeroMu.Lock()
	defer s.zeroMu.Unlock()
	s.motorsToZero[id] = struct{}{}
	return nil
}

// GetLatestFeedback returns a copy of the feedback snapshot taken on the
// worker's most recent tick.
func (s *Supervisor) GetLatestFeedback() map[uint8]Feedback {
	s.feedbackMu.RLock()
	defer s.feedbackMu.RUnlock()
	out := make(map[uint8]Feedback, len(s.latestFeedback))
	for id, fb := range s.latestFeedback {
		out[id] = fb
	}
	return out
}

// TogglePause flips the worker between actively driving the bus and
// idling without sending commands.
func (s *Supervisor) TogglePause() {
	s.pausedMu.Lock()
	defer s.pausedMu.Unlock()
	s.paused = !s.paused
}

// Reset requests a reset+start cycle on the worker's next tick.
func (s *Supervisor) Reset() {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()
	s.restart = true
}

// Stop signals the worker to exit and blocks until it has sent its final
// zero-torque and reset commands, using an explicit cancel+join instead of
// the reference driver's fixed 200ms sleep so shutdown is never too short
// under load or too slow when the bus is idle.
func (s *Supervisor) Stop() {
	s.cancel()
	s.wg.Wait()
}

// SetMinUpdateRate changes the CAN watchdog timeout derived from rate and
// reprograms it on the bus immediately.
func (s *Supervisor) SetMinUpdateRate(rate float64) {
	s.rateMu.Lock()
	s.minUpdateRateHz = rate
	s.rateMu.Unlock()

	s.motorsMu.Lock()
	defer s.motorsMu.Unlock()
	if err := s.motors.WriteCANTimeout(uint32(math.Ceil(1000.0 / rate))); err != nil {
		log.Printf("[motorbus] updating CAN timeout failed: %v", err)
	}
}

// SetTargetUpdateRate changes the worker's target tick rate.
func (s *Supervisor) SetTargetUpdateRate(rate float64) {
	s.rateMu.Lock()
	defer s.rateMu.Unlock()
	s.targetUpdateRateHz = rate
}

// GetActualUpdateRate reports the worker's most recently measured tick
// rate, in Hz.
func (s *Supervisor) GetActualUpdateRate() float64 {
	s.rateMu.RLock()
	defer s.rateMu.RUnlock()
	return s.actualUpdateRateHz
}
