package motorbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/robstride-dev/robstride-go/internal/canframe"
	"github.com/robstride-dev/robstride-go/internal/transport"
)

// defaultSleepAfter is the inter-command delay observed by the reference
// device driver between writing a command frame and reading its reply.
const defaultSleepAfter = 50 * time.Millisecond

// readDeadlineFactor bounds how long ReadFrames may block relative to the
// inter-command sleep, so a silent device cannot hang a caller forever.
const readDeadlineFactor = 5

// Motors is a single-threaded session over one serial link: it frames
// commands, waits for their replies, and caches the last feedback and run
// mode seen per motor. It is not safe for concurrent use; Supervisor
// serializes all access behind a mutex.
type Motors struct {
	link           *transport.Link
	configs        map[uint8]*canframe.MotorConfig
	latestFeedback map[uint8]Feedback
	mode           canframe.RunMode
	sleepAfter     time.Duration
	retries        int
	verbose        bool
}

// NewMotors builds a session over link for the given id-to-type mapping.
// IDs naming an unrecognized MotorType are silently dropped, matching the
// reference driver's filter_map over motor_infos. retries is the number of
// extra attempts SetZeros makes per reset/zero/start command before giving
// up on a motor id; 0 means a single attempt.
func NewMotors(link *transport.Link, motorInfos map[uint8]canframe.MotorType, retries int, verbose bool) *Motors {
	configs := make(map[uint8]*canframe.MotorConfig, len(motorInfos))
	for id, typ := range motorInfos {
		if cfg, ok := canframe.Configs[typ]; ok {
			configs[id] = cfg
		}
	}
	return &Motors{
		link:           link,
		configs:        configs,
		latestFeedback: make(map[uint8]Feedback),
		mode:           canframe.UnsetMode,
		sleepAfter:     defaultSleepAfter,
		retries:        retries,
		verbose:        verbose,
	}
}

// withRetry calls f up to 1+m.retries times, returning the first success
// or the last error if every attempt fails. Used only by SetZeros: the
// original's stand.rs harness resends reset/start/zero up to three times
// each for reliability on flaky links, but that retry is opt-in here via
// Config.Retries (default 0, a single attempt) rather than unconditional,
// since unconditional retries would hide per-attempt failures from the
// counters Supervisor tracks.
func (m *Motors) withRetry(f func() (canframe.Frame, error)) (canframe.Frame, error) {
	var lastErr error
	for attempt := 0; attempt <= m.retries; attempt++ {
		frame, err := f()
		if err == nil {
			return frame, nil
		}
		lastErr = err
	}
	return canframe.Frame{}, lastErr
}

func (m *Motors) readCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), readDeadlineFactor*m.sleepAfter)
}

func (m *Motors) motorIDs() []uint8 {
	ids := make([]uint8, 0, len(m.configs))
	for id := range m.configs {
		ids = append(ids, id)
	}
	return ids
}

func sdoPack(id uint8, mode canframe.ComMode, index uint16, extra ...byte) canframe.Frame {
	var data [8]byte
	binary.LittleEndian.PutUint16(data[0:2], index)
	copy(data[2:], extra)
	return canframe.Frame{
		ExID: canframe.ExtendedID{ID: id, Data: uint16(canframe.IDDebugUI), Mode: mode},
		Len:  8,
		Data: data,
	}
}

// sendCommand writes pack, optionally sleeps the inter-command delay, and
// reads back exactly one reply frame.
func (m *Motors) sendCommand(pack canframe.Frame, sleepAfter bool) (canframe.Frame, error) {
	if err := m.link.WriteFrames(pack); err != nil {
		return canframe.Frame{}, err
	}
	if sleepAfter {
		time.Sleep(m.sleepAfter)
	}
	ctx, cancel := m.readCtx()
	defer cancel()
	frames, err := m.link.ReadFrames(ctx, 1)
	if err != nil {
		return canframe.Frame{}, fmt.Errorf("%w: %v", ErrIOTimeoutOrEOF, err)
	}
	if len(frames) == 0 {
		return canframe.Frame{}, ErrIOTimeoutOrEOF
	}
	return frames[0], nil
}

// sendCommands writes every pack, optionally sleeps once, then reads back
// exactly len(packs) reply frames in order.
func (m *Motors) sendCommands(packs []canframe.Frame, sleepAfter bool) ([]canframe.Frame, error) {
	if err := m.link.WriteFrames(packs...); err != nil {
		return nil, err
	}
	if sleepAfter {
		time.Sleep(m.sleepAfter)
	}
	ctx, cancel := m.readCtx()
	defer cancel()
	frames, err := m.link.ReadFrames(ctx, len(packs))
	if err != nil {
		return frames, fmt.Errorf("%w: %v", ErrIOTimeoutOrEOF, err)
	}
	return frames, nil
}

// GetRunModes reads the current run mode from each configured motor.
// A motor that fails to respond is omitted from the result rather than
// aborting the whole call, matching the reference driver's per-id
// "match ... Err(_) => continue".
func (m *Motors) GetRunModes() map[uint8]canframe.RunMode {
	modes := make(map[uint8]canframe.RunMode)
	for _, id := range m.motorIDs() {
		pack := sdoPack(id, canframe.SdoRead, canframe.ParamRunMode)
		reply, err := m.sendCommand(pack, false)
		if err != nil {
			continue
		}
		modes[id] = canframe.RunModeFromByte(reply.Data[4])
	}
	return modes
}

// setRunMode transitions every configured motor to mode, lazily resolving
// the session's cached mode from the bus the first time it is called, and
// is a no-op once the cache already matches mode.
func (m *Motors) setRunMode(mode canframe.RunMode) (map[uint8]Feedback, error) {
	if m.mode == canframe.UnsetMode {
		readModes := m.GetRunModes()
		if len(readModes) == 0 {
			return nil, fmt.Errorf("%w: could not read current run mode", ErrIOTimeoutOrEOF)
		}
		first := canframe.RunMode(0)
		consistent := true
		seen := false
		for _, v := range readModes {
			if !seen {
				first = v
				seen = true
				continue
			}
			if v != first {
				consistent = false
				break
			}
		}
		if consistent {
			m.mode = first
		}
	}

	if m.mode == mode {
		return map[uint8]Feedback{}, nil
	}
	m.mode = mode

	feedbacks := make(map[uint8]Feedback)
	for _, id := range m.motorIDs() {
		pack := sdoPack(id, canframe.SdoWrite, canframe.ParamRunMode, byte(mode))
		reply, err := m.sendCommand(pack, true)
		if err != nil {
			continue
		}
		fb, err := m.unpackFeedback(reply)
		if err != nil {
			continue
		}
		feedbacks[id] = fb
	}
	return feedbacks, nil
}

// SetZeros resets, zeroes, then restarts ids (or every configured motor id
// if ids is nil).
func (m *Motors) SetZeros(ids []uint8) error {
	targets := ids
	if targets == nil {
		targets = m.motorIDs()
	}
	for _, id := range targets {
		if _, ok := m.configs[id]; !ok {
			return fmt.Errorf("%w: motor id %d", ErrInvalidInput, id)
		}
	}

	for _, id := range targets {
		if _, err := m.withRetry(func() (canframe.Frame, error) { return m.reset(id) }); err != nil {
			return err
		}
	}
	for _, id := range targets {
		pack := canframe.Frame{
			ExID: canframe.ExtendedID{ID: id, Data: uint16(canframe.IDDebugUI), Mode: canframe.MotorZero},
			Len:  8,
			Data: [8]byte{1},
		}
		if _, err := m.withRetry(func() (canframe.Frame, error) { return m.sendCommand(pack, true) }); err != nil {
			return err
		}
	}
	for _, id := range targets {
		if _, err := m.withRetry(func() (canframe.Frame, error) { return m.start(id) }); err != nil {
			return err
		}
	}
	return nil
}

func (m *Motors) readStringParam(motorID uint8, index uint16, numPacks int) (string, error) {
	pack := sdoPack(motorID, canframe.ParaRead, index)
	if err := m.link.WriteFrames(pack); err != nil {
		return "", err
	}
	ctx, cancel := m.readCtx()
	defer cancel()
	frames, err := m.link.ReadFrames(ctx, numPacks)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIOTimeoutOrEOF, err)
	}
	out := make([]byte, 0, numPacks*4)
	for _, f := range frames {
		for _, b := range f.Data[4:8] {
			if b != 0 {
				out = append(out, b)
			}
		}
	}
	return string(out), nil
}

func (m *Motors) readUint16Param(motorID uint8, index uint16) (uint16, error) {
	pack := sdoPack(motorID, canframe.ParaRead, index)
	reply, err := m.sendCommand(pack, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(reply.Data[4:6]), nil
}

// ReadNames reads the device-reported name string from every configured
// motor.
func (m *Motors) ReadNames() (map[uint8]string, error) {
	return m.readAllStrings(canframe.ParamMotorName, 4)
}

// ReadBarCodes reads the device-reported serial barcode from every
// configured motor.
func (m *Motors) ReadBarCodes() (map[uint8]string, error) {
	return m.readAllStrings(canframe.ParamBarcode, 4)
}

// ReadBuildDates reads the firmware build-date string from every
// configured motor.
func (m *Motors) ReadBuildDates() (map[uint8]string, error) {
	return m.readAllStrings(canframe.ParamBuildDate, 3)
}

func (m *Motors) readAllStrings(index uint16, numPacks int) (map[uint8]string, error) {
	out := make(map[uint8]string)
	for _, id := range m.motorIDs() {
		s, err := m.readStringParam(id, index, numPacks)
		if err != nil {
			return out, err
		}
		out[id] = s
	}
	return out, nil
}

// ReadCANTimeouts reads the configured CAN watchdog timeout, in
// milliseconds, from every configured motor.
func (m *Motors) ReadCANTimeouts() (map[uint8]float32, error) {
	out := make(map[uint8]float32)
	for _, id := range m.motorIDs() {
		raw, err := m.readUint16Param(id, canframe.ParamCANTimeout)
		if err != nil {
			return out, err
		}
		out[id] = float32(raw) / 20.0
	}
	return out, nil
}

// WriteCANTimeout programs the CAN watchdog timeout, in milliseconds, on
// every configured motor. The device units are 50us ticks, clamped to
// [0, 100000].
func (m *Motors) WriteCANTimeout(timeoutMs uint32) error {
	ticks := timeoutMs * 20
	if ticks > 100000 {
		ticks = 100000
	}
	var extra [6]byte
	extra[0] = 0x04
	binary.LittleEndian.PutUint32(extra[2:6], ticks)
	for _, id := range m.motorIDs() {
		pack := sdoPack(id, canframe.ParaWrite, canframe.ParamCANTimeout, extra[:]...)
		if _, err := m.sendCommand(pack, true); err != nil {
			return err
		}
	}
	return nil
}

func (m *Motors) reset(id uint8) (canframe.Frame, error) {
	pack := canframe.Frame{ExID: canframe.ExtendedID{ID: id, Data: uint16(canframe.IDDebugUI), Mode: canframe.MotorReset}, Len: 8}
	return m.sendCommand(pack, true)
}

// Resets sends a reset command to every configured motor.
func (m *Motors) Resets() error {
	for _, id := range m.motorIDs() {
		if _, err := m.reset(id); err != nil {
			return err
		}
	}
	return nil
}

func (m *Motors) start(id uint8) (canframe.Frame, error) {
	pack := canframe.Frame{ExID: canframe.ExtendedID{ID: id, Data: uint16(canframe.IDDebugUI), Mode: canframe.MotorIn}, Len: 8}
	return m.sendCommand(pack, true)
}

// Starts sends a start command to every configured motor.
func (m *Motors) Starts() error {
	for _, id := range m.motorIDs() {
		if _, err := m.start(id); err != nil {
			return err
		}
	}
	return nil
}

func (m *Motors) motorControl(id uint8, params ControlParams) (Feedback, error) {
	if _, err := m.setRunMode(canframe.MitMode); err != nil {
		return Feedback{}, err
	}

	cfg, ok := m.configs[id]
	if !ok {
		return Feedback{}, fmt.Errorf("%w: motor id %d", ErrNotFound, id)
	}

	posInt := canframe.LinearScale{Min: cfg.PMin, Max: cfg.PMax}.Encode(params.Position)
	velInt := canframe.LinearScale{Min: cfg.VMin, Max: cfg.VMax}.Encode(params.Velocity)
	kpInt := canframe.LinearScale{Min: cfg.KpMin, Max: cfg.KpMax}.Encode(params.Kp)
	kdInt := canframe.LinearScale{Min: cfg.KdMin, Max: cfg.KdMax}.Encode(params.Kd)
	torqueInt := canframe.LinearScale{Min: cfg.TMin, Max: cfg.TMax}.Encode(params.Torque)

	payload := canframe.MITPayload{Pos: posInt, Vel: velInt, Kp: kpInt, Kd: kdInt}.Marshal()
	pack := canframe.Frame{
		ExID: canframe.ExtendedID{ID: id, Data: torqueInt, Mode: canframe.MotorCtrl},
		Len:  8,
		Data: payload,
	}

	reply, err := m.sendCommand(pack, false)
	if err != nil {
		return Feedback{}, err
	}
	return m.unpackFeedback(reply)
}

// MotorControl sends one motor's PD setpoint and returns its feedback.
func (m *Motors) MotorControl(id uint8, params ControlParams) (Feedback, error) {
	return m.motorControl(id, params)
}

// MotorControls sends PD setpoints for every entry in paramsMap. Unlike the
// reference driver, which aborts the whole batch on the first failing
// motor, it collects whatever feedback succeeds and reports failures
// per-id, so a caller (in particular Supervisor) can attribute failed
// commands to the motor that actually failed.
func (m *Motors) MotorControls(paramsMap map[uint8]ControlParams) (map[uint8]Feedback, map[uint8]error) {
	feedbacks := make(map[uint8]Feedback, len(paramsMap))
	failures := make(map[uint8]error)
	for id, params := range paramsMap {
		if _, ok := m.configs[id]; !ok {
			failures[id] = fmt.Errorf("%w: motor id %d", ErrInvalidInput, id)
			continue
		}
		fb, err := m.motorControl(id, params)
		if err != nil {
			failures[id] = err
			continue
		}
		feedbacks[id] = fb
		m.latestFeedback[id] = fb
	}
	return feedbacks, failures
}

func (m *Motors) unpackFeedback(pack canframe.Frame) (Feedback, error) {
	rf := canframe.UnpackRawFeedback(pack)
	cfg, ok := m.configs[rf.CanID]
	if !ok {
		return Feedback{}, fmt.Errorf("%w: motor id %d", ErrNotFound, rf.CanID)
	}
	return canframe.DecodeFeedback(rf, cfg), nil
}

// GetLatestFeedback returns a copy of the most recently decoded feedback
// for every motor that has replied at least once.
func (m *Motors) GetLatestFeedback() map[uint8]Feedback {
	out := make(map[uint8]Feedback, len(m.latestFeedback))
	for id, fb := range m.latestFeedback {
		out[id] = fb
	}
	return out
}

// GetLatestFeedbackFor returns the most recently decoded feedback for one
// motor id.
func (m *Motors) GetLatestFeedbackFor(id uint8) (Feedback, error) {
	fb, ok := m.latestFeedback[id]
	if !ok {
		return Feedback{}, fmt.Errorf("%w: motor id %d", ErrNotFound, id)
	}
	return fb, nil
}
