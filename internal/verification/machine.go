package verification

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"attendguard/internal/attendance"
	"attendguard/internal/codes"
	"attendguard/internal/fingerprint"
	"attendguard/internal/location"
	"attendguard/internal/spoof"
)

// Step identifies one gate in the verification sequence.
type Step int

const (
	StepCode Step = iota
	StepNetwork
	StepLocation
	StepDevice
	StepTime
	stepCount
)

func (s Step) String() string {
	switch s {
	case StepCode:
		return "code"
	case StepNetwork:
		return "network"
	case StepLocation:
		return "location"
	case StepDevice:
		return "device"
	case StepTime:
		return "time"
	}
	return "unknown"
}

// Status is the lifecycle of a single step.
type Status string

const (
	StatusPending   Status = "pending"
	StatusVerifying Status = "verifying"
	StatusVerified  Status = "verified"
	StatusFailed    Status = "failed"
)

// StepState is the externally visible state of one step.
type StepState struct {
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Phase is the overall display state driven by the machine.
type Phase string

const (
	PhaseSteps            Phase = "steps"
	PhaseForm             Phase = "form"
	PhaseAlreadySubmitted Phase = "already_submitted"
)

// ErrStepNotEligible is returned when a step runs before its predecessors
// verified.
var ErrStepNotEligible = errors.New("preceding steps not verified")

// ErrStepInFlight is returned when a step is re-triggered while verifying.
var ErrStepInFlight = errors.New("step verification already in flight")

// SessionLookup resolves codes to active, unexpired sessions.
type SessionLookup interface {
	FindActiveSessionByCode(ctx context.Context, code string) (attendance.Session, error)
}

// DuplicateLookup answers the pre-submission duplicate check.
type DuplicateLookup interface {
	FindAttendanceByDevice(ctx context.Context, sessionID, fingerprint string) (*attendance.Record, error)
}

// Config wires the machine's collaborators.
type Config struct {
	Sessions     SessionLookup
	Records      DuplicateLookup
	Fingerprints *fingerprint.Engine
	// SampleTimeout bounds each geolocation reading; zero uses the default.
	SampleTimeout time.Duration
	// SettleDelay is the pause between all steps verifying and the form
	// becoming visible.
	SettleDelay time.Duration
	Clock       func() time.Time
	Log         *zap.Logger
}

// Machine sequences the Code, Network, Location, Device and Time checks for a
// single verification flow. A step only becomes eligible once all preceding
// steps are verified; the Time step is independent and re-evaluated
// continuously. The already-submitted check short-circuits into a terminal
// display state.
type Machine struct {
	cfg Config

	// mu serializes step transitions against the Time step's poller-driven
	// re-evaluation.
	mu sync.Mutex

	steps       [stepCount]StepState
	session     *attendance.Session
	fingerprint string
	locOutcome  location.Outcome
	already     bool
	readyAt     *time.Time
}

// NewMachine creates a machine with all steps pending.
func NewMachine(cfg Config) *Machine {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	m := &Machine{cfg: cfg}
	for i := range m.steps {
		m.steps[i] = StepState{Status: StatusPending}
	}
	return m
}

// StepStates returns a snapshot of all step states in order.
func (m *Machine) StepStates() map[string]StepState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]StepState, stepCount)
	for i := Step(0); i < stepCount; i++ {
		out[i.String()] = m.steps[i]
	}
	return out
}

// Session returns the resolved session after the Code step verified.
func (m *Machine) Session() *attendance.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Fingerprint returns the device fingerprint computed during the Device step.
func (m *Machine) Fingerprint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fingerprint
}

// LocationOutcome returns the detailed outcome of the Location step.
func (m *Machine) LocationOutcome() location.Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locOutcome
}

// eligible reports whether step may run: every preceding gated step must be
// verified. Time is exempt from gating.
func (m *Machine) eligible(step Step) bool {
	if step == StepTime {
		return true
	}
	for i := Step(0); i < step; i++ {
		if i == StepTime {
			continue
		}
		if m.steps[i].Status != StatusVerified {
			return false
		}
	}
	return true
}

// begin moves a step to verifying, enforcing gating and no-overlap.
func (m *Machine) begin(step Step) error {
	if m.already {
		return ErrStepNotEligible
	}
	if m.steps[step].Status == StatusVerifying {
		return ErrStepInFlight
	}
	if !m.eligible(step) {
		return ErrStepNotEligible
	}
	m.steps[step] = StepState{Status: StatusVerifying}
	return nil
}

func (m *Machine) resolve(step Step, status Status, reason string) StepState {
	m.steps[step] = StepState{Status: status, Reason: reason}
	if status != StatusVerified {
		m.readyAt = nil
		return m.steps[step]
	}
	if m.allVerified() && m.readyAt == nil {
		t := m.cfg.Clock().Add(m.cfg.SettleDelay)
		m.readyAt = &t
	}
	return m.steps[step]
}

func (m *Machine) allVerified() bool {
	for i := Step(0); i < stepCount; i++ {
		if m.steps[i].Status != StatusVerified {
			return false
		}
	}
	return true
}

// VerifyCode resolves the session code. Malformed codes fail locally without
// a lookup. A verified code also triggers the first Time evaluation, since
// the session's window is only known from here on.
func (m *Machine) VerifyCode(ctx context.Context, code string) (StepState, error) {
	m.mu.Lock()
	if err := m.begin(StepCode); err != nil {
		defer m.mu.Unlock()
		return m.steps[StepCode], err
	}
	if !codes.Valid(code) {
		defer m.mu.Unlock()
		return m.resolve(StepCode, StatusFailed, "Session code must be 8 characters from the code alphabet"), nil
	}
	m.mu.Unlock()

	sess, err := m.cfg.Sessions.FindActiveSessionByCode(ctx, code)

	m.mu.Lock()
	defer m.mu.Unlock()
	if errors.Is(err, attendance.ErrSessionNotFound) {
		return m.resolve(StepCode, StatusFailed, "Invalid or expired session code"), nil
	}
	if err != nil {
		m.cfg.Log.Error("session lookup failed", zap.Error(err))
		return m.resolve(StepCode, StatusFailed, "Verification failed, please retry"), nil
	}
	m.session = &sess
	state := m.resolve(StepCode, StatusVerified, "")
	m.evaluateTimeLocked(m.cfg.Clock())
	return state, nil
}

// VerifyNetwork compares the submitted network token against the session's
// token in constant time.
func (m *Machine) VerifyNetwork(_ context.Context, token string) (StepState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(StepNetwork); err != nil {
		return m.steps[StepNetwork], err
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(m.session.NetworkToken)) != 1 {
		return m.resolve(StepNetwork, StatusFailed, "Invalid network token"), nil
	}
	return m.resolve(StepNetwork, StatusVerified, ""), nil
}

// VerifyLocation runs the location pipeline over the client's integrity
// report and sample provider. A spoofing detection fails the step with its
// reasons; quality warnings alone do not.
func (m *Machine) VerifyLocation(ctx context.Context, report spoof.IntegrityReport, provider spoof.Provider) (StepState, error) {
	m.mu.Lock()
	if err := m.begin(StepLocation); err != nil {
		defer m.mu.Unlock()
		return m.steps[StepLocation], err
	}
	var fence *location.Geofence
	if m.session.Latitude != nil && m.session.Longitude != nil && m.session.RadiusMeters != nil {
		fence = &location.Geofence{
			Latitude:     *m.session.Latitude,
			Longitude:    *m.session.Longitude,
			RadiusMeters: *m.session.RadiusMeters,
		}
	}
	m.mu.Unlock()

	verifier := location.NewVerifier(spoof.NewSampler(provider, m.cfg.SampleTimeout), fence, m.cfg.Log)
	out := verifier.Verify(ctx, report)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.locOutcome = out

	switch out.State {
	case location.StateVerified:
		return m.resolve(StepLocation, StatusVerified, ""), nil
	case location.StateSpoofed:
		reason := out.Message
		if len(out.Reasons) > 0 {
			reason = fmt.Sprintf("%s: %s", out.Message, out.Reasons[0])
		}
		return m.resolve(StepLocation, StatusFailed, reason), nil
	default:
		return m.resolve(StepLocation, StatusFailed, out.Message), nil
	}
}

// VerifyDevice checks fingerprint consistency, then cross-references the
// fingerprint against existing records for the session. A prior submission
// short-circuits the whole flow into the already-submitted display state.
func (m *Machine) VerifyDevice(ctx context.Context, deviceKey string, signals fingerprint.SignalSet) (StepState, error) {
	m.mu.Lock()
	if err := m.begin(StepDevice); err != nil {
		defer m.mu.Unlock()
		return m.steps[StepDevice], err
	}
	sessionID := m.session.ID
	m.mu.Unlock()

	consistency, err := m.cfg.Fingerprints.VerifyConsistency(ctx, deviceKey, signals)
	if err != nil {
		m.cfg.Log.Error("fingerprint consistency check failed", zap.Error(err))
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.resolve(StepDevice, StatusFailed, "Device verification failed, please retry"), nil
	}
	if !consistency.IsConsistent {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.resolve(StepDevice, StatusFailed, "Device fingerprint does not match this device's baseline"), nil
	}

	existing, lookupErr := m.cfg.Records.FindAttendanceByDevice(ctx, sessionID, consistency.Current)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.fingerprint = consistency.Current
	if lookupErr != nil {
		m.cfg.Log.Error("duplicate check failed", zap.Error(lookupErr))
		return m.resolve(StepDevice, StatusFailed, "Device verification failed, please retry"), nil
	}
	if existing != nil {
		m.already = true
		return m.resolve(StepDevice, StatusFailed, "Attendance already recorded from this device"), nil
	}
	return m.resolve(StepDevice, StatusVerified, ""), nil
}

// EvaluateTime re-evaluates the Time step for the given instant. It is not
// gated and is safe to call repeatedly, including from a poller. Without a
// resolved session it stays pending; without window bounds it is trivially
// verified.
func (m *Machine) EvaluateTime(now time.Time) StepState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evaluateTimeLocked(now)
}

func (m *Machine) evaluateTimeLocked(now time.Time) StepState {
	if m.session == nil {
		return m.steps[StepTime]
	}
	start, end := attendance.SessionWindow(*m.session)
	if start != nil && now.Before(*start) {
		return m.resolve(StepTime, StatusFailed, "Session has not started yet")
	}
	if end != nil && !now.Before(*end) {
		return m.resolve(StepTime, StatusFailed, "Session has ended")
	}
	if end != nil {
		remaining := int(end.Sub(now).Minutes())
		return m.resolve(StepTime, StatusVerified, fmt.Sprintf("%d minutes remaining", remaining))
	}
	return m.resolve(StepTime, StatusVerified, "")
}

// AlreadySubmitted reports whether the flow short-circuited on a prior
// submission from this device.
func (m *Machine) AlreadySubmitted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.already
}

// Ready reports whether every step is verified.
func (m *Machine) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readyLocked()
}

func (m *Machine) readyLocked() bool {
	return !m.already && m.allVerified()
}

// Phase derives the display state: the step list, the submission form after
// the settle delay, or the terminal already-submitted screen.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.already {
		return PhaseAlreadySubmitted
	}
	if m.readyLocked() && m.readyAt != nil && !m.cfg.Clock().Before(*m.readyAt) {
		return PhaseForm
	}
	return PhaseSteps
}

// Payload assembles the submission record once the machine is ready.
func (m *Machine) Payload(studentName, studentID, branch, division, batch, room string) (attendance.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.readyLocked() {
		return attendance.Record{}, errors.New("verification incomplete")
	}
	rec := attendance.Record{
		SessionID:         m.session.ID,
		StudentName:       studentName,
		StudentID:         studentID,
		Branch:            branch,
		Division:          division,
		Batch:             batch,
		Room:              room,
		DeviceFingerprint: m.fingerprint,
	}
	if m.locOutcome.State == location.StateVerified && (m.locOutcome.Latitude != 0 || m.locOutcome.Longitude != 0) {
		lat, lon := m.locOutcome.Latitude, m.locOutcome.Longitude
		rec.Latitude = &lat
		rec.Longitude = &lon
	}
	return rec, nil
}
