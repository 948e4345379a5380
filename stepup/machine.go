// Package stepup drives the account deletion flow: the password is
// confirmed first, then a second factor when the account has one, then a
// short countdown before the client is sent back to the login page.
package stepup

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/awnumar/memguard"
	"golang.org/x/text/unicode/norm"

	"github.com/pwndepot/ctfgate/apierr"
	"github.com/pwndepot/ctfgate/nav"
	"github.com/pwndepot/ctfgate/session"
	"github.com/pwndepot/ctfgate/storage"
)

const (
	DeletePath     = "/users/me/delete"
	DeletedLanding = "/login?reason=account_deleted"

	MinPasswordLen      = 12
	CodeLen             = 6
	CountdownDuration   = 5 * time.Second
	DefaultTickInterval = 250 * time.Millisecond

	invalidateTimeout = 10 * time.Second
)

// Messages shown to the user after a failed submission.
const (
	MsgInvalidPassword  = "Invalid password."
	MsgEnterMFA         = "Enter your MFA code to continue."
	MsgMFAMisconfigured = "MFA is enabled but misconfigured."
	MsgForbidden        = "This action is not allowed in the current session."
	MsgRateLimited      = "Too many attempts. Please wait and try again."
	MsgVerifyFailed     = "Password verification failed."
	MsgInvalidMFA       = "Invalid MFA code."
	MsgMFACodeRequired  = "MFA code is required."
	MsgDeleteFailed     = "Account deletion failed."
)

var (
	ErrRecoverySession  = errors.New("account deletion is blocked during a recovery session")
	ErrInert            = errors.New("account deletion already completed")
	ErrBusy             = errors.New("a submission is already in progress")
	ErrCredentialLocked = errors.New("password is locked once the second factor is requested")
	ErrNoSecondFactor   = errors.New("second factor has not been requested")
	ErrPasswordTooShort = errors.New("password must be at least 12 characters")
	ErrInvalidCode      = errors.New("MFA code must be exactly 6 digits")
	ErrRunning          = errors.New("countdown already running")
	ErrClosed           = errors.New("machine is closed")
)

// API is the part of the gateway the machine calls.
type API interface {
	Post(ctx context.Context, path string, body, out any) error
}

// View is a point-in-time rendering of the machine.
type View struct {
	Stage          Stage
	Status         Status
	Message        string
	MFACode        string
	HasPassword    bool
	PasswordLocked bool
	Inert          bool
	Recovery       bool
	CanSubmit      bool
	// Remaining is the countdown in whole seconds while Status is success.
	Remaining int
}

// Machine is the account deletion state machine. It is safe for concurrent
// use.
type Machine struct {
	api    API
	inv    session.Invalidator
	store  *session.Store
	nav    nav.Navigator
	tabs   *storage.TabStore
	logger *slog.Logger
	now    func() time.Time
	tick   time.Duration

	mu        sync.Mutex
	stage     Stage
	status    Status
	message   string
	cred      *memguard.Enclave
	mfaCode   string
	deadline  time.Time
	remaining int
	done      bool
	stopTick  context.CancelFunc
	closed    bool
}

// Option configures a Machine.
type Option func(*Machine)

// WithTabStore persists the flow and hydrates it on construction.
func WithTabStore(tabs *storage.TabStore) Option {
	return func(m *Machine) { m.tabs = tabs }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) { m.logger = logger }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithTickInterval sets the countdown tick used by Run.
func WithTickInterval(d time.Duration) Option {
	return func(m *Machine) { m.tick = d }
}

// New creates a Machine and resumes any persisted flow. The API, the
// invalidator, the session store and the navigator are required.
func New(api API, inv session.Invalidator, store *session.Store, navigator nav.Navigator, opts ...Option) (*Machine, error) {
	switch {
	case api == nil:
		return nil, errors.New("account deletion requires an API")
	case inv == nil:
		return nil, errors.New("account deletion requires an invalidator")
	case store == nil:
		return nil, errors.New("account deletion requires a session store")
	case navigator == nil:
		return nil, errors.New("account deletion requires a navigator")
	}
	m := &Machine{
		api:    api,
		inv:    inv,
		store:  store,
		nav:    navigator,
		now:    time.Now,
		tick:   DefaultTickInterval,
		stage:  StagePassword,
		status: StatusIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	m.logger = m.logger.With("component", "stepup")
	m.hydrate()
	return m, nil
}

func (m *Machine) hydrate() {
	if m.tabs == nil {
		return
	}
	snap, ok, err := LoadSnapshot(m.tabs)
	if err != nil {
		m.logger.Warn("resuming account deletion failed", "error", err)
		return
	}
	if !ok {
		return
	}
	if snap.Stage == StageMFA {
		m.stage = StageMFA
		m.cred = seal(snap.Password)
		m.mfaCode = digits(snap.MFACode)
	}
	if dl, ok := snap.Deadline(); ok && snap.Status == StatusSuccess {
		m.status = StatusSuccess
		m.deadline = dl
		m.remaining = ceilSeconds(dl.Sub(m.now()))
	}
	m.logger.Debug("resumed account deletion", "stage", m.stage, "status", m.status)
}

// SetPassword replaces the password input. It is rejected once the second
// factor has been requested.
func (m *Machine) SetPassword(password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.status == StatusSuccess:
		return ErrInert
	case m.stage == StageMFA:
		return ErrCredentialLocked
	case m.status != StatusIdle:
		return ErrBusy
	}
	m.cred = seal(password)
	return nil
}

// SetMFACode replaces the second-factor input. Non-digits are dropped and
// the value is cut to six digits.
func (m *Machine) SetMFACode(code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.status == StatusSuccess:
		return ErrInert
	case m.stage != StageMFA:
		return ErrNoSecondFactor
	case m.status != StatusIdle:
		return ErrBusy
	}
	m.mfaCode = digits(code)
	m.persistLocked()
	return nil
}

// Submit sends the current stage's confirmation. Handled outcomes are
// reflected in View; the call error is returned so callers can inspect it.
// The password-accepted transition to the mfa stage returns nil.
func (m *Machine) Submit(ctx context.Context) error {
	m.mu.Lock()
	if err := m.submittableLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	stage := m.stage
	password := strings.TrimSpace(m.credentialLocked())
	body := map[string]string{"password": password}
	if stage == StagePassword {
		if !passwordOK(password) {
			m.mu.Unlock()
			return ErrPasswordTooShort
		}
		m.status = StatusVerifying
	} else {
		if len(m.mfaCode) != CodeLen {
			m.mu.Unlock()
			return ErrInvalidCode
		}
		body["mfa_code"] = m.mfaCode
		m.status = StatusDeleting
	}
	m.message = ""
	m.mu.Unlock()

	err := m.api.Post(ctx, DeletePath, body, nil)
	switch {
	case err == nil:
		m.succeed(ctx)
		return nil
	case stage == StagePassword:
		return m.passwordFailed(err)
	default:
		return m.deleteFailed(err)
	}
}

func (m *Machine) submittableLocked() error {
	switch {
	case m.closed:
		return ErrClosed
	case m.status == StatusSuccess:
		return ErrInert
	case m.store.User().InRecovery():
		return ErrRecoverySession
	case m.status != StatusIdle:
		return ErrBusy
	}
	return nil
}

func (m *Machine) passwordFailed(err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = StatusIdle
	switch {
	case apierr.IsValidation(err, apierr.CodeInvalidPassword):
		m.message = MsgInvalidPassword
	case apierr.IsValidation(err, apierr.CodeMFARequired, apierr.CodeInvalidMFA, apierr.CodeMFAMisconfigured):
		m.stage = StageMFA
		m.mfaCode = ""
		m.persistLocked()
		m.message = MsgEnterMFA
		if apierr.CodeOf(err) == apierr.CodeMFAMisconfigured {
			m.message = MsgMFAMisconfigured
		}
		m.logger.Info("password confirmed, second factor requested")
		return nil
	case apierr.KindOf(err) == apierr.Forbidden:
		m.message = MsgForbidden
	case apierr.KindOf(err) == apierr.RateLimited:
		m.message = MsgRateLimited
	default:
		m.message = serverMessage(err, MsgVerifyFailed)
	}
	return err
}

func (m *Machine) deleteFailed(err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = StatusIdle
	switch {
	case apierr.IsValidation(err, apierr.CodeInvalidMFA):
		m.message = MsgInvalidMFA
	case apierr.IsValidation(err, apierr.CodeMFARequired):
		m.message = MsgMFACodeRequired
	case apierr.KindOf(err) == apierr.RateLimited:
		m.message = MsgRateLimited
	default:
		m.message = serverMessage(err, MsgDeleteFailed)
	}
	return err
}

func (m *Machine) succeed(ctx context.Context) {
	m.invalidate(ctx)

	m.mu.Lock()
	m.status = StatusSuccess
	m.message = ""
	m.deadline = m.now().Add(CountdownDuration)
	m.remaining = ceilSeconds(CountdownDuration)
	m.done = false
	m.persistLocked()
	m.mu.Unlock()
	m.logger.Info("account deleted", "redirect_at", m.deadline)
}

func (m *Machine) invalidate(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), invalidateTimeout)
	defer cancel()
	m.inv.Invalidate(ctx)
}

// Tick re-evaluates the countdown and returns the remaining whole seconds.
// When the deadline has passed it runs the terminal step exactly once:
// the countdown is stopped first, then the session is invalidated and
// cleared, the snapshot discarded and the client sent to the login page.
// Outside the success status it does nothing and returns 0.
func (m *Machine) Tick() int {
	m.mu.Lock()
	if m.status != StatusSuccess || m.deadline.IsZero() {
		m.mu.Unlock()
		return 0
	}
	left := ceilSeconds(m.deadline.Sub(m.now()))
	m.remaining = left
	if left > 0 || m.done {
		m.mu.Unlock()
		return left
	}
	m.done = true
	stop := m.stopTick
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	m.finish()
	return 0
}

func (m *Machine) finish() {
	m.invalidate(context.Background())
	m.store.Clear()
	if m.tabs != nil {
		if err := DiscardSnapshot(m.tabs); err != nil {
			m.logger.Warn("discarding account deletion snapshot failed", "error", err)
		}
	}
	m.nav.Navigate(DeletedLanding)
	m.logger.Info("account deletion finished", "landing", DeletedLanding)
}

// Finished reports whether the terminal step has run.
func (m *Machine) Finished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Run ticks the countdown until the terminal step has run, returning nil,
// or until ctx ends.
func (m *Machine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return ErrClosed
	case m.stopTick != nil:
		m.mu.Unlock()
		return ErrRunning
	}
	m.stopTick = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.stopTick = nil
		m.mu.Unlock()
	}()

	t := time.NewTicker(m.tick)
	defer t.Stop()
	m.Tick()
	for {
		select {
		case <-ctx.Done():
			if m.Finished() {
				return nil
			}
			return ctx.Err()
		case <-t.C:
			m.Tick()
		}
	}
}

// Cancel backs out of the flow and discards the snapshot. It is only
// allowed while idle and before success.
func (m *Machine) Cancel() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.status == StatusSuccess:
		return ErrInert
	case m.status != StatusIdle:
		return ErrBusy
	}
	m.stage = StagePassword
	m.cred = nil
	m.mfaCode = ""
	m.message = ""
	if m.tabs != nil {
		if err := DiscardSnapshot(m.tabs); err != nil {
			return err
		}
	}
	return nil
}

// View returns the current rendering.
func (m *Machine) View() View {
	recovery := m.store.User().InRecovery()

	m.mu.Lock()
	defer m.mu.Unlock()
	v := View{
		Stage:          m.stage,
		Status:         m.status,
		Message:        m.message,
		MFACode:        m.mfaCode,
		HasPassword:    m.cred != nil,
		PasswordLocked: m.stage == StageMFA,
		Inert:          m.status == StatusSuccess,
		Recovery:       recovery,
		Remaining:      m.remaining,
	}
	if !recovery && m.status == StatusIdle {
		switch m.stage {
		case StagePassword:
			v.CanSubmit = passwordOK(m.credentialLocked())
		case StageMFA:
			v.CanSubmit = len(m.mfaCode) == CodeLen
		}
	}
	return v
}

// Close stops the countdown and drops the credential. The snapshot is kept
// so a new machine resumes where this one stopped.
func (m *Machine) Close() {
	m.mu.Lock()
	m.closed = true
	m.cred = nil
	stop := m.stopTick
	m.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// persistLocked writes the snapshot once the flow has something worth
// resuming: the mfa stage or a success countdown.
func (m *Machine) persistLocked() {
	if m.tabs == nil || (m.stage != StageMFA && m.status != StatusSuccess) {
		return
	}
	snap := Snapshot{Stage: m.stage, Password: m.credentialLocked(), MFACode: m.mfaCode}
	if m.status == StatusSuccess && !m.deadline.IsZero() {
		ms := m.deadline.UnixMilli()
		snap.Status = StatusSuccess
		snap.DeadlineMs = &ms
		snap.Password = ""
	}
	if err := SaveSnapshot(m.tabs, snap); err != nil {
		m.logger.Warn("persisting account deletion failed", "error", err)
	}
}

func (m *Machine) credentialLocked() string {
	if m.cred == nil {
		return ""
	}
	buf, err := m.cred.Open()
	if err != nil {
		m.logger.Warn("opening credential enclave failed", "error", err)
		return ""
	}
	defer buf.Destroy()
	return string(buf.Bytes())
}

func seal(password string) *memguard.Enclave {
	if password == "" {
		return nil
	}
	return memguard.NewEnclave([]byte(password))
}

func passwordOK(password string) bool {
	return utf8.RuneCountInString(norm.NFC.String(strings.TrimSpace(password))) >= MinPasswordLen
}

func digits(s string) string {
	out := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(out) > CodeLen {
		out = out[:CodeLen]
	}
	return out
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

func serverMessage(err error, fallback string) string {
	var e *apierr.Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return fallback
}
