package meshcall

import (
	"context"
	"sync"

	"github.com/bt-bridge/meshcall/shared"
	"go.uber.org/zap"
)

type AdmissionPhase int

const (
	AdmissionConnecting AdmissionPhase = iota
	AdmissionWaiting
	AdmissionApproved
	AdmissionDenied
)

func (p AdmissionPhase) String() string {
	switch p {
	case AdmissionConnecting:
		return "connecting"
	case AdmissionWaiting:
		return "waiting"
	case AdmissionApproved:
		return "approved"
	case AdmissionDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further admission event can change the phase.
func (p AdmissionPhase) Terminal() bool {
	return p == AdmissionApproved || p == AdmissionDenied
}

// AdmissionState is a point-in-time copy of the machine.
type AdmissionState struct {
	Phase         AdmissionPhase
	IsHost        bool
	WaitingRoster []WaitingEntry
	Message       string
}

// Transition describes the effect of one handled event.
type Transition struct {
	From        AdmissionPhase
	To          AdmissionPhase
	HostChanged bool
	ChatHistory []ChatMessage
}

// Changed reports whether the event moved the phase.
func (t Transition) Changed() bool { return t.From != t.To }

// HostChannel carries host decisions to the server.
type HostChannel interface {
	ApproveParticipant(ctx context.Context, participantID string) error
	DenyParticipant(ctx context.Context, participantID string) error
	RemoveParticipant(ctx context.Context, participantID string) error
}

// Admission interprets admission-status, waiting-room-update and
// host-transferred events. The server is the only authority: host actions are
// forwarded, never applied locally.
type Admission struct {
	logger  shared.LoggerAdapter
	channel HostChannel

	mu    sync.RWMutex
	state AdmissionState
}

func NewAdmission(logger shared.LoggerAdapter, channel HostChannel) (*Admission, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if channel == nil {
		return nil, shared.ErrNoConfig
	}
	return &Admission{
		logger:  logger.With(zap.String("component", "admission")),
		channel: channel,
	}, nil
}

func (a *Admission) State() AdmissionState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st := a.state
	st.WaitingRoster = append([]WaitingEntry(nil), a.state.WaitingRoster...)
	return st
}

func (a *Admission) Phase() AdmissionPhase {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.Phase
}

func (a *Admission) IsHost() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.IsHost
}

// HandleStatus applies an admission-status event. Events arriving once the
// phase is terminal are ignored.
func (a *Admission) HandleStatus(p *ServerEventParamAdmissionStatus) Transition {
	a.mu.Lock()
	defer a.mu.Unlock()
	tr := Transition{From: a.state.Phase, To: a.state.Phase}
	if a.state.Phase.Terminal() {
		a.logger.Warn(
			"admission status after terminal phase ignored",
			zap.String("phase", a.state.Phase.String()),
			zap.String("status", string(p.Status)),
		)
		return tr
	}
	switch p.Status {
	case AdmissionStatusWaiting:
		a.state.Phase = AdmissionWaiting
		a.state.Message = p.Message
	case AdmissionStatusApproved:
		a.state.Phase = AdmissionApproved
		tr.HostChanged = a.state.IsHost != p.IsHost
		a.state.IsHost = p.IsHost
		a.state.Message = p.Message
		tr.ChatHistory = append([]ChatMessage(nil), p.ChatHistory...)
	case AdmissionStatusDenied:
		a.state.Phase = AdmissionDenied
		a.state.IsHost = false
		a.state.WaitingRoster = nil
		a.state.Message = p.Message
	}
	tr.To = a.state.Phase
	a.logger.Info(
		"admission transition",
		zap.String("from", tr.From.String()),
		zap.String("to", tr.To.String()),
		zap.Bool("is_host", a.state.IsHost),
	)
	return tr
}

// HandleWaitingRoom replaces the host's approval queue. It reports false when
// the update was dropped because this participant is not an approved host.
func (a *Admission) HandleWaitingRoom(p *ServerEventParamWaitingRoomUpdate) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.Phase != AdmissionApproved || !a.state.IsHost {
		a.logger.Debug("waiting room update ignored", zap.Bool("is_host", a.state.IsHost))
		return false
	}
	a.state.WaitingRoster = append([]WaitingEntry(nil), p.WaitingRoster...)
	return true
}

// HandleHostTransferred flips the host flag without touching the phase.
func (a *Admission) HandleHostTransferred(p *ServerEventParamHostTransferred) Transition {
	a.mu.Lock()
	defer a.mu.Unlock()
	tr := Transition{From: a.state.Phase, To: a.state.Phase}
	if a.state.Phase == AdmissionDenied {
		return tr
	}
	tr.HostChanged = a.state.IsHost != p.IsHost
	a.state.IsHost = p.IsHost
	if !p.IsHost {
		a.state.WaitingRoster = nil
	}
	a.state.Message = p.Message
	a.logger.Info("host flag changed", zap.Bool("is_host", p.IsHost))
	return tr
}

func (a *Admission) Approve(ctx context.Context, participantID string) error {
	if err := a.requireHost(); err != nil {
		return err
	}
	return a.channel.ApproveParticipant(ctx, participantID)
}

func (a *Admission) Deny(ctx context.Context, participantID string) error {
	if err := a.requireHost(); err != nil {
		return err
	}
	return a.channel.DenyParticipant(ctx, participantID)
}

func (a *Admission) Remove(ctx context.Context, participantID string) error {
	if err := a.requireHost(); err != nil {
		return err
	}
	return a.channel.RemoveParticipant(ctx, participantID)
}

// requireHost reads the current state so a host transfer takes effect on the
// very next action.
func (a *Admission) requireHost() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.state.Phase != AdmissionApproved || !a.state.IsHost {
		return shared.ErrNotHost
	}
	return nil
}
