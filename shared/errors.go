package shared

import (
	"errors"
	"fmt"
)

var (
	ErrNoLogger              = errors.New("no logger provided")
	ErrNoConfig              = errors.New("no config provided")
	ErrNoDisplayName         = errors.New("no display name provided")
	ErrNoRoomID              = errors.New("no room id provided")
	ErrSessionAlreadyRunning = errors.New("session already running")
	ErrSessionClosed         = errors.New("session closed")
	ErrSessionNotWanted      = errors.New("session no longer wanted")
	ErrNotEstablished        = errors.New("session not established")
	ErrNotHost               = errors.New("not the room host")
	ErrNoLocalStream         = errors.New("no local stream")
	ErrVideoUnavailable      = errors.New("video capture unavailable")
	ErrTransportNotOpen      = errors.New("call transport not open")
	ErrTransportClosed       = errors.New("call transport closed")
	ErrSignalingConnect      = errors.New("signaling connect failed")
	ErrSignalingTimeout      = errors.New("signaling connect timeout")
	ErrSignalingNotOpen      = errors.New("signaling channel not open")
	ErrSignalingDisconnected = errors.New("signaling disconnected")
	ErrSignalingClosed       = errors.New("signaling channel closed")
	ErrAdmissionTimeout      = errors.New("no admission status received")
	ErrAdmissionDenied       = errors.New("admission denied")
	ErrRemoved               = errors.New("removed from room")
	ErrCallTimeout           = errors.New("call did not open in time")
	ErrCallRejected          = errors.New("call rejected")
	ErrCallHungUp            = errors.New("call closed by peer")
	ErrCallExists            = errors.New("call already exists for peer")
)

type MediaErrorKind int

const (
	MediaErrorUnknown MediaErrorKind = iota
	MediaErrorPermissionDenied
	MediaErrorDeviceNotFound
	MediaErrorDeviceBusy
)

func (k MediaErrorKind) String() string {
	switch k {
	case MediaErrorPermissionDenied:
		return "permission denied"
	case MediaErrorDeviceNotFound:
		return "device not found"
	case MediaErrorDeviceBusy:
		return "device busy"
	default:
		return "unknown"
	}
}

// MediaAccessError is returned once capture retries and the audio-only
// fallback are exhausted.
type MediaAccessError struct {
	Kind MediaErrorKind
	Err  error
}

func (e *MediaAccessError) Error() string {
	if e.Err == nil {
		return "media access: " + e.Kind.String()
	}
	return fmt.Sprintf("media access: %s: %v", e.Kind, e.Err)
}

func (e *MediaAccessError) Unwrap() error { return e.Err }

// RoomError is a server reported failure that ends the session.
type RoomError struct {
	Message string
}

func (e *RoomError) Error() string {
	return "room error: " + e.Message
}

// CallError is scoped to a single peer and never aborts the session.
type CallError struct {
	PeerID string
	Err    error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("call with %s: %v", e.PeerID, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }
