package meshcall

type NotificationLevel int

const (
	NotificationInfo NotificationLevel = iota
	NotificationWarning
	NotificationError
)

func (l NotificationLevel) String() string {
	switch l {
	case NotificationInfo:
		return "info"
	case NotificationWarning:
		return "warning"
	case NotificationError:
		return "error"
	default:
		return "unknown"
	}
}

type Notification struct {
	Level   NotificationLevel
	Message string
	Err     error
}

// Observer receives everything the session relays upward. Calls come from
// library goroutines and must not block.
type Observer interface {
	AdmissionChanged(state AdmissionState)
	ParticipantUpdated(p RemoteParticipant)
	ParticipantRemoved(peerID string)
	ChatMessage(msg ChatMessage)
	Notify(n Notification)
	SessionEnded(err error)
}

// NopObserver can be embedded to implement only part of Observer.
type NopObserver struct{}

func (NopObserver) AdmissionChanged(AdmissionState)     {}
func (NopObserver) ParticipantUpdated(RemoteParticipant) {}
func (NopObserver) ParticipantRemoved(string)           {}
func (NopObserver) ChatMessage(ChatMessage)             {}
func (NopObserver) Notify(Notification)                 {}
func (NopObserver) SessionEnded(error)                  {}
