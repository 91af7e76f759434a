package meshcall

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/google/uuid"
)

type EventType string

type ServerEventType EventType

type ClientEventType EventType

// Server event types
const (
	ServerEventTypeAdmissionStatus   ServerEventType = "admission-status"
	ServerEventTypeWaitingRoomUpdate ServerEventType = "waiting-room-update"
	ServerEventTypeRoomParticipants  ServerEventType = "room-participants"
	ServerEventTypeUserJoined        ServerEventType = "user-joined"
	ServerEventTypeUserLeft          ServerEventType = "user-left"
	ServerEventTypeUserToggleAudio   ServerEventType = "user-toggle-audio"
	ServerEventTypeUserToggleVideo   ServerEventType = "user-toggle-video"
	ServerEventTypeYouWereRemoved    ServerEventType = "you-were-removed"
	ServerEventTypeUserRemoved       ServerEventType = "user-removed"
	ServerEventTypeHostTransferred   ServerEventType = "host-transferred"
	ServerEventTypeNewMessage        ServerEventType = "new-message"
	ServerEventTypeRoomError         ServerEventType = "room-error"
	ServerEventTypePing              ServerEventType = "ping"
	ServerEventTypeCallRegistered    ServerEventType = "call-registered"
	ServerEventTypeCallOffer         ServerEventType = "call-offer"
	ServerEventTypeCallAnswer        ServerEventType = "call-answer"
	ServerEventTypeCallReject        ServerEventType = "call-reject"
	ServerEventTypeCallHangup        ServerEventType = "call-hangup"
)

// Client event types
const (
	ClientEventTypeJoinRoom           ClientEventType = "join-room"
	ClientEventTypeLeaveRoom          ClientEventType = "leave-room"
	ClientEventTypeToggleAudio        ClientEventType = "toggle-audio"
	ClientEventTypeToggleVideo        ClientEventType = "toggle-video"
	ClientEventTypeSendMessage        ClientEventType = "send-message"
	ClientEventTypeApproveParticipant ClientEventType = "approve-participant"
	ClientEventTypeDenyParticipant    ClientEventType = "deny-participant"
	ClientEventTypeRemoveParticipant  ClientEventType = "remove-participant"
	ClientEventTypePong               ClientEventType = "pong"
	ClientEventTypeCallRegister       ClientEventType = "call-register"
	ClientEventTypeCallOffer          ClientEventType = "call-offer"
	ClientEventTypeCallAnswer         ClientEventType = "call-answer"
	ClientEventTypeCallReject         ClientEventType = "call-reject"
	ClientEventTypeCallHangup         ClientEventType = "call-hangup"
)

type Event interface {
	EventType() EventType
	IsServerEvent() bool
	IsClientEvent() bool
	MarshalYAML() ([]byte, error)
	MarshalJSON() ([]byte, error)
	UnmarshalJSON(data []byte) error
}

type EventParam interface {
	New(map[string]any) error
	Json() map[string]any
}

type ServerEvent struct {
	EventId string
	Type    ServerEventType
	Param   EventParam
}

var _ Event = (*ServerEvent)(nil)

func (e *ServerEvent) EventType() EventType {
	return EventType(e.Type)
}

func (e *ServerEvent) IsServerEvent() bool {
	return true
}

func (e *ServerEvent) IsClientEvent() bool {
	return false
}

func (e *ServerEvent) MarshalYAML() ([]byte, error) {
	resp, err := flatten(e.EventId, EventType(e.Type), e.Param, false)
	if err != nil {
		return nil, err
	}
	return yaml.MarshalWithOptions(resp, yaml.UseJSONMarshaler())
}

func (e *ServerEvent) MarshalJSON() ([]byte, error) {
	resp, err := flatten(e.EventId, EventType(e.Type), e.Param, false)
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(resp)
}

func (e *ServerEvent) UnmarshalJSON(data []byte) error {
	id, typ, raw, err := unflatten(data, false)
	if err != nil {
		return err
	}
	e.EventId = id
	e.Type = ServerEventType(typ)
	switch e.Type {
	case ServerEventTypeAdmissionStatus:
		e.Param = new(ServerEventParamAdmissionStatus)
	case ServerEventTypeWaitingRoomUpdate:
		e.Param = new(ServerEventParamWaitingRoomUpdate)
	case ServerEventTypeRoomParticipants:
		e.Param = new(ServerEventParamRoomParticipants)
	case ServerEventTypeUserJoined, ServerEventTypeUserLeft, ServerEventTypeUserRemoved:
		e.Param = new(ServerEventParamPeer)
	case ServerEventTypeUserToggleAudio, ServerEventTypeUserToggleVideo:
		e.Param = new(ServerEventParamUserToggle)
	case ServerEventTypeYouWereRemoved, ServerEventTypeRoomError:
		e.Param = new(ServerEventParamNotice)
	case ServerEventTypeHostTransferred:
		e.Param = new(ServerEventParamHostTransferred)
	case ServerEventTypeNewMessage:
		e.Param = new(ChatMessage)
	case ServerEventTypePing:
		e.Param = new(ServerEventParamPing)
	case ServerEventTypeCallRegistered:
		e.Param = new(EventParamCallRegister)
	case ServerEventTypeCallOffer, ServerEventTypeCallAnswer, ServerEventTypeCallReject, ServerEventTypeCallHangup:
		e.Param = new(EventParamCallSignal)
	default:
		return fmt.Errorf("unknown event type: %s", e.Type)
	}
	return e.Param.New(raw)
}

type ClientEvent struct {
	EventId string
	Type    ClientEventType
	Param   EventParam
}

var _ Event = (*ClientEvent)(nil)

// NewClientEvent stamps a fresh event id on param.
func NewClientEvent(typ ClientEventType, param EventParam) *ClientEvent {
	return &ClientEvent{
		EventId: uuid.NewString(),
		Type:    typ,
		Param:   param,
	}
}

func (e *ClientEvent) EventType() EventType {
	return EventType(e.Type)
}

func (e *ClientEvent) IsServerEvent() bool {
	return false
}

func (e *ClientEvent) IsClientEvent() bool {
	return true
}

func (e *ClientEvent) MarshalYAML() ([]byte, error) {
	resp, err := flatten(e.EventId, EventType(e.Type), e.Param, true)
	if err != nil {
		return nil, err
	}
	return yaml.MarshalWithOptions(resp, yaml.UseJSONMarshaler())
}

func (e *ClientEvent) MarshalJSON() ([]byte, error) {
	resp, err := flatten(e.EventId, EventType(e.Type), e.Param, true)
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(resp)
}

func (e *ClientEvent) UnmarshalJSON(data []byte) error {
	id, typ, raw, err := unflatten(data, true)
	if err != nil {
		return err
	}
	e.EventId = id
	e.Type = ClientEventType(typ)
	switch e.Type {
	case ClientEventTypeJoinRoom:
		e.Param = new(ClientEventParamJoinRoom)
	case ClientEventTypeLeaveRoom:
		e.Param = new(ClientEventParamLeaveRoom)
	case ClientEventTypeToggleAudio, ClientEventTypeToggleVideo:
		e.Param = new(ClientEventParamToggle)
	case ClientEventTypeSendMessage:
		e.Param = new(ClientEventParamSendMessage)
	case ClientEventTypeApproveParticipant, ClientEventTypeDenyParticipant, ClientEventTypeRemoveParticipant:
		e.Param = new(ClientEventParamParticipant)
	case ClientEventTypePong:
		e.Param = new(ServerEventParamPing)
	case ClientEventTypeCallRegister:
		e.Param = new(EventParamCallRegister)
	case ClientEventTypeCallOffer, ClientEventTypeCallAnswer, ClientEventTypeCallReject, ClientEventTypeCallHangup:
		e.Param = new(EventParamCallSignal)
	default:
		return fmt.Errorf("unknown event type: %s", e.Type)
	}
	return e.Param.New(raw)
}

func flatten(eventId string, typ EventType, param EventParam, requireID bool) (map[string]any, error) {
	if eventId == "" && requireID {
		return nil, errors.New("EventId is empty")
	}
	if typ == "" {
		return nil, errors.New("Type is empty")
	}
	if param == nil {
		return nil, errors.New("Param is nil")
	}
	resp := map[string]any{}
	for k, v := range param.Json() {
		resp[k] = v
	}
	if eventId != "" {
		resp["event_id"] = eventId
	}
	resp["type"] = typ
	return resp, nil
}

// unflatten splits a frame into its envelope and params. Server frames may
// omit event_id; it is only mandatory when requireID is set.
func unflatten(data []byte, requireID bool) (eventId string, typ string, raw map[string]any, err error) {
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return "", "", nil, err
	}
	if v, ok := raw["event_id"].(string); ok {
		eventId = v
	} else if requireID {
		return "", "", nil, errors.New("missing event_id")
	}
	delete(raw, "event_id")
	if v, ok := raw["type"].(string); ok {
		typ = v
		delete(raw, "type")
	} else {
		return "", "", nil, errors.New("missing type")
	}
	return eventId, typ, raw, nil
}

// Helpers for number conversions
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
	}
	return 0, false
}

func requireString(m map[string]any, key string) (string, error) {
	if v, ok := m[key].(string); ok && v != "" {
		return v, nil
	}
	return "", fmt.Errorf("missing %s", key)
}

func optionalString(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMillis(v any) time.Time {
	if ms, ok := asInt64(v); ok && ms > 0 {
		return time.UnixMilli(ms)
	}
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// AdmissionStatus is the server's verdict on a join request.
type AdmissionStatus string

const (
	AdmissionStatusWaiting  AdmissionStatus = "waiting"
	AdmissionStatusApproved AdmissionStatus = "approved"
	AdmissionStatusDenied   AdmissionStatus = "denied"
)

// admission-status
type ServerEventParamAdmissionStatus struct {
	Status      AdmissionStatus
	IsHost      bool
	ChatHistory []ChatMessage
	Message     string
}

func (p *ServerEventParamAdmissionStatus) New(m map[string]any) error {
	status, err := requireString(m, "status")
	if err != nil {
		return err
	}
	switch AdmissionStatus(status) {
	case AdmissionStatusWaiting, AdmissionStatusApproved, AdmissionStatusDenied:
		p.Status = AdmissionStatus(status)
	default:
		return fmt.Errorf("invalid status: %s", status)
	}
	p.IsHost, _ = m["isHost"].(bool)
	p.Message = optionalString(m, "message")
	p.ChatHistory = nil
	if history, ok := m["chatHistory"].([]any); ok {
		for _, h := range history {
			hm, ok := h.(map[string]any)
			if !ok {
				return errors.New("invalid element in chatHistory")
			}
			var msg ChatMessage
			if err := msg.New(hm); err != nil {
				return fmt.Errorf("chatHistory: %w", err)
			}
			p.ChatHistory = append(p.ChatHistory, msg)
		}
	}
	return nil
}

func (p *ServerEventParamAdmissionStatus) Json() map[string]any {
	history := make([]map[string]any, 0, len(p.ChatHistory))
	for i := range p.ChatHistory {
		history = append(history, p.ChatHistory[i].Json())
	}
	return map[string]any{
		"status":      string(p.Status),
		"isHost":      p.IsHost,
		"chatHistory": history,
		"message":     p.Message,
	}
}

// WaitingEntry is one participant queued for host approval.
type WaitingEntry struct {
	ID          string
	Name        string
	RequestedAt time.Time
}

// waiting-room-update
type ServerEventParamWaitingRoomUpdate struct {
	WaitingRoster []WaitingEntry
}

func (p *ServerEventParamWaitingRoomUpdate) New(m map[string]any) error {
	v, ok := m["waitingRoster"]
	if !ok {
		return errors.New("missing waitingRoster")
	}
	rr, ok := v.([]any)
	if !ok && v != nil {
		return errors.New("invalid waitingRoster")
	}
	p.WaitingRoster = make([]WaitingEntry, 0, len(rr))
	for _, r := range rr {
		rm, ok := r.(map[string]any)
		if !ok {
			return errors.New("invalid element in waitingRoster")
		}
		id, err := requireString(rm, "id")
		if err != nil {
			return fmt.Errorf("waitingRoster: %w", err)
		}
		p.WaitingRoster = append(p.WaitingRoster, WaitingEntry{
			ID:          id,
			Name:        optionalString(rm, "name"),
			RequestedAt: fromUnixMillis(rm["requestedAt"]),
		})
	}
	return nil
}

func (p *ServerEventParamWaitingRoomUpdate) Json() map[string]any {
	roster := make([]map[string]any, 0, len(p.WaitingRoster))
	for _, w := range p.WaitingRoster {
		roster = append(roster, map[string]any{
			"id":          w.ID,
			"name":        w.Name,
			"requestedAt": unixMillis(w.RequestedAt),
		})
	}
	return map[string]any{
		"waitingRoster": roster,
	}
}

// Participant is a roster entry keyed by call transport peer id.
type Participant struct {
	PeerID string
	Name   string
}

// room-participants
type ServerEventParamRoomParticipants struct {
	Participants map[string]Participant
}

func (p *ServerEventParamRoomParticipants) New(m map[string]any) error {
	v, ok := m["participants"]
	if !ok {
		return errors.New("missing participants")
	}
	p.Participants = make(map[string]Participant)
	if v == nil {
		return nil
	}
	pm, ok := v.(map[string]any)
	if !ok {
		return errors.New("invalid participants")
	}
	for key, raw := range pm {
		entry, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("invalid participant %s", key)
		}
		peerID := optionalString(entry, "peerId")
		if peerID == "" {
			peerID = key
		}
		p.Participants[peerID] = Participant{
			PeerID: peerID,
			Name:   optionalString(entry, "name"),
		}
	}
	return nil
}

func (p *ServerEventParamRoomParticipants) Json() map[string]any {
	participants := make(map[string]any, len(p.Participants))
	for id, part := range p.Participants {
		participants[id] = map[string]any{
			"peerId": part.PeerID,
			"name":   part.Name,
		}
	}
	return map[string]any{
		"participants": participants,
	}
}

// user-joined, user-left, user-removed
type ServerEventParamPeer struct {
	PeerID string
	Name   string
}

func (p *ServerEventParamPeer) New(m map[string]any) error {
	peerID, err := requireString(m, "peerId")
	if err != nil {
		return err
	}
	p.PeerID = peerID
	p.Name = optionalString(m, "name")
	return nil
}

func (p *ServerEventParamPeer) Json() map[string]any {
	return map[string]any{
		"peerId": p.PeerID,
		"name":   p.Name,
	}
}

// user-toggle-audio, user-toggle-video
type ServerEventParamUserToggle struct {
	PeerID  string
	Enabled bool
}

func (p *ServerEventParamUserToggle) New(m map[string]any) error {
	peerID, err := requireString(m, "peerId")
	if err != nil {
		return err
	}
	p.PeerID = peerID
	if v, ok := m["enabled"].(bool); ok {
		p.Enabled = v
	} else {
		return errors.New("missing enabled")
	}
	return nil
}

func (p *ServerEventParamUserToggle) Json() map[string]any {
	return map[string]any{
		"peerId":  p.PeerID,
		"enabled": p.Enabled,
	}
}

// you-were-removed, room-error
type ServerEventParamNotice struct {
	Message string
}

func (p *ServerEventParamNotice) New(m map[string]any) error {
	p.Message = optionalString(m, "message")
	return nil
}

func (p *ServerEventParamNotice) Json() map[string]any {
	return map[string]any{
		"message": p.Message,
	}
}

// host-transferred
type ServerEventParamHostTransferred struct {
	IsHost  bool
	Message string
}

func (p *ServerEventParamHostTransferred) New(m map[string]any) error {
	if v, ok := m["isHost"].(bool); ok {
		p.IsHost = v
	} else {
		return errors.New("missing isHost")
	}
	p.Message = optionalString(m, "message")
	return nil
}

func (p *ServerEventParamHostTransferred) Json() map[string]any {
	return map[string]any{
		"isHost":  p.IsHost,
		"message": p.Message,
	}
}

// ChatMessage is the payload of new-message and of chat history entries. The
// core relays it untouched; sanitising is the chat collaborator's job.
type ChatMessage struct {
	ID        string
	SenderID  string
	Sender    string
	Text      string
	Timestamp time.Time
}

func (p *ChatMessage) New(m map[string]any) error {
	text, ok := m["message"].(string)
	if !ok {
		if text, ok = m["text"].(string); !ok {
			return errors.New("missing message")
		}
	}
	p.Text = text
	p.ID = optionalString(m, "id")
	p.SenderID = optionalString(m, "senderId")
	p.Sender = optionalString(m, "sender")
	p.Timestamp = fromUnixMillis(m["timestamp"])
	return nil
}

func (p *ChatMessage) Json() map[string]any {
	return map[string]any{
		"id":        p.ID,
		"senderId":  p.SenderID,
		"sender":    p.Sender,
		"message":   p.Text,
		"timestamp": unixMillis(p.Timestamp),
	}
}

// ping, pong
type ServerEventParamPing struct {
	Timestamp int64
}

func (p *ServerEventParamPing) New(m map[string]any) error {
	p.Timestamp, _ = asInt64(m["timestamp"])
	return nil
}

func (p *ServerEventParamPing) Json() map[string]any {
	return map[string]any{
		"timestamp": p.Timestamp,
	}
}

// call-register, call-registered
type EventParamCallRegister struct {
	TransportID string
}

func (p *EventParamCallRegister) New(m map[string]any) error {
	id, err := requireString(m, "transportId")
	if err != nil {
		return err
	}
	p.TransportID = id
	return nil
}

func (p *EventParamCallRegister) Json() map[string]any {
	return map[string]any{
		"transportId": p.TransportID,
	}
}

// call-offer, call-answer, call-reject, call-hangup. The server relays these
// to To without interpreting them.
type EventParamCallSignal struct {
	CallID string
	From   string
	To     string
	SDP    string
	Name   string
	Reason string
}

func (p *EventParamCallSignal) New(m map[string]any) error {
	var err error
	if p.CallID, err = requireString(m, "callId"); err != nil {
		return err
	}
	if p.From, err = requireString(m, "from"); err != nil {
		return err
	}
	p.To = optionalString(m, "to")
	p.SDP = optionalString(m, "sdp")
	p.Name = optionalString(m, "name")
	p.Reason = optionalString(m, "reason")
	return nil
}

func (p *EventParamCallSignal) Json() map[string]any {
	out := map[string]any{
		"callId": p.CallID,
		"from":   p.From,
		"to":     p.To,
	}
	if p.SDP != "" {
		out["sdp"] = p.SDP
	}
	if p.Name != "" {
		out["name"] = p.Name
	}
	if p.Reason != "" {
		out["reason"] = p.Reason
	}
	return out
}

// join-room
type ClientEventParamJoinRoom struct {
	RoomID      string
	Name        string
	TransportID string
}

func (p *ClientEventParamJoinRoom) New(m map[string]any) error {
	var err error
	if p.RoomID, err = requireString(m, "roomId"); err != nil {
		return err
	}
	if p.Name, err = requireString(m, "name"); err != nil {
		return err
	}
	if p.TransportID, err = requireString(m, "transportId"); err != nil {
		return err
	}
	return nil
}

func (p *ClientEventParamJoinRoom) Json() map[string]any {
	return map[string]any{
		"roomId":      p.RoomID,
		"name":        p.Name,
		"transportId": p.TransportID,
	}
}

// leave-room
type ClientEventParamLeaveRoom struct {
	RoomID string
}

func (p *ClientEventParamLeaveRoom) New(m map[string]any) error {
	var err error
	p.RoomID, err = requireString(m, "roomId")
	return err
}

func (p *ClientEventParamLeaveRoom) Json() map[string]any {
	return map[string]any{
		"roomId": p.RoomID,
	}
}

// toggle-audio, toggle-video
type ClientEventParamToggle struct {
	RoomID      string
	TransportID string
	Enabled     bool
}

func (p *ClientEventParamToggle) New(m map[string]any) error {
	var err error
	if p.RoomID, err = requireString(m, "roomId"); err != nil {
		return err
	}
	p.TransportID = optionalString(m, "transportId")
	if v, ok := m["enabled"].(bool); ok {
		p.Enabled = v
	} else {
		return errors.New("missing enabled")
	}
	return nil
}

func (p *ClientEventParamToggle) Json() map[string]any {
	return map[string]any{
		"roomId":      p.RoomID,
		"transportId": p.TransportID,
		"enabled":     p.Enabled,
	}
}

// send-message
type ClientEventParamSendMessage struct {
	RoomID  string
	Sender  string
	Message string
}

func (p *ClientEventParamSendMessage) New(m map[string]any) error {
	var err error
	if p.RoomID, err = requireString(m, "roomId"); err != nil {
		return err
	}
	if p.Message, err = requireString(m, "message"); err != nil {
		return err
	}
	p.Sender = optionalString(m, "sender")
	return nil
}

func (p *ClientEventParamSendMessage) Json() map[string]any {
	return map[string]any{
		"roomId":  p.RoomID,
		"sender":  p.Sender,
		"message": p.Message,
	}
}

// approve-participant, deny-participant, remove-participant
type ClientEventParamParticipant struct {
	ParticipantID string
}

func (p *ClientEventParamParticipant) New(m map[string]any) error {
	var err error
	p.ParticipantID, err = requireString(m, "participantId")
	return err
}

func (p *ClientEventParamParticipant) Json() map[string]any {
	return map[string]any{
		"participantId": p.ParticipantID,
	}
}
