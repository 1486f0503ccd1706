package signal

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/domain"
)

// Type is the discriminant of a signaling message.
type Type string

const (
	TypeJoin         Type = "join"
	TypeLeave        Type = "leave"
	TypeUserJoined   Type = "user-joined"
	TypeUserLeft     Type = "user-left"
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice-candidate"
	TypeCallRequest  Type = "call-request"
	TypeRoomPresence Type = "room-presence"
)

var (
	// ErrUnknownType is returned by Decode for a type outside the closed set.
	ErrUnknownType = errors.New("signal: unknown message type")
	// ErrMalformed is returned by Decode when a frame is not valid JSON or
	// lacks the payload its type requires.
	ErrMalformed = errors.New("signal: malformed message")
)

// Message is one of the variants below. The set is closed: only this
// package can add implementations.
type Message interface {
	Type() Type
	isMessage()
}

// Join asks the relay to add the sender to a room.
type Join struct {
	RoomID string
}

// Leave asks the relay to remove the sender from a room.
type Leave struct {
	RoomID string
}

// UserJoined announces that UserID entered RoomID.
type UserJoined struct {
	RoomID string
	UserID domain.UserID
}

// UserLeft announces that UserID left RoomID or disconnected.
type UserLeft struct {
	RoomID string
	UserID domain.UserID
}

// Offer carries a session description from SenderID to TargetID.
type Offer struct {
	RoomID      string
	TargetID    domain.UserID
	SenderID    domain.UserID
	Description domain.SDPPayload
}

// Answer carries the answering session description.
type Answer struct {
	RoomID      string
	TargetID    domain.UserID
	SenderID    domain.UserID
	Description domain.SDPPayload
}

// ICECandidate carries one trickled candidate for a single peer.
type ICECandidate struct {
	RoomID    string
	TargetID  domain.UserID
	SenderID  domain.UserID
	Candidate domain.ICECandidatePayload
}

// CallRequest rings TargetID. SenderID is stamped by the relay.
type CallRequest struct {
	TargetID   domain.UserID
	SenderID   domain.UserID
	SenderName string
}

// RoomPresence lists every member currently in RoomID.
type RoomPresence struct {
	RoomID  string
	UserIDs []domain.UserID
}

func (Join) Type() Type         { return TypeJoin }
func (Leave) Type() Type        { return TypeLeave }
func (UserJoined) Type() Type   { return TypeUserJoined }
func (UserLeft) Type() Type     { return TypeUserLeft }
func (Offer) Type() Type        { return TypeOffer }
func (Answer) Type() Type       { return TypeAnswer }
func (ICECandidate) Type() Type { return TypeICECandidate }
func (CallRequest) Type() Type  { return TypeCallRequest }
func (RoomPresence) Type() Type { return TypeRoomPresence }

func (Join) isMessage()         {}
func (Leave) isMessage()        {}
func (UserJoined) isMessage()   {}
func (UserLeft) isMessage()     {}
func (Offer) isMessage()        {}
func (Answer) isMessage()       {}
func (ICECandidate) isMessage() {}
func (CallRequest) isMessage()  {}
func (RoomPresence) isMessage() {}

// RoomOf returns the room a message is scoped to, or "" for direct messages.
func RoomOf(msg Message) string {
	switch m := msg.(type) {
	case Join:
		return m.RoomID
	case Leave:
		return m.RoomID
	case UserJoined:
		return m.RoomID
	case UserLeft:
		return m.RoomID
	case Offer:
		return m.RoomID
	case Answer:
		return m.RoomID
	case ICECandidate:
		return m.RoomID
	case RoomPresence:
		return m.RoomID
	default:
		return ""
	}
}

// wire is the flat JSON envelope shared by every variant. The relay routes
// on target_id first, then room_id, and stamps sender_id on forwarded frames.
// Membership notices carry the member in user_id.
type wire struct {
	Type       Type                        `json:"type"`
	RoomID     string                      `json:"room_id,omitempty"`
	TargetID   domain.UserID               `json:"target_id,omitempty"`
	SenderID   domain.UserID               `json:"sender_id,omitempty"`
	UserID     domain.UserID               `json:"user_id,omitempty"`
	SenderName string                      `json:"sender_name,omitempty"`
	Offer      *domain.SDPPayload          `json:"offer,omitempty"`
	Answer     *domain.SDPPayload          `json:"answer,omitempty"`
	Candidate  *domain.ICECandidatePayload `json:"candidate,omitempty"`
	UserIDs    []domain.UserID             `json:"user_ids,omitempty"`
}

// Encode serializes msg as a single JSON object.
func Encode(msg Message) ([]byte, error) {
	var w wire
	switch m := msg.(type) {
	case Join:
		w = wire{Type: TypeJoin, RoomID: m.RoomID}
	case Leave:
		w = wire{Type: TypeLeave, RoomID: m.RoomID}
	case UserJoined:
		w = wire{Type: TypeUserJoined, RoomID: m.RoomID, UserID: m.UserID}
	case UserLeft:
		w = wire{Type: TypeUserLeft, RoomID: m.RoomID, UserID: m.UserID}
	case Offer:
		desc := m.Description
		if desc.Type == "" {
			desc.Type = string(TypeOffer)
		}
		w = wire{Type: TypeOffer, RoomID: m.RoomID, TargetID: m.TargetID, SenderID: m.SenderID, Offer: &desc}
	case Answer:
		desc := m.Description
		if desc.Type == "" {
			desc.Type = string(TypeAnswer)
		}
		w = wire{Type: TypeAnswer, RoomID: m.RoomID, TargetID: m.TargetID, SenderID: m.SenderID, Answer: &desc}
	case ICECandidate:
		c := m.Candidate
		w = wire{Type: TypeICECandidate, RoomID: m.RoomID, TargetID: m.TargetID, SenderID: m.SenderID, Candidate: &c}
	case CallRequest:
		w = wire{Type: TypeCallRequest, TargetID: m.TargetID, SenderID: m.SenderID, SenderName: m.SenderName}
	case RoomPresence:
		w = wire{Type: TypeRoomPresence, RoomID: m.RoomID, UserIDs: m.UserIDs}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, msg)
	}
	return json.Marshal(w)
}

// Decode parses one inbound frame. Types outside the closed set are
// rejected with ErrUnknownType rather than ignored.
func Decode(data []byte) (Message, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	member := w.UserID
	if member == 0 {
		member = w.SenderID
	}

	switch w.Type {
	case TypeJoin:
		if w.RoomID == "" {
			return nil, malformed(w.Type, "room_id")
		}
		return Join{RoomID: w.RoomID}, nil
	case TypeLeave:
		if w.RoomID == "" {
			return nil, malformed(w.Type, "room_id")
		}
		return Leave{RoomID: w.RoomID}, nil
	case TypeUserJoined:
		if member == 0 {
			return nil, malformed(w.Type, "user_id")
		}
		return UserJoined{RoomID: w.RoomID, UserID: member}, nil
	case TypeUserLeft:
		if member == 0 {
			return nil, malformed(w.Type, "user_id")
		}
		return UserLeft{RoomID: w.RoomID, UserID: member}, nil
	case TypeOffer:
		if w.Offer == nil || w.Offer.SDP == "" {
			return nil, malformed(w.Type, "offer")
		}
		return Offer{RoomID: w.RoomID, TargetID: w.TargetID, SenderID: w.SenderID, Description: *w.Offer}, nil
	case TypeAnswer:
		if w.Answer == nil || w.Answer.SDP == "" {
			return nil, malformed(w.Type, "answer")
		}
		return Answer{RoomID: w.RoomID, TargetID: w.TargetID, SenderID: w.SenderID, Description: *w.Answer}, nil
	case TypeICECandidate:
		if w.Candidate == nil {
			return nil, malformed(w.Type, "candidate")
		}
		return ICECandidate{RoomID: w.RoomID, TargetID: w.TargetID, SenderID: w.SenderID, Candidate: *w.Candidate}, nil
	case TypeCallRequest:
		return CallRequest{TargetID: w.TargetID, SenderID: w.SenderID, SenderName: w.SenderName}, nil
	case TypeRoomPresence:
		if w.RoomID == "" {
			return nil, malformed(w.Type, "room_id")
		}
		return RoomPresence{RoomID: w.RoomID, UserIDs: w.UserIDs}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
	}
}

func malformed(t Type, field string) error {
	return fmt.Errorf("%w: %s without %s", ErrMalformed, t, field)
}
