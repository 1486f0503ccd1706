package domain

import (
	pion "github.com/pion/webrtc/v4"
)

// RemoteTrack is an inbound media track as seen by the mesh and the
// presentation layer. *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() pion.RTPCodecType
}

// Transport is one peer-to-peer media connection.
type Transport interface {
	// CreateOffer and CreateAnswer also install the result as the local
	// description.
	CreateOffer() (SDPPayload, error)
	CreateAnswer() (SDPPayload, error)
	SetRemoteDescription(desc SDPPayload) error
	AddICECandidate(c ICECandidatePayload) error
	OnICECandidate(fn func(ICECandidatePayload))
	OnTrack(fn func(RemoteTrack))
	OnStateChange(fn func(pion.PeerConnectionState))
	AddTrack(track pion.TrackLocal) error
	// AddReceiveOnly adds a recvonly section of kind so an offer without
	// a local track of that kind still carries media and ICE credentials.
	AddReceiveOnly(kind pion.RTPCodecType) error
	// ReplaceVideoTrack swaps the outgoing video source without
	// renegotiating. A nil track stops sending video.
	ReplaceVideoTrack(track pion.TrackLocal) error
	Close() error
}
