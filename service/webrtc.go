package service

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"devicehub/models"
)

// SignalRelay forwards an SDP offer to the client agent controlling the
// device and returns its answer. ErrNotAvailable means no agent can
// negotiate for this device.
type SignalRelay interface {
	Offer(ctx context.Context, offer models.WebRTCOffer) (models.WebRTCAnswer, error)
}

// WebRTCTransport dials peer connections for live viewing. It is the
// TransportFactory used when the live coordinator prefers WebRTC.
type WebRTCTransport struct {
	relay         SignalRelay
	iceServers    []string
	gatherTimeout time.Duration
	offerTimeout  time.Duration
}

func NewWebRTCTransport(relay SignalRelay, iceServers []string, gatherTimeout, offerTimeout time.Duration) *WebRTCTransport {
	return &WebRTCTransport{
		relay:         relay,
		iceServers:    iceServers,
		gatherTimeout: gatherTimeout,
		offerTimeout:  offerTimeout,
	}
}

// webrtcConn wraps a peer connection and its media counters.
type webrtcConn struct {
	pc     *webrtc.PeerConnection
	bytes  atomic.Uint64
	frames atomic.Uint64
	closed atomic.Bool
}

func (c *webrtcConn) Stats() (uint64, uint64) {
	return c.bytes.Load(), c.frames.Load()
}

func (c *webrtcConn) Close() {
	if c.closed.CompareAndSwap(false, true) {
		c.pc.Close()
	}
}

// Dial creates a recvonly video peer connection, gathers ICE candidates,
// relays the offer to the device's agent and applies the answer. Events
// after that flow through onEvent; the caller decides what they mean.
func (t *WebRTCTransport) Dial(ctx context.Context, deviceID string, onEvent func(TransportEvent)) (TransportConn, error) {
	if t.relay == nil {
		return nil, fmt.Errorf("%w: no signaling agent registered", ErrNotAvailable)
	}

	cfg := webrtc.Configuration{}
	for _, url := range t.iceServers {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{URLs: []string{url}})
	}

	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	conn := &webrtcConn{pc: pc}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to add video transceiver: %w", err)
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Printf("[%s] WebRTC track: %s", deviceID, track.Codec().MimeType)
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				return
			}
			conn.bytes.Add(uint64(pkt.MarshalSize()))
			if pkt.Marker {
				conn.frames.Add(1)
				onEvent(TransportEvent{Kind: TransportMedia})
			}
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("[%s] WebRTC connection state: %s", deviceID, state)
		switch state {
		case webrtc.PeerConnectionStateConnected:
			onEvent(TransportEvent{Kind: TransportConnected})
		case webrtc.PeerConnectionStateFailed:
			onEvent(TransportEvent{Kind: TransportFailed, Err: fmt.Errorf("peer connection failed")})
		case webrtc.PeerConnectionStateDisconnected:
			onEvent(TransportEvent{Kind: TransportDisconnected})
		case webrtc.PeerConnectionStateClosed:
			onEvent(TransportEvent{Kind: TransportClosed})
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-time.After(t.gatherTimeout):
		// Trickle-less negotiation: go with whatever candidates we have
		log.Printf("[%s] ICE gathering timed out, sending partial offer", deviceID)
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}

	local := pc.LocalDescription()
	offerCtx, cancel := context.WithTimeout(ctx, t.offerTimeout)
	defer cancel()
	answer, err := t.relay.Offer(offerCtx, models.WebRTCOffer{
		DeviceID: deviceID,
		SDP:      local.SDP,
		Type:     local.Type.String(),
	})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("offer relay failed: %w", err)
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to apply answer: %w", err)
	}

	return conn, nil
}
