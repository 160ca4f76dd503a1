package rtc

import (
	"fmt"
	"net"

	"github.com/dkeye/Meet/internal/media"
	"github.com/pion/webrtc/v4"
)

// Config is the network and codec setup shared by every endpoint built
// from one API.
type Config struct {
	ListenIP    string
	AnnouncedIP string
	MinPort     uint16
	MaxPort     uint16
	ICEServers  []string
	// Lite makes endpoints answer connectivity checks only. Servers run
	// lite, clients never do.
	Lite   bool
	Codecs []media.RtpCodecCapability
}

// DefaultCodecs is the codec set used when none is configured.
func DefaultCodecs() []media.RtpCodecCapability {
	return []media.RtpCodecCapability{
		{
			Kind:                 "audio",
			MimeType:             webrtc.MimeTypeOpus,
			PreferredPayloadType: 111,
			ClockRate:            48000,
			Channels:             2,
			Parameters:           map[string]any{"minptime": 10, "useinbandfec": 1},
		},
		{
			Kind:                 "video",
			MimeType:             webrtc.MimeTypeVP8,
			PreferredPayloadType: 96,
			ClockRate:            90000,
			RtcpFeedback: []media.RtcpFeedback{
				{Type: "nack"},
				{Type: "nack", Parameter: "pli"},
				{Type: "ccm", Parameter: "fir"},
			},
		},
	}
}

// Capabilities describes cfg's codec set in wire form.
func (cfg Config) Capabilities() media.RtpCapabilities {
	codecs := cfg.Codecs
	if len(codecs) == 0 {
		codecs = DefaultCodecs()
	}
	out := media.RtpCapabilities{Codecs: make([]media.RtpCodecCapability, 0, len(codecs))}
	for _, c := range codecs {
		if c.Kind == "" {
			c.Kind = media.KindOfMime(c.MimeType)
		}
		out.Codecs = append(out.Codecs, c)
	}
	return out
}

// NewAPI builds a pion API whose media engine knows exactly the codecs of
// cfg, so payload types on the wire match the advertised capabilities.
func NewAPI(cfg Config) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	for _, c := range cfg.Capabilities().Codecs {
		err := m.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: CodecCapability(c),
			PayloadType:        webrtc.PayloadType(c.PreferredPayloadType),
		}, CodecType(c.Kind))
		if err != nil {
			return nil, fmt.Errorf("register codec %s: %w", c.MimeType, err)
		}
	}

	s := webrtc.SettingEngine{}
	s.SetLite(cfg.Lite)
	if cfg.MinPort != 0 && cfg.MaxPort != 0 {
		if err := s.SetEphemeralUDPPortRange(cfg.MinPort, cfg.MaxPort); err != nil {
			return nil, fmt.Errorf("port range: %w", err)
		}
	}
	if cfg.AnnouncedIP != "" {
		s.SetNAT1To1IPs([]string{cfg.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}
	if cfg.ListenIP != "" && cfg.ListenIP != "0.0.0.0" {
		listen := net.ParseIP(cfg.ListenIP)
		s.SetIPFilter(func(ip net.IP) bool { return listen == nil || listen.Equal(ip) })
	}
	s.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4, webrtc.NetworkTypeUDP6})

	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(s)), nil
}

func (cfg Config) gatherOptions() webrtc.ICEGatherOptions {
	if len(cfg.ICEServers) == 0 {
		return webrtc.ICEGatherOptions{}
	}
	return webrtc.ICEGatherOptions{ICEServers: []webrtc.ICEServer{{URLs: cfg.ICEServers}}}
}
