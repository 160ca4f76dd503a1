package rtc

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/media"
	"github.com/pion/webrtc/v4"
)

func CodecType(kind string) webrtc.RTPCodecType {
	if kind == string(domain.KindVideo) {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

func CodecCapability(c media.RtpCodecCapability) webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:     c.MimeType,
		ClockRate:    c.ClockRate,
		Channels:     c.Channels,
		SDPFmtpLine:  fmtpLine(c.Parameters),
		RTCPFeedback: feedback(c.RtcpFeedback),
	}
}

// CodecParameters turns a negotiated codec into the wire shape sent to
// the far side.
func CodecParameters(c webrtc.RTPCodecParameters) media.RtpCodecParameters {
	out := media.RtpCodecParameters{
		MimeType:    c.MimeType,
		PayloadType: uint8(c.PayloadType),
		ClockRate:   c.ClockRate,
		Channels:    c.Channels,
		Parameters:  parseFmtp(c.SDPFmtpLine),
	}
	for _, fb := range c.RTCPFeedback {
		out.RtcpFeedback = append(out.RtcpFeedback, media.RtcpFeedback{Type: fb.Type, Parameter: fb.Parameter})
	}
	return out
}

// ParametersFromCapability builds single-codec RTP parameters.
func ParametersFromCapability(c media.RtpCodecCapability, ssrc uint32) media.RtpParameters {
	return media.RtpParameters{
		Codecs: []media.RtpCodecParameters{{
			MimeType:     c.MimeType,
			PayloadType:  c.PreferredPayloadType,
			ClockRate:    c.ClockRate,
			Channels:     c.Channels,
			Parameters:   c.Parameters,
			RtcpFeedback: c.RtcpFeedback,
		}},
		Encodings: []media.RtpEncoding{{Ssrc: ssrc}},
	}
}

// ReceiveParameters maps wire RTP parameters onto a pion receive call.
// The stream must be addressed by SSRC.
func ReceiveParameters(p media.RtpParameters) (webrtc.RTPReceiveParameters, error) {
	if len(p.Codecs) == 0 || len(p.Encodings) == 0 || p.Encodings[0].Ssrc == 0 {
		return webrtc.RTPReceiveParameters{}, domain.NewError(domain.CodeBadRequest, "invalid rtpParameters", nil)
	}
	return webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(p.Encodings[0].Ssrc),
				PayloadType: webrtc.PayloadType(p.Codecs[0].PayloadType),
			},
		}},
	}, nil
}

func feedback(in []media.RtcpFeedback) []webrtc.RTCPFeedback {
	if len(in) == 0 {
		return nil
	}
	out := make([]webrtc.RTCPFeedback, 0, len(in))
	for _, fb := range in {
		out = append(out, webrtc.RTCPFeedback{Type: fb.Type, Parameter: fb.Parameter})
	}
	return out
}

func fmtpLine(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, ";")
}

func parseFmtp(line string) map[string]any {
	if line == "" {
		return nil
	}
	out := make(map[string]any)
	for _, part := range strings.Split(line, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || k == "" {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil {
			out[k] = n
			continue
		}
		out[k] = v
	}
	return out
}

func iceParameters(p webrtc.ICEParameters) media.IceParameters {
	return media.IceParameters{UsernameFragment: p.UsernameFragment, Password: p.Password, IceLite: p.ICELite}
}

func fromIceParameters(p media.IceParameters) webrtc.ICEParameters {
	return webrtc.ICEParameters{UsernameFragment: p.UsernameFragment, Password: p.Password, ICELite: p.IceLite}
}

func iceCandidates(in []webrtc.ICECandidate) []media.IceCandidate {
	out := make([]media.IceCandidate, 0, len(in))
	for _, c := range in {
		out = append(out, media.IceCandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			IP:         c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
			TCPType:    c.TCPType,
		})
	}
	return out
}

func fromIceCandidates(in []media.IceCandidate) ([]webrtc.ICECandidate, error) {
	out := make([]webrtc.ICECandidate, 0, len(in))
	for _, c := range in {
		proto, err := webrtc.NewICEProtocol(c.Protocol)
		if err != nil {
			return nil, err
		}
		typ, err := webrtc.NewICECandidateType(c.Type)
		if err != nil {
			return nil, err
		}
		out = append(out, webrtc.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.IP,
			Protocol:   proto,
			Port:       c.Port,
			Typ:        typ,
			Component:  1,
			TCPType:    c.TCPType,
		})
	}
	return out, nil
}

func dtlsParameters(p webrtc.DTLSParameters) media.DtlsParameters {
	out := media.DtlsParameters{Role: p.Role.String()}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, media.DtlsFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

func fromDtlsParameters(p media.DtlsParameters) webrtc.DTLSParameters {
	out := webrtc.DTLSParameters{Role: webrtc.DTLSRoleAuto}
	switch p.Role {
	case "client":
		out.Role = webrtc.DTLSRoleClient
	case "server":
		out.Role = webrtc.DTLSRoleServer
	}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}
