package media

import "strings"

// Compatible reports whether a subscriber with caps can decode a stream
// described by params. Only the first (active) codec of the producer matters.
func Compatible(params RtpParameters, caps RtpCapabilities) bool {
	if len(params.Codecs) == 0 {
		return false
	}
	return FindCodec(caps, params.Codecs[0]) != nil
}

// FindCodec returns the capability entry matching codec, or nil.
func FindCodec(caps RtpCapabilities, codec RtpCodecParameters) *RtpCodecCapability {
	for i := range caps.Codecs {
		c := &caps.Codecs[i]
		if !strings.EqualFold(c.MimeType, codec.MimeType) || c.ClockRate != codec.ClockRate {
			continue
		}
		if KindOfMime(codec.MimeType) == "audio" && channels(c.Channels) != channels(codec.Channels) {
			continue
		}
		return c
	}
	return nil
}

// KindOfMime extracts "audio" or "video" from a mime type like "audio/opus".
func KindOfMime(mime string) string {
	kind, _, ok := strings.Cut(strings.ToLower(mime), "/")
	if !ok {
		return ""
	}
	return kind
}

func channels(n uint16) uint16 {
	if n == 0 {
		return 1
	}
	return n
}

// Intersect keeps the codecs of local that the remote side also supports,
// adopting the remote preferred payload type.
func Intersect(local, remote RtpCapabilities) RtpCapabilities {
	out := RtpCapabilities{HeaderExtensions: remote.HeaderExtensions}
	for _, lc := range local.Codecs {
		rc := FindCodec(remote, RtpCodecParameters{MimeType: lc.MimeType, ClockRate: lc.ClockRate, Channels: lc.Channels})
		if rc == nil {
			continue
		}
		c := lc
		c.PreferredPayloadType = rc.PreferredPayloadType
		if c.Kind == "" {
			c.Kind = rc.Kind
		}
		out.Codecs = append(out.Codecs, c)
	}
	return out
}
