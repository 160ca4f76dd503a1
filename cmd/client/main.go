package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/Meet/internal/adapters/rtc"
	"github.com/dkeye/Meet/internal/client"
	"github.com/dkeye/Meet/internal/domain"
)

// opusSilence is one 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

type silentAudio struct {
	track  *webrtc.TrackLocalStaticSample
	cancel context.CancelFunc
}

func newSilentAudio() (*silentAudio, error) {
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	track, err := webrtc.NewTrackLocalStaticSample(codec, "audio", "meet-client")
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &silentAudio{track: track, cancel: cancel}
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = track.WriteSample(pmedia.Sample{Data: opusSilence, Duration: 20 * time.Millisecond})
			}
		}
	}()
	return s, nil
}

func (s *silentAudio) Kind() domain.Kind                { return domain.KindAudio }
func (s *silentAudio) Track() webrtc.TrackLocal         { return s.track }
func (s *silentAudio) Codec() webrtc.RTPCodecCapability { return s.track.Codec() }
func (s *silentAudio) Stop() error {
	s.cancel()
	return nil
}

func main() {
	url := pflag.String("url", "ws://localhost:8080/api/ws/signal", "signaling WebSocket URL")
	room := pflag.String("room", "", "room id to join")
	create := pflag.Bool("create", false, "create a new room and join it")
	publishAudio := pflag.Bool("publish-audio", false, "publish a silent Opus track")
	timeout := pflag.Duration("timeout", client.DefaultRequestTimeout, "request timeout")
	debug := pflag.Bool("debug", false, "debug logging")
	pflag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	conn, err := client.Dial(ctx, *url, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("dial")
	}
	defer conn.Close()
	conn.Timeout = *timeout

	roomID := domain.RoomID(*room)
	if *create {
		if roomID, err = client.CreateRoom(ctx, conn); err != nil {
			log.Fatal().Err(err).Msg("create room")
		}
		log.Info().Str("room_id", string(roomID)).Msg("room created")
	}
	if roomID == "" {
		log.Fatal().Msg("--room or --create is required")
	}

	factory, err := client.NewPionTransportFactory(rtc.Config{})
	if err != nil {
		log.Fatal().Err(err).Msg("media setup")
	}
	sess := client.NewSession(conn, roomID, factory, client.OnConsumer(func(c client.LocalConsumer) {
		log.Info().Str("producer_id", string(c.ProducerID())).Str("kind", string(c.Kind())).Msg("consuming")
	}))
	if err := sess.Join(ctx); err != nil {
		log.Fatal().Err(err).Msg("join")
	}

	if *publishAudio {
		audio, err := newSilentAudio()
		if err != nil {
			log.Fatal().Err(err).Msg("audio track")
		}
		id, err := sess.Publish(ctx, audio)
		if err != nil {
			_ = audio.Stop()
			log.Fatal().Err(err).Msg("publish")
		}
		log.Info().Str("producer_id", string(id)).Msg("publishing silent audio")
	}

	select {
	case <-ctx.Done():
	case <-conn.Done():
		log.Warn().Msg("signaling connection lost")
	}

	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer leaveCancel()
	if err := sess.Leave(leaveCtx); err != nil {
		log.Warn().Err(err).Msg("leave")
	}
}
