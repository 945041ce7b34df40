// Command agent joins a consultation as one headless participant over the
// server's API: it waits in or runs the lobby, exchanges media when the
// modality asks for it, posts scripted chat lines and ends or leaves.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Consult/internal/adapters/http"
	"github.com/dkeye/Consult/internal/adapters/media"
	"github.com/dkeye/Consult/internal/adapters/remote"
	"github.com/dkeye/Consult/internal/adapters/rtc"
	"github.com/dkeye/Consult/internal/app"
	"github.com/dkeye/Consult/internal/app/chat"
	"github.com/dkeye/Consult/internal/app/orch"
	"github.com/dkeye/Consult/internal/config"
	"github.com/dkeye/Consult/internal/domain"
)

var flagKeys = map[string]string{
	"server":        "agent.server",
	"token":         "agent.token",
	"user":          "agent.user_id",
	"name":          "agent.name",
	"role":          "agent.role",
	"appointment":   "agent.appointment",
	"modality":      "agent.modality",
	"lobby-timeout": "agent.lobby_timeout",
	"auto-admit":    "agent.auto_admit",
	"say":           "agent.say",
	"duration":      "agent.duration",
	"log-level":     "log_level",
}

func bindFlags(v *viper.Viper, args []string) error {
	fs := pflag.NewFlagSet("agent", pflag.ContinueOnError)
	fs.String("server", "", "server base URL")
	fs.String("token", "", "bearer token; minted from auth.jwt_secret when empty")
	fs.String("user", "", "user id")
	fs.String("name", "", "display name")
	fs.String("role", "", "provider or patient")
	fs.String("appointment", "", "appointment id")
	fs.String("modality", "", "video, audio or chat")
	fs.Duration("lobby-timeout", 0, "give up waiting in the lobby after this long")
	fs.Bool("auto-admit", false, "admit the first waiting patient (provider only)")
	fs.StringSlice("say", nil, "chat lines to send once active")
	fs.Duration("duration", 0, "end or leave this long after becoming active; 0 waits for a signal")
	fs.String("log-level", "", "zerolog level")
	if err := fs.Parse(args); err != nil {
		return err
	}
	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return fmt.Errorf("bind %s: %w", flag, err)
		}
	}
	return nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	v := config.New()
	if err := bindFlags(v, os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatal().Err(err).Msg("bad flags")
	}
	cfg, err := config.Decode(v)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("agent failed")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	ac := cfg.Agent
	role, err := domain.ParseRole(ac.Role)
	if err != nil {
		return err
	}
	who, err := domain.NewIdentity(domain.UserID(ac.UserID), ac.Name, role)
	if err != nil {
		return err
	}
	modality, err := domain.ParseModality(ac.Modality)
	if err != nil {
		return err
	}
	relay, err := chat.ParseRelayPolicy(cfg.Chat.Relay)
	if err != nil {
		return err
	}

	token := ac.Token
	if token == "" {
		if cfg.Auth.JWTSecret == "" {
			return errors.New("agent needs agent.token or auth.jwt_secret")
		}
		if token, err = router.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL).Issue(who); err != nil {
			return err
		}
	}

	retry := app.RetryPolicy{
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
		MaxElapsed:      cfg.Retry.MaxElapsed,
		MaxRetries:      cfg.Retry.MaxRetries,
	}
	client, err := remote.New(remote.Config{BaseURL: ac.Server, Token: token, Retry: retry})
	if err != nil {
		return err
	}

	rtcCfg := rtc.DefaultConfig()
	rtcCfg.ICEServers = ac.ICEServers
	peers, err := rtc.NewFactory(rtcCfg)
	if err != nil {
		return err
	}

	co := orch.New(who, domain.AppointmentID(ac.Appointment), modality, orch.Deps{
		Sessions: client.Sessions(),
		Channel:  client.Channel(),
		Messages: client.Messages(),
		Devices: media.NewDevices(media.Config{
			AllowVideo: ac.AllowVideo,
			AllowAudio: ac.AllowAudio,
			Synthesize: ac.Synthesize,
		}),
		Peers:    peers,
		WakeLock: &media.WakeLock{},
	}, orch.Options{
		Chat:         chat.Config{MaxLength: cfg.Chat.MaxLength, Relay: relay},
		LobbyTimeout: ac.LobbyTimeout,
		Retry:        retry,
	})

	a := &agent{
		cfg:    ac,
		co:     co,
		active: make(chan struct{}),
		logger: log.With().Str("module", "agent").Str("user", string(who.UserID)).Logger(),
	}
	a.receiver = media.NewReceiver(ac.PLIInterval, a.sinks)
	defer a.receiver.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.consume(gctx) })
	if err := co.Start(ctx); err != nil {
		// A failed start still closes the event stream.
		_ = g.Wait()
		return err
	}
	g.Go(func() error { return a.script(gctx) })
	return g.Wait()
}

type agent struct {
	cfg      config.AgentConfig
	co       *orch.Coordinator
	receiver *media.Receiver
	active   chan struct{}
	activeOK bool
	logger   zerolog.Logger
}

func (a *agent) sinks(kind webrtc.RTPCodecType) map[string]media.Sink {
	return map[string]media.Sink{kind.String() + "-counter": &media.Counter{}}
}

// consume drains coordinator events until Ended.
func (a *agent) consume(ctx context.Context) error {
	for ev := range a.co.Events() {
		switch ev := ev.(type) {
		case orch.StateChanged:
			a.logger.Info().Str("from", string(ev.From)).Str("to", string(ev.To)).Msg("state")
			if ev.To == domain.StateActive && !a.activeOK {
				a.activeOK = true
				close(a.active)
			}
		case orch.PatientWaiting:
			a.logger.Info().Str("patient", string(ev.Entry.PatientID)).Str("name", ev.Entry.Name).Msg("patient waiting")
			if a.cfg.AutoAdmit {
				pid := ev.Entry.PatientID
				go func() {
					if err := a.co.Admit(ctx, pid); err != nil {
						a.logger.Warn().Err(err).Msg("admit failed")
					}
				}()
			}
		case orch.PatientLeft:
			a.logger.Info().Str("patient", string(ev.PatientID)).Msg("patient left lobby")
		case orch.Admitted:
			a.logger.Info().Msg("admitted")
		case orch.Connected:
			a.logger.Info().Msg("media connected")
		case orch.StreamReceived:
			a.receiver.Handle(ctx, ev.Track, ev.Receiver)
			a.logger.Info().Str("kind", ev.Track.Kind().String()).Int("active", a.receiver.Active()).Msg("stream received")
		case orch.Message:
			a.logger.Info().Str("from", string(ev.Msg.SenderID)).Bool("local", ev.Local).Msg(ev.Msg.Content)
		case orch.Error:
			a.logger.Warn().Err(ev.Err).Bool("fatal", ev.Fatal).Msg("coordinator error")
		case orch.Ended:
			a.logger.Info().Str("reason", ev.Reason).Str("state", string(ev.Session.State)).Msg("ended")
		}
	}
	return nil
}

// script sends the configured chat lines once active, then ends (provider)
// or leaves (patient) after the configured duration or on shutdown.
func (a *agent) script(ctx context.Context) error {
	select {
	case <-a.active:
	case <-a.co.Done():
		return nil
	case <-ctx.Done():
		return a.co.Leave(context.Background())
	}
	for _, line := range a.cfg.Say {
		if _, err := a.co.Send(ctx, line); err != nil {
			a.logger.Warn().Err(err).Msg("send failed")
		}
	}

	var deadline <-chan time.Time
	if a.cfg.Duration > 0 {
		t := time.NewTimer(a.cfg.Duration)
		defer t.Stop()
		deadline = t.C
	}
	select {
	case <-a.co.Done():
		return nil
	case <-deadline:
	case <-ctx.Done():
	}
	if a.cfg.Role == string(domain.RoleProvider) {
		if _, err := a.co.End(context.Background(), "ended by agent"); err != nil && !errors.Is(err, domain.ErrSessionEnded) {
			return err
		}
		return nil
	}
	return a.co.Leave(context.Background())
}
