package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/parleylabs/parley/internal/avatar"
	"github.com/parleylabs/parley/internal/config"
	"github.com/parleylabs/parley/internal/conn"
	"github.com/parleylabs/parley/internal/provider"
	"github.com/parleylabs/parley/internal/session"
	"github.com/parleylabs/parley/internal/transcript"
)

// avatarProvisioner adapts the credential call to the orchestrator's
// pre-initialize provisioning hook. Credentials stay in process memory.
type avatarProvisioner struct {
	p *avatar.Provisioner
}

func (a avatarProvisioner) Provision(ctx context.Context, sessionID string) error {
	creds, err := a.p.Provision(ctx, sessionID)
	if err != nil {
		return err
	}
	log.Info().
		Str("module", "main").
		Str("sid", sessionID).
		Str("channel", creds.Channel).
		Msg("avatar credentials provisioned")
	return nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	sessionID := os.Getenv("SESSION_ID")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	deps := session.Deps{
		Issuer:    provider.NewTokenIssuer(cfg.Provider.TokenURL),
		Exchanger: provider.NewRealtime(cfg.Provider.RealtimeURL),
		Store:     transcript.NewHTTPStore(cfg.Transcript.URL, cfg.Transcript.Source),
		OnTranscript: func(line string) {
			log.Info().Str("module", "transcript").Msg(line)
		},
		OnState: func(s conn.State) {
			log.Info().Str("module", "main").Str("state", string(s)).Msg("connection state")
		},
	}
	if cfg.Avatar.Enabled {
		deps.Provisioner = avatarProvisioner{p: avatar.NewProvisioner(cfg.Avatar.ProvisionURL)}
		deps.AvatarSender = avatar.SenderFunc(func(c avatar.Chunk) error {
			log.Debug().
				Str("module", "avatar").
				Str("message_id", c.MessageID).
				Int("chunk", c.Index).
				Bool("final", c.Final).
				Msg("chunk sent")
			return nil
		})
	}

	orch := session.NewOrchestrator(cfg, deps)

	// Headless runs have no capture device; the session degrades to
	// silent level sampling.
	if err := orch.Initialize(ctx, sessionID, nil); err != nil {
		log.Error().Err(err).Str("sid", sessionID).Msg("session initialize failed")
		os.Exit(1)
	}
	log.Info().Str("sid", sessionID).Str("topology", cfg.Topology).Msg("Parley session started")

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Shutting down")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			orch.Cleanup(shutdownCtx)
			shutdownCancel()
			log.Info().Msg("Session exited gracefully")
			return
		case <-ticker.C:
			st := orch.Status()
			log.Info().
				Str("module", "main").
				Str("state", string(st.State)).
				Bool("ready", st.Ready).
				Bool("recording", st.Recording).
				Int("level", st.AudioLevel).
				Msg("status")
			if st.Error != "" && st.AutoReconnectDisabled {
				log.Error().Str("error", st.Error).Msg("session gave up reconnecting")
			}
		}
	}
}
