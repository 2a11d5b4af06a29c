package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/inkclash/inkclash/pkg/chain"
	"github.com/inkclash/inkclash/pkg/cluster"
	"github.com/inkclash/inkclash/pkg/config"
	"github.com/inkclash/inkclash/pkg/ingress"
	"github.com/inkclash/inkclash/pkg/ledger"
	"github.com/inkclash/inkclash/pkg/state"
	"github.com/inkclash/inkclash/pkg/tournament"

	"github.com/rs/zerolog/log"
)

func serveCommand(configs []string) error {
	settings, err := config.Process(configs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load inkclash configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := state.NewStateService(settings.Redis)
	if err := store.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("could not reach session store")
	}

	gateway := chain.NewGateway(settings.Chain)

	auditLog, err := ledger.NewLedger(settings.Ledger)
	if err != nil {
		log.Fatal().Err(err).Msg("could not open ledger")
	}
	auditLog.Run(ctx)

	var scorer cluster.Scorer
	var tournaments *tournament.Service
	if settings.Tournament.Enabled {
		tournaments, err = tournament.NewService(
			settings.Tournament,
			store,
			gateway,
			auditLog,
		)
		if err != nil {
			return err
		}
		if err := tournaments.Monitor(ctx); err != nil {
			return err
		}
		scorer = tournaments
	}

	matches := cluster.NewCluster(*settings, store, gateway, auditLog, scorer)
	if err := matches.Recover(ctx); err != nil {
		log.Error().Err(err).Msg("room recovery sweep failed")
	}
	go matches.Poll(ctx)

	wsIngress := ingress.NewWSIngress(matches, tournaments)

	errc := make(chan error, 1)
	go func() {
		errc <- wsIngress.Serve(ctx, settings.Server.Ingress.Web.Port)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)

	select {
	case err := <-errc:
		log.Error().Err(err).Msg("failed to serve")
	case sig := <-sigs:
		log.Info().Msgf("terminating: %v", sig)
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	wsIngress.Shutdown(shutdownCtx)

	return nil
}
