package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	cachex "github.com/teerapap/contextd/cache"
	enginex "github.com/teerapap/contextd/engine"
	configx "github.com/teerapap/contextd/pkg/config"
	_ "github.com/teerapap/contextd/pkg/logger/autoload"
	qstashx "github.com/teerapap/contextd/pkg/qstash"
	"github.com/teerapap/contextd/record"
	"github.com/teerapap/contextd/workflow"
)

type AppConfig struct {
	EntityID       string `envconfig:"ENTITY_ID" required:"true"`
	Question       string `envconfig:"QUESTION" default:"Summarize this client's coverage."`
	NotifyEndpoint string `envconfig:"NOTIFY_ENDPOINT"`
}

func main() {
	appCfg := configx.MustNew[AppConfig]("")

	redisCfg := configx.MustNew[cachex.RedisConfig]("REDIS")
	fast, err := cachex.NewUpstashRedisStore(*redisCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init redis store")
	}

	objectCfg := configx.MustNew[cachex.ObjectStoreConfig]("OBJECT_STORE")
	durable, err := cachex.NewObjectStore(*objectCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init object store")
	}

	recordCfg := configx.MustNew[record.Config]("RECORD")
	source, err := record.New(*recordCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init system of record")
	}
	defer source.Close()

	cacheOpts := []cachex.Option{cachex.WithLogger(log.Logger)}
	if appCfg.NotifyEndpoint != "" {
		qstashCfg := configx.MustNew[qstashx.Config]("QSTASH")
		notifier, err := qstashx.NewRebuildNotifier(qstashx.MustNew(*qstashCfg), appCfg.NotifyEndpoint)
		if err != nil {
			log.Fatal().Err(err).Msg("init rebuild notifier")
		}
		cacheOpts = append(cacheOpts, cachex.WithNotifier(notifier))
	}

	cache, err := cachex.New(fast, durable, source, cacheOpts...)
	if err != nil {
		log.Fatal().Err(err).Msg("init context cache")
	}
	defer cache.Close()

	reasonerCfg := configx.MustNew[enginex.ReasonerConfig]("REASONER")
	reasoner, err := enginex.NewOpenAIReasoner(*reasonerCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init reasoner")
	}

	assistant, err := workflow.NewAssistant(cache, reasoner, workflow.WithAssistantLogger(log.Logger))
	if err != nil {
		log.Fatal().Err(err).Msg("init assistant")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	answer, err := assistant.Ask(ctx, appCfg.EntityID, appCfg.Question)
	if err != nil {
		log.Fatal().Err(err).Str("entity", appCfg.EntityID).Msg("ask failed")
	}
	if answer.LowTrust {
		log.Warn().Int("steps", answer.Steps).Msg("answer produced after exhausting the step budget")
	}

	fmt.Println(answer.Content)
}
