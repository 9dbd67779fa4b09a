// Command opskb runs the operational knowledge extraction service: the
// Temporal workers executing the extraction pipeline, the queue-depth
// worker autoscaler, and the REST API for job control and knowledge graph
// reads.
//
// # Configuration
//
// Environment variables:
//
//	OPSKB_HTTP_ADDR           - REST listen address (default: ":8080")
//	OPSKB_MONGO_URI           - MongoDB connection URI (default: "mongodb://localhost:27017")
//	OPSKB_MONGO_DB            - MongoDB database name (default: "opskb")
//	OPSKB_REDIS_ADDR          - Redis address for the claim-check payload store
//	                            (default: "localhost:6379"; "off" keeps payloads in memory)
//	OPSKB_REDIS_PASSWORD      - Redis password (optional)
//	OPSKB_TEMPORAL_ADDR       - Temporal frontend address (default: "127.0.0.1:7233")
//	OPSKB_TEMPORAL_NAMESPACE  - Temporal namespace (default: "default")
//	OPSKB_TASK_QUEUE          - Task queue name (default: "knowledge-extraction")
//	OPSKB_OPENAI_API_KEY      - OpenAI API key (required)
//	OPSKB_OPENAI_MODEL        - OpenAI chat/vision model (default: "gpt-4o")
//	OPSKB_ANTHROPIC_API_KEY   - Anthropic API key; enables the fallback client (optional)
//	OPSKB_ANTHROPIC_MODEL     - Anthropic model (default: "claude-sonnet-4-20250514")
//	OPSKB_BROWSER             - "on" or "off"; "off" disables website ingestion
//	                            and exploration (default: "on")
//	OPSKB_BROWSER_URL         - DevTools URL of a running browser; launches a
//	                            headless one when empty (optional)
//	OPSKB_CONFIG              - Path to the YAML tunables file (optional)
//	OPSKB_DEBUG               - "true" enables debug logs and gin debug mode
//
// The YAML tunables file overrides pipeline defaults:
//
//	chunk_max_tokens: 2000
//	llm_rate_per_sec: 2.0
//	llm_burst: 4
//	frame_interval_seconds: 2
//	objstore_ttl_hours: 24
//	min_workers: 1
//	max_workers: 4
//	backlog_per_worker: 10
//
// # Example
//
//	OPSKB_OPENAI_API_KEY=sk-... OPSKB_MONGO_URI=mongodb://db:27017 ./opskb
package main

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"gopkg.in/yaml.v3"

	"opskb/api"
	"opskb/browser"
	"opskb/browser/rod"
	"opskb/crawl"
	"opskb/explore"
	"opskb/extract"
	"opskb/ingest"
	"opskb/ingest/chunker"
	"opskb/ingest/docs"
	"opskb/ingest/video"
	"opskb/ingest/web"
	"opskb/linker"
	"opskb/llm"
	"opskb/llm/anthropic"
	"opskb/llm/openai"
	"opskb/pipeline"
	"opskb/store/mongo"
	"opskb/store/objstore"
	"opskb/telemetry"
	"opskb/verify"
)

func main() {
	if err := run(); err != nil {
		stdlog.Fatal(err)
	}
}

func run() error {
	// Setup logging. Format and debug flow through the context so every
	// component sharing it logs consistently.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	debug := os.Getenv("OPSKB_DEBUG") == "true"
	if debug {
		ctx = log.Context(ctx, log.WithDebug())
	}
	lg := telemetry.NewClueLogger()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration from environment.
	httpAddr := envOr("OPSKB_HTTP_ADDR", ":8080")
	mongoURI := envOr("OPSKB_MONGO_URI", "mongodb://localhost:27017")
	mongoDB := envOr("OPSKB_MONGO_DB", "opskb")
	redisAddr := envOr("OPSKB_REDIS_ADDR", "localhost:6379")
	temporalAddr := envOr("OPSKB_TEMPORAL_ADDR", client.DefaultHostPort)
	temporalNS := envOr("OPSKB_TEMPORAL_NAMESPACE", client.DefaultNamespace)
	taskQueue := envOr("OPSKB_TASK_QUEUE", pipeline.TaskQueue)
	openaiKey := os.Getenv("OPSKB_OPENAI_API_KEY")
	if openaiKey == "" {
		return errors.New("OPSKB_OPENAI_API_KEY is required")
	}

	tun, err := loadTunables(os.Getenv("OPSKB_CONFIG"))
	if err != nil {
		return err
	}

	// Connect to MongoDB.
	mcli, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(mongoURI))
	if err != nil {
		return fmt.Errorf("connect to mongo: %w", err)
	}
	defer func() {
		if err := mcli.Disconnect(context.Background()); err != nil {
			lg.Error(ctx, "disconnect mongo", "err", err)
		}
	}()
	st, err := mongo.New(mongo.Options{Client: mcli, Database: mongoDB})
	if err != nil {
		return fmt.Errorf("create store: %w", err)
	}
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("ping mongo: %w", err)
	}
	pingers := []health.Pinger{st}

	// Claim-check payload store. Redis in production; an in-process store
	// when Redis is switched off or unreachable.
	var objects objstore.Store = objstore.NewMem()
	if redisAddr != "off" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: os.Getenv("OPSKB_REDIS_PASSWORD"),
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			lg.Warn(ctx, "redis unreachable, keeping payloads in memory", "addr", redisAddr, "err", err)
		} else {
			defer func() {
				if err := rdb.Close(); err != nil {
					lg.Error(ctx, "close redis", "err", err)
				}
			}()
			red, err := objstore.NewRedis(objstore.RedisOptions{
				Client: rdb,
				TTL:    time.Duration(tun.ObjstoreTTLHours) * time.Hour,
				Prefix: "opskb:",
			})
			if err != nil {
				return fmt.Errorf("create payload store: %w", err)
			}
			objects = red
			pingers = append(pingers, red)
		}
	}

	// LLM clients: OpenAI primary, Anthropic fallback when configured, and
	// a shared rate limit in front of both.
	oa, err := openai.NewFromAPIKey(openaiKey, envOr("OPSKB_OPENAI_MODEL", "gpt-4o"))
	if err != nil {
		return fmt.Errorf("create openai client: %w", err)
	}
	var chat llm.Client = oa
	if anthropicKey := os.Getenv("OPSKB_ANTHROPIC_API_KEY"); anthropicKey != "" {
		an, err := anthropic.NewFromAPIKey(anthropicKey, envOr("OPSKB_ANTHROPIC_MODEL", "claude-sonnet-4-20250514"))
		if err != nil {
			return fmt.Errorf("create anthropic client: %w", err)
		}
		fb, err := llm.NewFallback(oa, an, lg)
		if err != nil {
			return fmt.Errorf("create fallback client: %w", err)
		}
		chat = fb
	}
	if tun.LLMRatePerSec > 0 {
		chat, err = llm.NewThrottled(chat, tun.LLMRatePerSec, tun.LLMBurst)
		if err != nil {
			return fmt.Errorf("create throttled client: %w", err)
		}
	}

	// Ingesters. The website ingester and the explorer need a browser; when
	// none is available documentation and video sources still work.
	ch := chunker.New(chunker.Config{MaxTokens: tun.ChunkMaxTokens})
	var (
		webIng   *web.Ingester
		explorer *explore.Explorer
	)
	if envOr("OPSKB_BROWSER", "on") != "off" {
		rodOpts := rod.Options{ControlURL: os.Getenv("OPSKB_BROWSER_URL"), Headless: true}
		drv, err := rod.New(rodOpts)
		if err != nil {
			lg.Warn(ctx, "browser unavailable, website ingestion and exploration disabled", "err", err)
		} else {
			defer func() {
				if err := drv.Close(context.Background()); err != nil {
					lg.Error(ctx, "close browser", "err", err)
				}
			}()
			webIng, err = web.New(web.Options{Crawler: crawl.New(drv, lg), Chunker: ch, Logger: lg})
			if err != nil {
				return fmt.Errorf("create web ingester: %w", err)
			}
			// Exploration opens a fresh session per URL so login state
			// never leaks between sites.
			factory := func(ctx context.Context) (browser.Driver, error) {
				return rod.New(rodOpts)
			}
			explorer, err = explore.New(factory, st, lg)
			if err != nil {
				return fmt.Errorf("create explorer: %w", err)
			}
		}
	}
	router, err := ingest.New(ingest.Options{
		Docs:   docs.New(docs.Options{Chunker: ch}),
		Web:    webIng,
		Store:  st,
		Dedup:  st,
		Logger: lg,
		Tracer: telemetry.NewOTELTracer(),
	})
	if err != nil {
		return fmt.Errorf("create ingest router: %w", err)
	}

	// Video sub-pipeline. Whisper transcription goes through the OpenAI
	// client directly; frame analysis shares the chat client.
	analyzer, err := video.NewAnalyzer(chat, objects, lg)
	if err != nil {
		return fmt.Errorf("create frame analyzer: %w", err)
	}
	vid := &video.Pipeline{
		Prober:        &video.LocalProber{},
		Extractor:     &video.LocalExtractor{},
		Transcriber:   oa,
		Analyzer:      analyzer,
		FrameInterval: time.Duration(tun.FrameIntervalSeconds) * time.Second,
		Logger:        lg,
	}

	// The extractor bank, in registered order. The workflow addresses
	// extractors by name through the bank.
	bank := extract.NewBank(lg,
		extract.NewScreenExtractor(st, lg),
		extract.NewTaskExtractor(chat, st, lg),
		extract.NewActionExtractor(st, lg),
		extract.NewTransitionExtractor(st, lg),
		extract.NewBusinessFunctionExtractor(chat, st, lg),
		extract.NewWorkflowExtractor(chat, st, lg),
		extract.NewFlowSynthesizer(st, lg),
	)

	acts := &pipeline.ActivityContext{
		Store:       st,
		Objects:     objects,
		Idempotency: st,
		Checkpoints: st,
		Router:      router,
		Video:       vid,
		Analyzer:    analyzer,
		Bank:        bank,
		Linker:      linker.New(st, lg),
		Verifier:    verify.New(st, lg),
		Explorer:    explorer,
		Logger:      lg,
	}

	// Temporal engine: client, workflow/activity registration and the base
	// worker on the task queue.
	engine, err := pipeline.NewEngine(pipeline.Options{
		ClientOptions: &client.Options{HostPort: temporalAddr, Namespace: temporalNS},
		WorkerOptions: pipeline.WorkerOptions{TaskQueue: taskQueue},
		Activities:    acts,
		Logger:        lg,
	})
	if err != nil {
		return fmt.Errorf("create pipeline engine: %w", err)
	}
	defer engine.Close()
	engine.Start()

	// Scale additional worker slots with the activity backlog.
	scaler, err := pipeline.NewAutoscaler(
		&pipeline.TemporalQueueStats{Client: engine.Client(), Queue: taskQueue},
		func() (pipeline.WorkerHandle, error) {
			w := worker.New(engine.Client(), taskQueue, worker.Options{})
			pipeline.Register(w, acts)
			return workerSlot{w}, nil
		},
		pipeline.AutoscalerOptions{
			MinWorkers:       tun.MinWorkers,
			MaxWorkers:       tun.MaxWorkers,
			BacklogPerWorker: tun.BacklogPerWorker,
		},
		lg,
	)
	if err != nil {
		return fmt.Errorf("create autoscaler: %w", err)
	}
	scalerDone := make(chan error, 1)
	go func() { scalerDone <- scaler.Run(ctx) }()

	// REST server.
	server, err := api.New(api.Options{
		Engine:  engine,
		Store:   st,
		Pingers: pingers,
		Logger:  lg,
		Debug:   debug,
	})
	if err != nil {
		return fmt.Errorf("create api server: %w", err)
	}
	httpServer := &http.Server{Addr: httpAddr, Handler: server.Handler()}
	httpDone := make(chan error, 1)
	go func() { httpDone <- httpServer.ListenAndServe() }()
	lg.Info(ctx, "opskb started",
		"http_addr", httpAddr, "task_queue", taskQueue, "temporal", temporalAddr, "mongo_db", mongoDB)

	select {
	case <-ctx.Done():
	case err := <-httpDone:
		return fmt.Errorf("http server: %w", err)
	}

	// Shutdown: stop accepting requests, then stop the workers.
	lg.Info(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		lg.Error(ctx, "http shutdown", "err", err)
	}
	if err := <-scalerDone; err != nil && !errors.Is(err, context.Canceled) {
		lg.Error(ctx, "autoscaler stopped", "err", err)
	}
	return nil
}

// workerSlot adapts a Temporal worker to the autoscaler's handle.
type workerSlot struct {
	w worker.Worker
}

func (s workerSlot) Start() error { return s.w.Start() }
func (s workerSlot) Stop()        { s.w.Stop() }

var _ pipeline.WorkerHandle = workerSlot{}

// tunables are the pipeline knobs the optional OPSKB_CONFIG YAML file
// overrides. Zero values keep each component's default.
type tunables struct {
	ChunkMaxTokens       int     `yaml:"chunk_max_tokens"`
	LLMRatePerSec        float64 `yaml:"llm_rate_per_sec"`
	LLMBurst             int     `yaml:"llm_burst"`
	FrameIntervalSeconds int     `yaml:"frame_interval_seconds"`
	ObjstoreTTLHours     int     `yaml:"objstore_ttl_hours"`
	MinWorkers           int     `yaml:"min_workers"`
	MaxWorkers           int     `yaml:"max_workers"`
	BacklogPerWorker     int64   `yaml:"backlog_per_worker"`
}

func loadTunables(path string) (tunables, error) {
	t := tunables{LLMRatePerSec: 2, LLMBurst: 4}
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("parse config %s: %w", path, err)
	}
	return t, nil
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
