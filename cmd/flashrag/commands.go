package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/knoguchi/flashrag/internal/auth"
	"github.com/knoguchi/flashrag/internal/natsrpc"
	"github.com/knoguchi/flashrag/internal/pipeline"
	"github.com/knoguchi/flashrag/internal/server"
	"github.com/nats-io/nats.go"
)

// indexChunk is the number of passages embedded and stored per call.
const indexChunk = 64

func runServe(ctx context.Context, args []string, stdout io.Writer) error {
	fs, path := newFlagSet("serve")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, logger, err := setup(*path, stdout)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	gate, gateReady, closeGate, err := newGate(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create rate limiter: %w", err)
	}
	defer closeGate()

	var jwt *auth.JWTManager
	if cfg.JWTSecret != "" {
		jwtCfg := auth.DefaultJWTConfig(cfg.JWTSecret)
		jwtCfg.Expiry = cfg.JWTExpiry
		if jwt, err = auth.NewJWTManager(jwtCfg); err != nil {
			return err
		}
	}

	readiness := map[string]server.ReadinessCheck{
		"vectorstore": func(ctx context.Context) error {
			_, err := a.retriever.Count(ctx)
			return err
		},
	}
	if gateReady != nil {
		readiness["rate_limit"] = gateReady
	}

	httpServer, err := server.NewHTTPServer(server.HTTPServerConfig{
		Addr:           cfg.HTTPAddr,
		Logger:         logger,
		AllowedOrigins: cfg.CORSOrigins,
		MaxBatchSize:   cfg.MaxBatchSize,
		Querier:        a.pipeline,
		Batch:          a.batch,
		Gate:           gate,
		Metrics:        a.metrics,
		Cache:          a.cacheAdmin(),
		Indexer:        a.retriever,
		JWT:            jwt,
		Readiness:      readiness,
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("flashrag"))
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer nc.Close()

		responder, err := natsrpc.NewResponder(nc, a.pipeline, a.batch, natsrpc.Config{
			Prefix:       cfg.NATSSubject,
			MaxInFlight:  int64(cfg.MaxWorkers) * 4,
			MaxBatchSize: cfg.MaxBatchSize,
			Gate:         gate,
			Logger:       logger,
		})
		if err != nil {
			return err
		}
		if err := responder.Start(); err != nil {
			return err
		}
		defer responder.Stop()
		readiness["nats"] = func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func runQuery(ctx context.Context, args []string, stdout io.Writer) error {
	fs, path := newFlagSet("query")
	stream := fs.Bool("stream", false, "print tokens as they arrive")
	noCache := fs.Bool("no-cache", false, "skip the semantic cache")
	asJSON := fs.Bool("json", false, "print the full result as JSON")
	viaNATS := fs.Bool("nats", false, "send the query to a running server over NATS_URL")
	clientKey := fs.String("client", "", "client key to send with -nats")
	if err := fs.Parse(args); err != nil {
		return err
	}
	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		return errors.New("query text is required")
	}
	cfg, logger, err := setup(*path, os.Stderr)
	if err != nil {
		return err
	}

	if *viaNATS {
		if cfg.NATSURL == "" {
			return errors.New("NATS_URL is not set")
		}
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("flashrag-cli"))
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer nc.Close()

		useCache := !*noCache
		reply, err := natsrpc.Request(ctx, nc, natsrpc.QuerySubject(cfg.NATSSubject), *clientKey,
			natsrpc.QueryRequest{Query: text, UseCache: &useCache}, cfg.GenerateTimeout+time.Minute)
		if err != nil {
			return err
		}
		if err := reply.Err(); err != nil {
			return err
		}
		return printResult(stdout, reply.Result, *asJSON)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	req := pipeline.Request{Text: text, UseCache: !*noCache, Stream: *stream}
	if !*stream {
		res, err := a.pipeline.Query(ctx, req)
		if err != nil {
			return err
		}
		return printResult(stdout, res, *asJSON)
	}

	for ev := range a.pipeline.Stream(ctx, req) {
		switch ev.Type {
		case pipeline.EventCacheHit:
			fmt.Fprint(stdout, ev.Result.Answer)
		case pipeline.EventToken:
			fmt.Fprint(stdout, ev.Token)
		case pipeline.EventDone:
			fmt.Fprintln(stdout)
			logger.Info("query complete",
				"source", ev.Result.Source,
				"latency_ms", ev.Result.LatencyMS,
				"reranked", ev.Result.RerankedCount,
			)
		case pipeline.EventError:
			fmt.Fprintln(stdout)
			return ev.Err
		}
	}
	return ctx.Err()
}

func printResult(w io.Writer, res *pipeline.Result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	_, err := fmt.Fprintln(w, res.Answer)
	return err
}

func runBatch(ctx context.Context, args []string, stdout io.Writer) error {
	fs, path := newFlagSet("batch")
	file := fs.String("file", "", "YAML or JSON-lines file of queries")
	noCache := fs.Bool("no-cache", false, "skip the semantic cache")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return errors.New("-file is required")
	}
	cfg, logger, err := setup(*path, os.Stderr)
	if err != nil {
		return err
	}

	queries, err := readQueries(*file)
	if err != nil {
		return err
	}
	if len(queries) > cfg.MaxBatchSize {
		return fmt.Errorf("batch of %d queries exceeds MAX_BATCH_SIZE=%d", len(queries), cfg.MaxBatchSize)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	reqs := make([]pipeline.Request, len(queries))
	for i, q := range queries {
		reqs[i] = pipeline.Request{Text: q, UseCache: !*noCache}
	}
	enc := json.NewEncoder(stdout)
	for _, item := range a.batch.Run(ctx, reqs) {
		if err := enc.Encode(item); err != nil {
			return err
		}
	}
	return nil
}

func runIndex(ctx context.Context, args []string, stdout io.Writer) error {
	fs, path := newFlagSet("index")
	file := fs.String("file", "", "JSON-lines file of passages")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return errors.New("-file is required")
	}
	cfg, logger, err := setup(*path, os.Stderr)
	if err != nil {
		return err
	}

	passages, err := readPassages(*file)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	for start := 0; start < len(passages); start += indexChunk {
		end := min(start+indexChunk, len(passages))
		if err := a.retriever.Index(ctx, passages[start:end]); err != nil {
			return err
		}
	}
	total, err := a.retriever.Count(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "indexed %d passages (%d in %s)\n", len(passages), total, cfg.DocumentCollection)
	return err
}

func runCacheClear(ctx context.Context, args []string, stdout io.Writer) error {
	fs, path := newFlagSet("cache-clear")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, logger, err := setup(*path, os.Stderr)
	if err != nil {
		return err
	}
	if !cfg.CacheEnabled {
		return errors.New("cache is disabled (CACHE_ENABLED=false)")
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	before := a.cache.Stats().Entries
	if err := a.cache.Clear(ctx); err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "cleared %d cached answers from %s\n", before, cfg.CacheCollection)
	return err
}

func runToken(_ context.Context, args []string, stdout io.Writer) error {
	fs, path := newFlagSet("token")
	subject := fs.String("subject", "", "client key the token identifies")
	name := fs.String("name", "", "optional client name")
	expiry := fs.Duration("expiry", 0, "token lifetime (default JWT_EXPIRY)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return errors.New("-subject is required")
	}
	cfg, _, err := setup(*path, os.Stderr)
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is not set")
	}

	jwtCfg := auth.DefaultJWTConfig(cfg.JWTSecret)
	jwtCfg.Expiry = cfg.JWTExpiry
	if *expiry > 0 {
		jwtCfg.Expiry = *expiry
	}
	m, err := auth.NewJWTManager(jwtCfg)
	if err != nil {
		return err
	}
	token, err := m.GenerateToken(*subject, *name)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}

func runMetrics(ctx context.Context, args []string, stdout io.Writer) error {
	fs, path := newFlagSet("metrics")
	addr := fs.String("addr", "", "server base URL (default http://localhost HTTP_ADDR)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, _, err := setup(*path, os.Stderr)
	if err != nil {
		return err
	}
	base := *addr
	if base == "" {
		base = serverURL(cfg.HTTPAddr)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(base, "/")+"/api/metrics", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch metrics: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("metrics request failed (status %d): %s", resp.StatusCode, body)
	}

	var summary map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return fmt.Errorf("failed to decode metrics: %w", err)
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

// serverURL turns a listen address into a local base URL.
func serverURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}
