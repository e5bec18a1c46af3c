package main

import (
	"context"
	"flag"
	"os"
	"runtime/pprof"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-scalpel/internal/arch"
	"github.com/23skdu/longbow-scalpel/internal/engine"
)

var (
	modelPath     = flag.String("model", "", "Path to a .safetensors file or a .index.json shard manifest")
	comparePath   = flag.String("compare", "", "Path to a second model to align and diff against -model")
	outputPath    = flag.String("output", "", "Re-serialize the opened model to this path")
	listenAddr    = flag.String("listen", "", "Address to listen on for the HTTP server (e.g. :8080)")
	arrowOut      = flag.String("arrow-out", "", "Write the comparison report as an Arrow IPC stream to this file ('-' for stdout)")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	maxConcurrent = flag.Int("max-concurrent", 4, "Maximum concurrent shard reads and server requests")
	maxElements   = flag.Int64("max-elements", engine.DefaultMaxDiffElements, "Eager diff element ceiling per tensor")
)

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	session := engine.NewSession(engine.Options{
		MaxDiffElements: *maxElements,
		MaxConcurrent:   int64(*maxConcurrent),
	})

	if *modelPath != "" {
		start := time.Now()
		res, err := session.Open(context.Background(), *modelPath)
		if err != nil {
			log.Fatal().Err(err).Str("model", *modelPath).Msg("Failed to open model")
		}
		log.Info().
			Str("model", *modelPath).
			Int("tensors", res.TensorCount).
			Int("parameters", res.Tree.CountParameters()).
			Int("adapters", len(res.Adapters)).
			Dur("elapsed", time.Since(start)).
			Msg("Opened model")
	}

	// Server Mode
	if *listenAddr != "" {
		startServer(*listenAddr, session, *maxConcurrent)
		return
	}

	if *modelPath == "" {
		log.Fatal().Msg("Either -model or -listen is required")
	}

	if *comparePath != "" {
		start := time.Now()
		res, err := session.OpenComparison(context.Background(), *comparePath)
		if err != nil {
			log.Fatal().Err(err).Str("compare", *comparePath).Msg("Failed to open comparison model")
		}
		logComparison(res, time.Since(start))

		if *arrowOut != "" {
			w := os.Stdout
			if *arrowOut != "-" {
				f, err := os.Create(*arrowOut)
				if err != nil {
					log.Fatal().Err(err).Msg("Failed to create Arrow output file")
				}
				defer func() {
					if err := f.Close(); err != nil {
						log.Warn().Err(err).Msg("Failed to close Arrow output file")
					}
				}()
				w = f
			}
			if err := writeComparisonReport(w, res.Components); err != nil {
				log.Fatal().Err(err).Msg("Failed to write Arrow report")
			}
			log.Info().Str("path", *arrowOut).Int("rows", len(res.Components)).Msg("Wrote comparison report")
		}
	}

	if *outputPath != "" {
		start := time.Now()
		err := session.Save(context.Background(), *outputPath, func(frac float64) {
			log.Debug().Float64("progress", frac).Msg("Save progress")
		})
		if err != nil {
			log.Fatal().Err(err).Str("output", *outputPath).Msg("Failed to save model")
		}
		log.Info().Str("output", *outputPath).Dur("elapsed", time.Since(start)).Msg("Saved model")
	}
}

func logComparison(res *engine.ComparisonResult, elapsed time.Duration) {
	var matched, onlyA, onlyB, mismatched, diffed int
	for _, c := range res.Components {
		switch c.Status {
		case arch.StatusMatched:
			matched++
		case arch.StatusOnlyA:
			onlyA++
		case arch.StatusOnlyB:
			onlyB++
		}
		if c.ShapeMismatch {
			mismatched++
		}
		if c.Metrics != nil {
			diffed++
		}
	}
	log.Info().
		Int("matched", matched).
		Int("only_a", onlyA).
		Int("only_b", onlyB).
		Int("shape_mismatch", mismatched).
		Int("eager_diffs", diffed).
		Dur("elapsed", elapsed).
		Msg("Compared models")
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("scalpel"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
