package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/FumingPower3925/qpackd/internal/h2/transport"
	"github.com/FumingPower3925/qpackd/pkg/qpack"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// serve command flags
var (
	serveAddr          string
	serveMetricsAddr   string
	serveTableCapacity uint32
	serveTimeout       time.Duration
	serveMulticore     bool
	serveEventLoops    int
	serveMaxQueued     uint32
	serveVerbose       bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Decode header blocks sent over HTTP/2 framing",
	Long: `Accept connections that open with the HTTP/2 preface. Every HEADERS
block is decoded as a QPACK header block against the connection's table and
answered with the decoded fields, or with RST_STREAM when it fails.`,
	Example: `  qpackd serve
  qpackd serve --addr :9000 --table-capacity 8192 --timeout 2s`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":9000", "Listen address")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", ":9090", "Prometheus metrics address (empty disables)")
	serveCmd.Flags().Uint32Var(&serveTableCapacity, "table-capacity", 4096, "Dynamic table capacity in bytes")
	serveCmd.Flags().DurationVar(&serveTimeout, "timeout", qpack.DefaultLookupTimeout, "Bound on waiting for a dynamic entry or deletion")
	serveCmd.Flags().BoolVar(&serveMulticore, "multicore", true, "Run one event loop per CPU")
	serveCmd.Flags().IntVar(&serveEventLoops, "event-loops", 0, "Number of event loops (0 uses the default)")
	serveCmd.Flags().Uint32Var(&serveMaxQueued, "max-queued-bytes", transport.DefaultMaxQueuedBytes, "Decoded bytes a connection may hold for blocked streams")
	serveCmd.Flags().BoolVarP(&serveVerbose, "verbose", "v", false, "Log decode errors")
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := log.New(os.Stderr, "qpackd ", log.LstdFlags)

	decoder := qpack.DefaultConfig()
	decoder.TableCapacity = serveTableCapacity
	decoder.LookupTimeout = serveTimeout
	if serveVerbose {
		decoder.Logger = logger
	}

	server := transport.NewServer(transport.Config{
		Addr:           serveAddr,
		Multicore:      serveMulticore,
		NumEventLoop:   serveEventLoops,
		ReusePort:      true,
		Logger:         logger,
		MaxQueuedBytes: serveMaxQueued,
		Decoder:        decoder,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(server.Start)

	var metrics *http.Server
	if serveMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metrics = &http.Server{
			Addr:              serveMetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Printf("Serving metrics on %s", serveMetricsAddr)
			if err := metrics.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if metrics != nil {
			_ = metrics.Shutdown(shutdownCtx)
		}
		return server.Stop(shutdownCtx)
	})

	return g.Wait()
}
