// Command server runs the IMAP front end: the listener, the metrics
// endpoint and the shared mailbox infrastructure.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"relay/internal/blobstorage"
	"relay/internal/conf"
	"relay/internal/metrics"
	"relay/internal/notify"
	"relay/internal/registry"
	"relay/internal/server"
	"relay/internal/store"
	"relay/internal/vault"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	dbPath := flag.String("db", "relay.db", "path to the SQLite database")
	flag.Parse()

	var cfg *conf.Config
	var err error
	if *configPath != "" {
		cfg, err = conf.LoadConfigFile(*configPath)
	} else {
		cfg, err = conf.LoadConfig()
	}
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	var blobs store.BlobStore
	if cfg.BlobStorage.Enabled {
		blobs, err = blobstorage.NewS3BlobStorage(cfg.BlobStorage)
		if err != nil {
			log.Fatalf("failed to initialize blob storage: %v", err)
		}
	}

	st, err := store.Open(*dbPath, blobs)
	if err != nil {
		log.Fatalf("failed to open mailbox store: %v", err)
	}
	defer func() { _ = st.Close() }()

	reg := prometheus.NewRegistry()
	mc := metrics.NewPrometheusCollector(reg)

	v := vault.New(st, mc)
	defer v.Close()

	imap := server.New(server.Options{
		Store:                 st,
		Vault:                 v,
		Registry:              registry.New(),
		Bus:                   notify.New(),
		Metrics:               mc,
		ServerName:            cfg.ServerName,
		MaxConnectionsPerUser: cfg.MaxConnectionsPerUser,
		SessionTimeout:        cfg.SessionTimeout(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", cfg.ListenAddr, err)
	}
	log.Printf("IMAP server listening on %s", cfg.ListenAddr)

	g.Go(func() error {
		<-ctx.Done()
		return listener.Close()
	})

	g.Go(func() error {
		for {
			nc, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			go imap.HandleConnection(ctx, nc)
		}
	})

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

		g.Go(func() error {
			log.Printf("metrics endpoint listening on %s", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Fatalf("server exited: %v", err)
	}
	log.Println("server stopped")
}
