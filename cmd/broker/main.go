package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/engeenity/snakemq-pubsub/internal/brokerapi"
	"github.com/engeenity/snakemq-pubsub/internal/config"
	"github.com/engeenity/snakemq-pubsub/internal/core/transport"
	"github.com/engeenity/snakemq-pubsub/internal/pubsub"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	listen := flag.String("listen", "", "comma-separated listen multiaddrs (overrides config)")
	adminAddr := flag.String("admin", "", "admin http listen address (overrides config)")
	keyFile := flag.String("identity-key", "", "identity key file (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *listen != "" {
		cfg.Node.ListenAddrs = strings.Split(*listen, ",")
	}
	if *adminAddr != "" {
		cfg.Broker.AdminAddr = *adminAddr
	}
	if *keyFile != "" {
		cfg.Node.IdentityKeyFile = *keyFile
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	link, err := transport.NewLibp2pLink(ctx, transport.Libp2pOptions{
		ListenAddrs:     cfg.Node.ListenAddrs,
		IdentityKeyFile: cfg.Node.IdentityKeyFile,
	})
	if err != nil {
		log.Fatalf("create transport: %v", err)
	}

	broker, err := pubsub.NewBroker(link, pubsub.BrokerOptions{
		TTL: time.Duration(cfg.Broker.MessageTTLSeconds) * time.Second,
	})
	if err != nil {
		log.Fatalf("start broker: %v", err)
	}
	defer broker.Close()

	log.Printf("broker identity %s", broker.Identity())
	for _, addr := range link.Addrs() {
		log.Printf("listening on %s", addr)
	}

	mux := http.NewServeMux()
	brokerapi.NewServer(broker).Register(mux)
	adminSrv := &http.Server{Addr: cfg.Broker.AdminAddr, Handler: mux}
	go func() {
		log.Printf("admin api on %s", cfg.Broker.AdminAddr)
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("admin api: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("admin api shutdown: %v", err)
	}
}
