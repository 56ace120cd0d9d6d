package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/engeenity/snakemq-pubsub/internal/core/transport"
	"github.com/engeenity/snakemq-pubsub/internal/pubsub"
)

func main() {
	brokerAddr := flag.String("broker", "", "broker multiaddr including /p2p/ peer id (required)")
	keyFile := flag.String("identity-key", "", "identity key file, keeps subscriptions tied to one peer id across restarts")
	ttl := flag.Duration("ttl", transport.DefaultTTL, "command delivery time to live")
	flag.Parse()

	channels := flag.Args()
	if *brokerAddr == "" || len(channels) == 0 {
		fmt.Fprintln(os.Stderr, "usage: subscribe -broker <multiaddr> channel [channel ...]")
		os.Exit(2)
	}

	brokerID, err := transport.PeerFromAddr(*brokerAddr)
	if err != nil {
		log.Fatalf("broker address: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	link, err := transport.NewLibp2pLink(ctx, transport.Libp2pOptions{
		Dial:            []string{*brokerAddr},
		IdentityKeyFile: *keyFile,
	})
	if err != nil {
		log.Fatalf("create transport: %v", err)
	}

	sub, err := pubsub.NewSubscriber(link, brokerID, func(_ string, payload []byte) {
		timestamp := time.Now().Format(time.RFC3339)
		fmt.Printf("%s %s\n", timestamp, payload)
	}, pubsub.ClientOptions{TTL: *ttl})
	if err != nil {
		log.Fatalf("start subscriber: %v", err)
	}
	defer sub.Close()

	for _, channel := range channels {
		if err := sub.Subscribe(channel); err != nil {
			log.Fatalf("subscribe %s: %v", channel, err)
		}
	}
	log.Printf("peer %s subscribed to %s", link.Identity(), strings.Join(channels, ", "))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
}
