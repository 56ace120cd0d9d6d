package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/engeenity/snakemq-pubsub/internal/core/transport"
	"github.com/engeenity/snakemq-pubsub/internal/pubsub"
)

func main() {
	brokerAddr := flag.String("broker", "", "broker multiaddr including /p2p/ peer id (required)")
	channel := flag.String("channel", "", "channel to publish on (required)")
	keyFile := flag.String("identity-key", "", "identity key file")
	ttl := flag.Duration("ttl", transport.DefaultTTL, "command delivery time to live")
	linger := flag.Duration("linger", 2*time.Second, "time to let queued commands flush before exit")
	flag.Parse()

	if *brokerAddr == "" || *channel == "" {
		fmt.Fprintln(os.Stderr, "usage: publish -broker <multiaddr> -channel <name> [message ...]")
		fmt.Fprintln(os.Stderr, "       with no message arguments, lines from stdin are published")
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

	pub, err := pubsub.NewPublisher(link, brokerID, pubsub.ClientOptions{TTL: *ttl})
	if err != nil {
		log.Fatalf("start publisher: %v", err)
	}
	defer pub.Close()

	if message := strings.Join(flag.Args(), " "); message != "" {
		if err := pub.Publish(*channel, message); err != nil {
			log.Fatalf("publish: %v", err)
		}
	} else {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.TrimSpace(line) == "" {
				continue
			}
			if err := pub.Publish(*channel, line); err != nil {
				log.Fatalf("publish: %v", err)
			}
		}
		if err := scanner.Err(); err != nil {
			log.Fatalf("read stdin: %v", err)
		}
	}

	// Delivery is queued and asynchronous; give the transport a moment
	// to flush before tearing the link down.
	time.Sleep(*linger)
}
