package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/eventmesh-client-go/internal/client"
	"github.com/rmacdonaldsmith/eventmesh-client-go/internal/membership"
	"github.com/rmacdonaldsmith/eventmesh-client-go/internal/streamlog"
	"github.com/rmacdonaldsmith/eventmesh-client-go/pkg/protocol"
	"github.com/rmacdonaldsmith/eventmesh-client-go/pkg/subscription"
)

type simulateOptions struct {
	StreamID    string
	Publisher   string
	Subscribers int
	Messages    int
	DropEvery   int
	Encrypt     bool
	RotateEvery int
	History     int
	Revoke      bool
	Wait        time.Duration
}

// simulationResult summarises a run per subscriber address.
type simulationResult struct {
	Published int
	Delivered map[string]int64
	Errors    map[string]int
	Rekeyed   []string
	Complete  bool
}

func newSimulateCommand() *cobra.Command {
	opts := simulateOptions{}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a publisher and subscribers over an in-memory stream log",
		Long: `Simulate publishes messages from one client to several subscribers through an
in-memory stream log. Dropped messages exercise gap filling, encryption exercises the group
key exchange, and --history adds a historical subscriber that replays the stream afterwards.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := loadBaseConfig()
			if err != nil {
				return err
			}
			if configPath == "" {
				base.WithGapFill(100*time.Millisecond, 500*time.Millisecond, base.MaxGapRequests).
					WithKeyRequests(500*time.Millisecond, base.MaxGroupKeyRequests)
			}
			logger, err := newLogger(cmd.ErrOrStderr(), base)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Wait+5*time.Second)
			defer cancel()

			result, err := runSimulation(ctx, base, logger, opts)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), opts, result)
			if !result.Complete {
				return fmt.Errorf("not every subscriber received all messages within %v", opts.Wait)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.StreamID, "stream", "sim", "Stream to publish on")
	cmd.Flags().StringVar(&opts.Publisher, "publisher", "publisher", "Publisher address")
	cmd.Flags().IntVar(&opts.Subscribers, "subscribers", 2, "Number of realtime subscribers")
	cmd.Flags().IntVar(&opts.Messages, "messages", 20, "Number of messages to publish")
	cmd.Flags().IntVar(&opts.DropEvery, "drop-every", 5, "Drop every Nth message from live delivery (0 drops none)")
	cmd.Flags().BoolVar(&opts.Encrypt, "encrypt", true, "Encrypt messages with group keys")
	cmd.Flags().IntVar(&opts.RotateEvery, "rotate-every", 0, "Rotate the group key every N messages (0 never)")
	cmd.Flags().IntVar(&opts.History, "history", 0, "Add a historical subscriber replaying the last N messages")
	cmd.Flags().BoolVar(&opts.Revoke, "revoke", false, "Revoke the last subscriber halfway through and rekey")
	cmd.Flags().DurationVar(&opts.Wait, "wait", 5*time.Second, "How long to wait for delivery")
	return cmd
}

// peerConfig derives one client's configuration from the shared base.
func peerConfig(base *client.Config, address string, log *streamlog.InMemoryStreamLog, logger *slog.Logger) *client.Config {
	cfg := *base
	cfg.Address = address
	cfg.Publisher = log
	cfg.Resender = log
	cfg.KeyPair = nil
	cfg.Logger = logger
	return &cfg
}

type simPeer struct {
	client *client.Client
	sub    subscription.Subscription

	mu     sync.Mutex
	errors int
}

func (p *simPeer) errorCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errors
}

func runSimulation(ctx context.Context, base *client.Config, logger *slog.Logger, opts simulateOptions) (*simulationResult, error) {
	if opts.Subscribers < 1 || opts.Messages < 1 {
		return nil, fmt.Errorf("need at least one subscriber and one message")
	}

	streamLog := streamlog.NewInMemoryStreamLog()
	defer streamLog.Close()

	published := 0
	if opts.DropEvery > 0 {
		streamLog.SetDropFunc(func(msg *protocol.StreamMessage) bool {
			if msg.MessageID.StreamID != opts.StreamID {
				return false
			}
			published++
			// a dropped final message has no successor to reveal the gap
			return published%opts.DropEvery == 0 && published < opts.Messages
		})
	}

	grants, err := membership.NewGrantOracle([]byte("simulation-secret"), timeNow)
	if err != nil {
		return nil, err
	}
	members := membership.NewCached(grants, time.Second, timeNow)

	connect := func(address string, configure func(*client.Config)) (*client.Client, error) {
		cfg := peerConfig(base, address, streamLog, logger)
		if configure != nil {
			configure(cfg)
		}
		c, err := client.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create client %s: %w", address, err)
		}
		if err := c.Start(ctx); err != nil {
			return nil, err
		}
		streamLog.Subscribe(c.KeyExchangeStreamID(), route(c))
		return c, nil
	}

	publisher, err := connect(opts.Publisher, func(cfg *client.Config) {
		cfg.WithMembership(members)
		if opts.Revoke {
			cfg.RevocationThreshold = 1
		}
	})
	if err != nil {
		return nil, err
	}
	defer publisher.Close()
	log.Printf("🚀 Publisher %s ready on stream %s", opts.Publisher, opts.StreamID)

	peers := make(map[string]*simPeer)
	addresses := make([]string, 0, opts.Subscribers)
	for i := 1; i <= opts.Subscribers; i++ {
		address := fmt.Sprintf("subscriber-%d", i)
		peer, err := subscribePeer(connect, grants, opts, address, subscription.Realtime)
		if err != nil {
			return nil, err
		}
		defer peer.client.Close()
		streamLog.Subscribe(opts.StreamID, route(peer.client))
		if err := peer.client.HandleSubscribeResponse(ctx, opts.StreamID, 0); err != nil {
			return nil, err
		}
		peers[address] = peer
		addresses = append(addresses, address)
		log.Printf("📥 Subscriber %s subscribed", address)
	}

	result := &simulationResult{
		Delivered: make(map[string]int64),
		Errors:    make(map[string]int),
	}
	revoked := ""
	for n := 1; n <= opts.Messages; n++ {
		if opts.RotateEvery > 0 && n > 1 && (n-1)%opts.RotateEvery == 0 && opts.Encrypt {
			key, err := publisher.RotateGroupKey(ctx, opts.StreamID)
			if err != nil {
				return nil, fmt.Errorf("failed to rotate group key: %w", err)
			}
			log.Printf("🔑 Rotated group key to %s", key.ID())
		}
		if opts.Revoke && revoked == "" && n > opts.Messages/2 {
			revoked = addresses[len(addresses)-1]
			grants.Revoke(opts.StreamID, revoked)
			members.Invalidate(opts.StreamID)
			rekeyed, err := publisher.CheckRevocations(ctx)
			if err != nil {
				return nil, err
			}
			result.Rekeyed = rekeyed
			log.Printf("🚫 Revoked %s, rekeyed %v", revoked, rekeyed)
		}

		content := fmt.Sprintf("message %d", n)
		if _, err := publisher.Publish(ctx, opts.StreamID, 0, []byte(content), opts.Encrypt); err != nil {
			return nil, err
		}
		result.Published++
	}
	log.Printf("📤 Published %d messages", result.Published)

	if opts.History > 0 {
		peer, err := subscribePeer(connect, grants, opts, "archive", subscription.Historical)
		if err != nil {
			return nil, err
		}
		defer peer.client.Close()
		peers["archive"] = peer
		log.Printf("📜 Archive replaying last %d messages", opts.History)
	}

	expected := func(address string) int64 {
		if address == "archive" {
			return int64(min(opts.History, opts.Messages))
		}
		return int64(opts.Messages)
	}
	done := func() bool {
		for address, peer := range peers {
			if address == revoked {
				continue
			}
			if peer.sub.Stats().Delivered < expected(address) {
				return false
			}
		}
		return true
	}

	deadline := time.NewTimer(opts.Wait)
	defer deadline.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
waiting:
	for !done() {
		select {
		case <-ticker.C:
		case <-deadline.C:
			break waiting
		case <-ctx.Done():
			break waiting
		}
	}

	result.Complete = done()
	for address, peer := range peers {
		result.Delivered[address] = peer.sub.Stats().Delivered
		result.Errors[address] = peer.errorCount()
	}
	return result, nil
}

// subscribePeer connects a subscriber that holds a grant for the stream.
func subscribePeer(connect func(string, func(*client.Config)) (*client.Client, error),
	grants *membership.GrantOracle, opts simulateOptions, address string, kind subscription.Kind) (*simPeer, error) {
	token, err := grants.Issue(opts.StreamID, address, time.Hour)
	if err != nil {
		return nil, err
	}
	if _, err := grants.Register(token); err != nil {
		return nil, err
	}

	c, err := connect(address, nil)
	if err != nil {
		return nil, err
	}
	peer := &simPeer{client: c}
	subOpts := subscription.Options{
		StreamID:  opts.StreamID,
		Kind:      kind,
		OnMessage: func(*protocol.StreamMessage) {},
		Events: subscription.Events{
			OnError: func(err error) {
				peer.mu.Lock()
				peer.errors++
				peer.mu.Unlock()
				log.Printf("⚠️  %s: %v", address, err)
			},
		},
	}
	if kind == subscription.Historical {
		subOpts.Resend = &subscription.ResendOptions{Last: opts.History}
	}
	sub, err := c.Subscribe(subOpts)
	if err != nil {
		return nil, err
	}
	peer.sub = sub
	return peer, nil
}

func route(c *client.Client) streamlog.Handler {
	return func(ctx context.Context, msg *protocol.StreamMessage) {
		if err := c.HandleMessage(ctx, msg); err != nil {
			log.Printf("❌ %s failed to handle %s: %v", c.Address(), msg.MessageID, err)
		}
	}
}

func printResult(out io.Writer, opts simulateOptions, result *simulationResult) {
	fmt.Fprintf(out, "Published: %d\n", result.Published)
	for i := 1; i <= opts.Subscribers; i++ {
		address := fmt.Sprintf("subscriber-%d", i)
		fmt.Fprintf(out, "%s: delivered %d, errors %d\n", address, result.Delivered[address], result.Errors[address])
	}
	if _, ok := result.Delivered["archive"]; ok {
		fmt.Fprintf(out, "archive: delivered %d, errors %d\n", result.Delivered["archive"], result.Errors["archive"])
	}
	if len(result.Rekeyed) > 0 {
		fmt.Fprintf(out, "Rekeyed: %v\n", result.Rekeyed)
	}
	if result.Complete {
		fmt.Fprintf(out, "✅ All subscribers caught up\n")
	}
}
