package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/whisper/presence-relay/internal/messaging"
	"github.com/whisper/presence-relay/internal/protocol"
	"github.com/whisper/presence-relay/internal/wsclient"
)

const defaultURL = "ws://localhost:8080/ws"

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func connect(ctx context.Context, url, user string) (*wsclient.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	c, err := wsclient.Dial(dialCtx, url, user)
	if err != nil {
		return nil, err
	}

	// The relay always greets a new connection with the online snapshot.
	if _, err := c.Expect(dialCtx, protocol.TypeGetOnlineUsers); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// runWatch prints every event until interrupted.
func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	url := fs.String("url", defaultURL, "WebSocket server URL")
	user := fs.String("user", "", "User id to connect as (empty = anonymous observer)")
	fs.Parse(args)

	ctx, stop := signalContext()
	defer stop()

	c, err := wsclient.Dial(ctx, *url, *user)
	if err != nil {
		return err
	}
	defer c.Close()

	fmt.Printf("connected to %s as %q, press Ctrl+C to stop\n", *url, *user)
	for {
		e, err := c.Next(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s  %s\n", time.Now().Format("15:04:05.000"), e.Raw)
	}
}

// runSend sends one message and waits for the relay to confirm it.
func runSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	url := fs.String("url", defaultURL, "WebSocket server URL")
	user := fs.String("user", "probe", "Sender user id")
	to := fs.String("to", "", "Receiver user id")
	text := fs.String("text", "hello from relayprobe", "Message text")
	timeout := fs.Duration("timeout", 5*time.Second, "How long to wait for messageConfirmed")
	fs.Parse(args)

	if *to == "" {
		return errors.New("-to is required")
	}

	ctx, stop := signalContext()
	defer stop()

	c, err := connect(ctx, *url, *user)
	if err != nil {
		return err
	}
	defer c.Close()

	start := time.Now()
	if err := c.SendMessage(*to, *text); err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	for {
		e, err := c.Next(waitCtx)
		if err != nil {
			return err
		}
		switch e.Type {
		case protocol.TypeMessageConfirmed:
			fmt.Printf("confirmed in %s: %s\n", time.Since(start).Round(time.Microsecond), e.Raw)
			return nil
		case protocol.TypeError, protocol.TypeRateLimited:
			return fmt.Errorf("rejected: %s", e.Raw)
		}
	}
}

// runTyping sends typing=true, waits, then sends typing=false.
func runTyping(args []string) error {
	fs := flag.NewFlagSet("typing", flag.ExitOnError)
	url := fs.String("url", defaultURL, "WebSocket server URL")
	user := fs.String("user", "probe", "Sender user id")
	to := fs.String("to", "", "Receiver user id")
	pause := fs.Duration("pause", 1*time.Second, "Time between typing=true and typing=false (0 = let it expire)")
	fs.Parse(args)

	if *to == "" {
		return errors.New("-to is required")
	}

	ctx, stop := signalContext()
	defer stop()

	c, err := connect(ctx, *url, *user)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Typing(*to, true); err != nil {
		return err
	}
	fmt.Printf("typing to %s\n", *to)

	if *pause <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(*pause):
	}

	if err := c.Typing(*to, false); err != nil {
		return err
	}
	fmt.Printf("stopped typing to %s\n", *to)
	return nil
}

// runSaturate opens N user connections with bounded concurrency, then
// reports connect latency percentiles and the online count the relay saw.
func runSaturate(args []string) error {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", defaultURL, "WebSocket server URL")
	users := fs.Int("users", 100, "Number of user connections to open")
	concurrency := fs.Int("concurrency", 20, "Maximum simultaneous connection attempts")
	hold := fs.Duration("hold", 5*time.Second, "How long to keep the connections open")
	fs.Parse(args)

	ctx, stop := signalContext()
	defer stop()

	fmt.Printf("Saturate: %d users to %s (concurrency=%d, hold=%s)\n", *users, *url, *concurrency, *hold)

	var (
		mu        sync.Mutex
		clients   []*wsclient.Client
		latencies []time.Duration
		failures  int
	)
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	start := time.Now()
	for i := 0; i < *users && ctx.Err() == nil; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			c, err := connect(ctx, *url, fmt.Sprintf("probe-%d", i))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				return
			}
			clients = append(clients, c)
			latencies = append(latencies, c.Metrics().ConnectLatency)
		}(i)
	}
	wg.Wait()

	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	fmt.Printf("Connected %d/%d in %s (%d failures)\n",
		len(clients), *users, time.Since(start).Round(time.Millisecond), failures)
	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		fmt.Printf("Connect latency: p50=%s p95=%s p99=%s max=%s\n",
			percentile(latencies, 0.50), percentile(latencies, 0.95),
			percentile(latencies, 0.99), latencies[len(latencies)-1])
	}

	select {
	case <-ctx.Done():
	case <-time.After(*hold):
	}

	if len(clients) > 0 {
		online, err := lastOnlineCount(clients[0])
		if err == nil {
			fmt.Printf("Relay reports %d users online\n", online)
		}
	}
	return nil
}

// lastOnlineCount drains c's queue and returns the size of the newest
// snapshot seen.
func lastOnlineCount(c *wsclient.Client) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	count := -1
	for {
		e, err := c.Expect(ctx, protocol.TypeGetOnlineUsers)
		if err != nil {
			break
		}
		var msg protocol.OnlineUsersMsg
		if err := e.Decode(&msg); err == nil {
			count = len(msg.UserIDs)
		}
	}
	if count < 0 {
		return 0, errors.New("no snapshot received")
	}
	return count, nil
}

// percentile returns the p-th percentile of sorted.
func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx].Round(time.Microsecond)
}

// runEvents subscribes to the relay's NATS subjects and prints what arrives.
func runEvents(args []string) error {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	natsURL := fs.String("nats", "nats://localhost:4222", "NATS server URL")
	fs.Parse(args)

	config := messaging.DefaultNATSConfig()
	config.URL = *natsURL
	config.Name = "relayprobe"
	client, err := messaging.NewNATSClient(config)
	if err != nil {
		return err
	}
	defer client.Close()

	printMsg := func(msg *nats.Msg) {
		fmt.Printf("%s  %-28s %s\n", time.Now().Format("15:04:05.000"), msg.Subject, msg.Data)
	}
	subjects := []string{
		messaging.SubjectPresenceOnline,
		messaging.SubjectPresenceUser + ".>",
		messaging.SubjectChatRelayed + ".>",
	}
	for _, subject := range subjects {
		if err := client.Subscribe(subject, printMsg); err != nil {
			return err
		}
	}

	ctx, stop := signalContext()
	defer stop()
	fmt.Printf("listening on %s, press Ctrl+C to stop\n", *natsURL)
	<-ctx.Done()

	// Stop delivery before the deferred Close drains the connection.
	for _, subject := range subjects {
		if err := client.Unsubscribe(subject); err != nil {
			fmt.Fprintf(os.Stderr, "unsubscribe %s: %v\n", subject, err)
		}
	}
	return nil
}
