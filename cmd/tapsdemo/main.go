// Command tapsdemo exercises a loopback TCP Listener/Initiate round trip
// against a single Runtime, as a smoke test of the wiring described in
// SPEC_FULL.md's walkthrough scenarios.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	taps "github.com/ikhovind/gotaps"
	"github.com/ikhovind/gotaps/internal/ticketstore"
)

func main() {
	logLevel := env("LOG_LEVEL", "info")
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tickets, err := ticketstore.Open(env("TICKET_STORE", ""))
	if err != nil {
		slog.Error("ticket store open", "error", err)
		os.Exit(1)
	}
	defer tickets.Close()

	rt := taps.NewRuntime()
	defer rt.Close()
	rt.Registry().Register(taps.NewTCPAdapter())
	rt.Registry().Register(taps.NewUDPAdapter())
	rt.Registry().Register(taps.NewQUICAdapter(tickets))

	port, err := strconv.Atoi(env("PORT", "9443"))
	if err != nil {
		slog.Error("invalid PORT", "error", err)
		os.Exit(1)
	}

	if err := runEchoDemo(ctx, rt, uint16(port)); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("demo failed", "error", err)
		os.Exit(1)
	}
}

// runEchoDemo binds a TCP listener on port, connects to it from the same
// process, sends one message each way, and reports the round trip.
func runEchoDemo(ctx context.Context, rt *taps.Runtime, port uint16) error {
	local := taps.NewLocalEndpoint().WithPort(port).WithAddress(net.IPv4(127, 0, 0, 1))

	serverReady := make(chan *taps.Connection, 1)
	listenerPre := rt.NewPreconnection(local, nil)
	listener, err := listenerPre.Listen(ctx, taps.ListenerCallbacks{
		ConnectionReceived: func(conn *taps.Connection) {
			slog.Info("accepted connection", "remote", conn.RemoteEndpoint())
			serverReady <- conn
		},
		ListenError: func(err error) {
			slog.Error("listen error", "error", err)
		},
	})
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer listener.Stop(ctx)

	remote := taps.NewRemoteEndpoint().WithIPv4(net.IPv4(127, 0, 0, 1)).WithPort(port)
	clientPre := rt.NewPreconnection(nil, remote)
	clientReady := make(chan struct{}, 1)
	client, err := clientPre.Initiate(ctx, taps.ConnectionCallbacks{
		Ready: func(conn *taps.Connection) error {
			clientReady <- struct{}{}
			return nil
		},
		ConnectionError: func(conn *taps.Connection, err error) error {
			slog.Error("client connection error", "error", err)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("initiate: %w", err)
	}
	defer client.Close()

	select {
	case <-clientReady:
	case <-time.After(5 * time.Second):
		return errors.New("timed out waiting for client connection")
	}

	if err := client.Send(taps.NewMessage([]byte("hello from tapsdemo"))); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	select {
	case server := <-serverReady:
		server.Receive(func(conn *taps.Connection, msg *taps.Message, err error) {
			if err != nil {
				slog.Error("receive error", "error", err)
				return
			}
			slog.Info("server received", "data", string(msg.Data))
			_ = conn.Send(taps.NewMessage([]byte("ack")))
		})
	case <-time.After(5 * time.Second):
		return errors.New("timed out waiting for accepted connection")
	}

	done := make(chan struct{})
	client.Receive(func(conn *taps.Connection, msg *taps.Message, err error) {
		if err != nil {
			slog.Error("client receive error", "error", err)
		} else {
			slog.Info("client received", "data", string(msg.Data))
		}
		close(done)
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		return errors.New("timed out waiting for ack")
	}
	return nil
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
