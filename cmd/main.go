package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"mcroute/internal/conf"
	"mcroute/internal/flog"
	"mcroute/internal/proxy"
	"mcroute/internal/router"

	"github.com/spf13/cobra"
)

const configPath = "./proxy.json"

var rootCmd = &cobra.Command{
	Use:           "mcroute",
	Short:         "Dual-transport routing proxy for Minecraft-style servers",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	rt := router.New()
	loader := conf.NewLoader(configPath)

	cfg, err := loader.Sync(rt)
	if err != nil {
		return fmt.Errorf("cannot load %s: %w", configPath, err)
	}

	level, _ := flog.ParseLevel(cfg.LogLevel)
	flog.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	udpSock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: int(cfg.UDPPort)})
	if err != nil {
		return fmt.Errorf("bind udp port %d: %w", cfg.UDPPort, err)
	}
	flog.Infof("udp relay listening on 0.0.0.0:%d", cfg.UDPPort)
	go func() {
		if err := proxy.NewUDP(udpSock, rt).Run(ctx); err != nil {
			flog.Errorf("udp relay: %v", err)
		}
	}()

	go loader.Watch(ctx, rt)

	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4zero, Port: int(cfg.TCPPort)})
	if err != nil {
		return fmt.Errorf("bind tcp port %d: %w", cfg.TCPPort, err)
	}
	flog.Infof("tcp proxy listening on 0.0.0.0:%d", cfg.TCPPort)
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		inbound, err := ln.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil {
				flog.Infof("shutting down")
				return nil
			}
			flog.Errorf("accept: %v", err)
			continue
		}
		go func() {
			peer := inbound.RemoteAddr()
			if err := proxy.NewTCP(inbound, rt).Run(); err != nil {
				flog.Errorf("%s: connection closed: %v", peer, err)
			}
		}()
	}
}
