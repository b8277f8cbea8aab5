// Copyright 2026 The Pico Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/mypico/pico-continuous/lib/authconfig"
	"github.com/mypico/pico-continuous/lib/handshake"
	"github.com/mypico/pico-continuous/lib/handshake/handshaketest"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		socketPath  string
		configDir   string
		serviceName string
		lockCommand string
		basePort    int
		devEngine   bool
		verbose     bool
	)

	flag.StringVar(&socketPath, "socket", DefaultSocketPath, "unix socket path for the IPC server")
	flag.StringVar(&configDir, "config-dir", authconfig.DefaultConfigDir, "directory holding keys, users.txt, bluetooth.txt and config.txt")
	flag.StringVar(&serviceName, "service-name", DefaultServiceName, "display name used in invitation codes")
	flag.StringVar(&lockCommand, "lock-command", DefaultLockCommand, "command invoked as '<command> <username>' when a continuous session ends")
	flag.IntVar(&basePort, "stream-base-port", DefaultStreamBasePort, "base port for the stream channel's numbered channels")
	flag.BoolVar(&devEngine, "dev-engine", false, "use the built-in plaintext handshake engine (DEVELOPMENT ONLY, not an authentication protocol)")
	flag.BoolVar(&verbose, "verbose", false, "log at debug level")
	flag.Parse()

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if devEngine {
		logger.Warn("using the development handshake engine; sessions are NOT cryptographically authenticated")
		handshaketest.Install()
	}
	factory := handshake.DefaultFactory()
	if factory == nil {
		return fmt.Errorf("no handshake engine registered; link an engine package or pass --dev-engine")
	}

	daemon, err := NewDaemon(logger, Options{
		SocketPath:     socketPath,
		ConfigDir:      ensureTrailingSlash(configDir),
		ServiceName:    serviceName,
		LockCommand:    lockCommand,
		StreamBasePort: basePort,
		Factory:        factory,
	})
	if err != nil {
		return err
	}
	return daemon.Run()
}

func ensureTrailingSlash(dir string) string {
	if dir == "" || dir[len(dir)-1] == '/' {
		return dir
	}
	return dir + "/"
}
