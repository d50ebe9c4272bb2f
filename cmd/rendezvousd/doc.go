// Copyright (c) Rendezvous Authors.
// Licensed under the MIT License.

/*
Package main is rendezvousd, the daemon that hosts a rendezvous table
behind the WebSocket bridge.

# Subcommands

  - serve    start the daemon
  - migrate  manage the ledger schema (up, down, status, ...)
  - version  print build information
  - health   probe a running daemon's /healthz endpoint
  - help     print usage

# Serve

serve loads the YAML configuration (see the config package), builds the
local table and mounts the bridge endpoint on the main listener next to
the health, readiness and version handlers. When enabled in the
configuration it also wires the Redis incarnation registry, the exchange
ledger (every resolved exchange becomes a row), a Prometheus /metrics
listener on a second port, and OTLP trace export.

Shutdown on SIGINT or SIGTERM aborts the table first, so every blocked
peer receives an ABORTED error before the listeners drain and the
stores close.

Build information is injected at link time:

	go build -ldflags "-X main.Version=v1.2.3 -X main.GitCommit=abc1234"
*/
package main
