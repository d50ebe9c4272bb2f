// Copyright (c) Rendezvous Authors.
// Licensed under the MIT License.

/*
Package bridge carries rendezvous exchanges between processes over a
WebSocket connection.

# Overview

The bridge has two halves. Server exposes a rendezvous.Table on an HTTP
endpoint: each WebSocket connection speaks a small JSON frame protocol
(send, recv, cancel, abort, result) against the server's table. Client
dials that endpoint and implements rendezvous.Table itself, so senders,
receivers, and the transfer package run unchanged against a remote table:

	client, err := bridge.Dial(ctx, bridge.ClientConfig{URL: url}, logger)
	if err != nil {
		...
	}
	defer client.Close()

	sender, err := transfer.NewSender(cfg, client, logger)

# Semantics over the wire

Send blocks until the server acknowledges the deposit, so a nil return
means the envelope is owned by the remote table. RecvAsync registers the
callback locally and resolves it exactly once: from the server's result
frame, from ctx cancellation (a cancel frame tells the server to
deregister the waiter), or from connection loss, whichever comes first.
Cancellation is racy by nature; when a cancel crosses a matched result in
flight the result is dropped, exactly as an in-process waiter that gave
up never sees its envelope.

Connection loss resolves every pending operation with UNAVAILABLE. The
bridge never reconnects transparently: a one-shot exchange cannot be
retried safely without the caller deciding what a lost envelope means.
*/
package bridge
