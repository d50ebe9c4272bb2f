// Copyright (c) Rendezvous Authors.
// Licensed under the MIT License.

/*
Package rendezvous implements a keyed table of one-shot channels for passing
payloads between producers and consumers that do not share a call stack.

# Overview

A producer deposits exactly one envelope under a string key; a consumer
retrieves it by the same key. Either side may arrive first: the table holds
the envelope, or the consumer's continuation, until the other side shows up.
Send never blocks waiting for a consumer. Consumption is either asynchronous
(RecvAsync with a callback) or synchronous (Recv, a blocking adapter with
context cancellation and deadline support). StartAbort fails every pending
and future operation at once.

# Keys

Keys name one logical edge and one concrete execution of it:

	src_endpoint;src_incarnation;dst_endpoint;channel_name;frame_id:iter_id

CreateKey formats a key, ParseKey validates and decomposes one, and Prefix
precomputes the per-edge head so per-transfer keys derive cheaply. Tables
accept only ParsedKey, so a malformed string never reaches channel state.

# Implementations

New returns the in-process table: sharded per-key locking, callback handoff
to a worker pool, context-aware waiter deregistration. The bridge package
speaks the same Table interface to a remote process. Backends additionally
implement AliasSender and BatchReceiver when they can support zero-copy
deposits and multi-key completion natively.
*/
package rendezvous
