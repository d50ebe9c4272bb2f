// Copyright (c) Rendezvous Authors.
// Licensed under the MIT License.

/*
Package transfer moves arbitrarily large values through a rendezvous table
as a fixed sequence of independently keyed exchanges.

# Protocol

Every transfer instance is addressed by a key prefix (source endpoint,
source incarnation, destination endpoint, channel name) plus a FrameIter
discriminator, and proceeds in phases, each phase under the prefix with its
own suffix:

 1. total bytes — an 8-byte scalar; a dead envelope here ends the transfer
 2. direct data — the whole encoded value, when it fits one slice
 3. shape — the dims vector (slicing path only)
 4. per-element sizes — variable-width values only
 5. data slices — flat byte ranges, or per-element envelopes with
    sub-slicing for oversized elements

The sender and receiver derive identical key sequences independently, so
either side may run ahead: envelopes for phases the receiver has not
reached yet simply wait in the table.

# Usage

Build one Sender or Receiver per logical edge from a Config, then call
Send or Recv once per FrameIter. Phase receives honor Config.Timeout and
the caller's context; a dead send is represented by a nil *types.Value on
both sides.
*/
package transfer
