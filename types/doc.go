// Copyright (c) Rendezvous Authors.
// Licensed under the MIT License.

/*
Package types provides the shared type definitions of the rendezvous library.

# Overview

types is the lowest-level public package. It depends on nothing inside the
module and gives the rendezvous core, the transfer protocol, and the bridge
a single vocabulary for payload values and errors, avoiding import cycles.

# Core types

  - Value / ElementKind — transfer payload: flat bytes for fixed-width
    elements or individually sized byte strings for variable-width ones,
    plus the logical shape
  - Error / ErrorCode   — structured error taxonomy with cause chaining

# Capabilities

  - Error tooling: NewError, WithCause / WithKey / WithRetryable builders,
    GetErrorCode, IsCode, IsRetryable
  - Value validation: shape/element consistency checks, TotalBytes and
    NumElements accounting used by the slicing plan
*/
package types
