// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package core holds the domain-independent building blocks of the
// control plane: the event bus and the per-owner work queue. Nothing
// in here may import the fabric, volume or rpc packages.
package core
