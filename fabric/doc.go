// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package fabric holds the control plane's cached model of the
// storage fleet: nodes, the pools, replicas and nexuses each node
// reports, and the registry that directs lifecycle events to them.
//
// Ownership is strict. A node is the sole mutator of the entities
// below it: merges run inside its sync tick and rpc-result handlers
// run inside its work queue, both under the node's entity lock.
// Everything else, the registry and the volume reconciler included,
// only reads cached state or triggers new queued operations.
package fabric

import "github.com/juju/loggo"

var logger = loggo.GetLogger("moac.fabric")
