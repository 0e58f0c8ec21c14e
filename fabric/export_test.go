// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package fabric

// StopQueue kills the node's work queue while leaving the connection
// in place, exposing the window between a shutdown and the next
// caller noticing it.
func (n *Node) StopQueue() {
	n.mu.RLock()
	queue := n.queue
	n.mu.RUnlock()
	queue.Kill()
	_ = queue.Wait()
}
