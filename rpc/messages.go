// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc

// Full method names of the storage-agent service. The agent protocol
// itself is out of scope here; these are the handles passed to
// Client.Call.
const (
	MethodListPools         = "/mayastor.Mayastor/ListPools"
	MethodCreatePool        = "/mayastor.Mayastor/CreatePool"
	MethodDestroyPool       = "/mayastor.Mayastor/DestroyPool"
	MethodListReplicas      = "/mayastor.Mayastor/ListReplicas"
	MethodCreateReplica     = "/mayastor.Mayastor/CreateReplica"
	MethodDestroyReplica    = "/mayastor.Mayastor/DestroyReplica"
	MethodShareReplica      = "/mayastor.Mayastor/ShareReplica"
	MethodListNexus         = "/mayastor.Mayastor/ListNexus"
	MethodCreateNexus       = "/mayastor.Mayastor/CreateNexus"
	MethodDestroyNexus      = "/mayastor.Mayastor/DestroyNexus"
	MethodPublishNexus      = "/mayastor.Mayastor/PublishNexus"
	MethodUnpublishNexus    = "/mayastor.Mayastor/UnpublishNexus"
	MethodAddChildNexus     = "/mayastor.Mayastor/AddChildNexus"
	MethodRemoveChildNexus  = "/mayastor.Mayastor/RemoveChildNexus"
	MethodStatReplicas      = "/mayastor.Mayastor/StatReplicas"
)

// ShareProtocol is the export protocol of a replica or nexus.
type ShareProtocol string

const (
	ShareNone  ShareProtocol = "none"
	ShareIscsi ShareProtocol = "iscsi"
	ShareNvmf  ShareProtocol = "nvmf"
)

// PoolState is a pool state as reported by the agent.
type PoolState string

const (
	PoolOnline   PoolState = "online"
	PoolDegraded PoolState = "degraded"
	PoolFaulted  PoolState = "faulted"
	PoolOffline  PoolState = "offline"
	PoolPending  PoolState = "pending"
)

// ReplicaState is a replica state as reported by the agent.
type ReplicaState string

const (
	ReplicaOnline   ReplicaState = "online"
	ReplicaDegraded ReplicaState = "degraded"
	ReplicaOffline  ReplicaState = "offline"
)

// NexusState is a nexus state as reported by the agent.
type NexusState string

const (
	NexusOnline   NexusState = "online"
	NexusDegraded NexusState = "degraded"
	NexusFaulted  NexusState = "faulted"
	NexusOffline  NexusState = "offline"
)

// ChildState is the state of one nexus child.
type ChildState string

const (
	ChildOnline   ChildState = "online"
	ChildDegraded ChildState = "degraded"
	ChildFaulted  ChildState = "faulted"
)

// Null is the empty argument record.
type Null struct{}

// Pool is the wire snapshot of a disk pool.
type Pool struct {
	Name     string    `json:"name"`
	Disks    []string  `json:"disks"`
	State    PoolState `json:"state"`
	Capacity uint64    `json:"capacity"`
	Used     uint64    `json:"used"`
}

// Replica is the wire snapshot of a replica.
type Replica struct {
	UUID  string        `json:"uuid"`
	Pool  string        `json:"pool"`
	Size  uint64        `json:"size"`
	Thin  bool          `json:"thin"`
	Share ShareProtocol `json:"share"`
	URI   string        `json:"uri"`
	State ReplicaState  `json:"state"`
}

// Child is the wire snapshot of one nexus child.
type Child struct {
	URI             string     `json:"uri"`
	State           ChildState `json:"state"`
	RebuildProgress int        `json:"rebuildProgress"`
}

// Nexus is the wire snapshot of a nexus.
type Nexus struct {
	UUID      string     `json:"uuid"`
	Size      uint64     `json:"size"`
	State     NexusState `json:"state"`
	Children  []Child    `json:"children"`
	DeviceURI string     `json:"deviceUri"`
	Rebuilds  uint32     `json:"rebuilds"`
}

// ReplicaStat carries the I/O counters of one replica.
type ReplicaStat struct {
	UUID         string `json:"uuid"`
	Pool         string `json:"pool"`
	NumReadOps   uint64 `json:"numReadOps"`
	NumWriteOps  uint64 `json:"numWriteOps"`
	BytesRead    uint64 `json:"bytesRead"`
	BytesWritten uint64 `json:"bytesWritten"`
}

// ListPoolsReply is the result of MethodListPools.
type ListPoolsReply struct {
	Pools []Pool `json:"pools"`
}

// ListReplicasReply is the result of MethodListReplicas.
type ListReplicasReply struct {
	Replicas []Replica `json:"replicas"`
}

// ListNexusReply is the result of MethodListNexus.
type ListNexusReply struct {
	NexusList []Nexus `json:"nexusList"`
}

// CreatePoolArgs are the arguments of MethodCreatePool.
type CreatePoolArgs struct {
	Name  string   `json:"name"`
	Disks []string `json:"disks"`
}

// DestroyPoolArgs are the arguments of MethodDestroyPool.
type DestroyPoolArgs struct {
	Name string `json:"name"`
}

// CreateReplicaArgs are the arguments of MethodCreateReplica.
type CreateReplicaArgs struct {
	UUID  string        `json:"uuid"`
	Pool  string        `json:"pool"`
	Size  uint64        `json:"size"`
	Thin  bool          `json:"thin"`
	Share ShareProtocol `json:"share"`
}

// DestroyReplicaArgs are the arguments of MethodDestroyReplica.
type DestroyReplicaArgs struct {
	UUID string `json:"uuid"`
}

// ShareReplicaArgs are the arguments of MethodShareReplica. Sharing
// with ShareNone reverts the replica to local-only access.
type ShareReplicaArgs struct {
	UUID  string        `json:"uuid"`
	Share ShareProtocol `json:"share"`
}

// ShareReplicaReply is the result of MethodShareReplica.
type ShareReplicaReply struct {
	URI string `json:"uri"`
}

// CreateNexusArgs are the arguments of MethodCreateNexus.
type CreateNexusArgs struct {
	UUID     string   `json:"uuid"`
	Size     uint64   `json:"size"`
	Children []string `json:"children"`
}

// DestroyNexusArgs are the arguments of MethodDestroyNexus.
type DestroyNexusArgs struct {
	UUID string `json:"uuid"`
}

// PublishNexusArgs are the arguments of MethodPublishNexus.
type PublishNexusArgs struct {
	UUID  string        `json:"uuid"`
	Key   string        `json:"key"`
	Share ShareProtocol `json:"share"`
}

// PublishNexusReply is the result of MethodPublishNexus.
type PublishNexusReply struct {
	DeviceURI string `json:"deviceUri"`
}

// UnpublishNexusArgs are the arguments of MethodUnpublishNexus.
type UnpublishNexusArgs struct {
	UUID string `json:"uuid"`
}

// AddChildNexusArgs are the arguments of MethodAddChildNexus.
type AddChildNexusArgs struct {
	UUID      string `json:"uuid"`
	URI       string `json:"uri"`
	NoRebuild bool   `json:"norebuild"`
}

// RemoveChildNexusArgs are the arguments of MethodRemoveChildNexus.
type RemoveChildNexusArgs struct {
	UUID string `json:"uuid"`
	URI  string `json:"uri"`
}

// StatReplicasReply is the result of MethodStatReplicas.
type StatReplicasReply struct {
	Stats []ReplicaStat `json:"stats"`
}
