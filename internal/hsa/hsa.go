// Copyright The Gpuscope Authors
// SPDX-License-Identifier: Apache-2.0

// Package hsa defines the boundary with the GPU compute runtime: agent
// descriptors, queue handles, dispatch packets, and the hookable
// queue-lifecycle provider through which queue creation and destruction
// can be intercepted.
package hsa

import "fmt"

// AgentType distinguishes host processors from accelerators.
type AgentType int

const (
	AgentTypeHost AgentType = iota
	AgentTypeAccelerator
)

func (t AgentType) String() string {
	switch t {
	case AgentTypeHost:
		return "host"
	case AgentTypeAccelerator:
		return "accelerator"
	}
	return fmt.Sprintf("agent_type(%d)", int(t))
}

// Agent describes one hardware execution unit known to the runtime.
// Agents are enumerated once at runtime bring-up and are immutable for
// the process lifetime.
type Agent struct {
	// Handle is the runtime's opaque numeric identifier for the agent.
	Handle uint64
	Type   AgentType
	Name   string

	// Queue construction limits reported by the runtime.
	MaxQueueSize uint32
	NumComputeUnits uint32
}

// QueueHandle identifies one live hardware queue. The runtime guarantees
// a handle is not reused while a queue with that handle is still live.
type QueueHandle uint64

// QueueType mirrors the runtime's queue type field.
type QueueType uint32

const (
	QueueTypeMulti  QueueType = 0
	QueueTypeSingle QueueType = 1
)

// Status is the runtime's call status. StatusSuccess is zero.
type Status int

const (
	StatusSuccess Status = iota
	StatusError
	StatusErrorInvalidAgent
	StatusErrorInvalidQueue
	StatusErrorOutOfResources
	StatusErrorFatal
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	case StatusErrorInvalidAgent:
		return "invalid_agent"
	case StatusErrorInvalidQueue:
		return "invalid_queue"
	case StatusErrorOutOfResources:
		return "out_of_resources"
	case StatusErrorFatal:
		return "fatal"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ErrorCallback is the application-supplied queue error callback,
// preserved verbatim by any queue substitution.
type ErrorCallback func(status Status, queue QueueHandle, data any)

// QueueConfig carries every argument of the runtime's native queue
// creation call, so an intercepted creation is indistinguishable from a
// native one to the caller.
type QueueConfig struct {
	Size               uint32
	Type               QueueType
	ErrorCallback      ErrorCallback
	UserData           any
	PrivateSegmentSize uint32
	GroupSegmentSize   uint32
}

// CreateQueueFn is the signature of the runtime's queue-create entry
// point. On success the new queue's handle is written to *out.
type CreateQueueFn func(agent Agent, cfg QueueConfig, out *QueueHandle) Status

// DestroyQueueFn is the signature of the runtime's queue-destroy entry point.
type DestroyQueueFn func(handle QueueHandle) Status

// Queue is one live hardware queue as exposed by the provider.
type Queue interface {
	Handle() QueueHandle
	// Submit enqueues one dispatch. It returns once the packet is
	// accepted; completion is signalled through the dispatch itself.
	Submit(d *Dispatch) error
	Close() error
}

// Provider abstracts the runtime's dispatch table. It owns agent
// enumeration, raw queue construction, and the two hookable
// queue-lifecycle entry points.
type Provider interface {
	// EachAgent invokes fn for every enumerated agent, in enumeration
	// order, stopping at the first error.
	EachAgent(fn func(Agent) error) error

	// OpenQueue constructs a raw queue on the given agent, bypassing
	// any installed hooks. This is the capability the interception
	// layer uses to build the queues it wraps.
	OpenQueue(agent Agent, cfg QueueConfig) (Queue, error)

	// Bind publishes q as the queue the application reaches through
	// its handle, replacing whatever was bound there. The interception
	// layer uses this to substitute a wrapped queue for the raw one
	// without the handle changing.
	Bind(q Queue)

	// Install overwrites the create/destroy entry points with the given
	// hooks. Restore puts the native entry points back.
	Install(create CreateQueueFn, destroy DestroyQueueFn)
	Restore()

	// CreateQueue and DestroyQueue are the application-facing entry
	// points; they route through whatever hooks are installed.
	CreateQueue(agent Agent, cfg QueueConfig, out *QueueHandle) Status
	DestroyQueue(handle QueueHandle) Status

	// Submit is the application-facing submission entry point: work
	// flows to whatever queue is bound to the handle.
	Submit(handle QueueHandle, d *Dispatch) error
}
