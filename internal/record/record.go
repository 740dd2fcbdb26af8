// Copyright The Gpuscope Authors
// SPDX-License-Identifier: Apache-2.0

// Package record defines the buffered record shape flowing out of the
// interception engine's completion callbacks, and the drop-oldest ring
// the tracing service buffers records in.
package record

import "github.com/platformbuilds/gpuscope/internal/hsa"

// Category is the high half of a record header's discriminant.
type Category uint32

const (
	CategoryBufferTracing Category = iota + 1
	CategoryCounters
)

// Kind is the low half of a record header's discriminant.
type Kind uint32

const (
	KindKernelDispatch Kind = iota + 1
	KindMemoryCopy
)

// Header is the generic 64-bit record discriminant: category in the
// high 32 bits, kind in the low 32.
type Header uint64

func NewHeader(c Category, k Kind) Header {
	return Header(uint64(c)<<32 | uint64(k))
}

func (h Header) Category() Category { return Category(h >> 32) }
func (h Header) Kind() Kind         { return Kind(h & 0xffffffff) }

// Dispatch is one completed-dispatch trace record. Everything in it
// is observable at the completion callback: the agent, the native
// queue handle, and the runtime's timestamps.
type Dispatch struct {
	Header        Header
	Agent         uint64
	AgentName     string
	Queue         hsa.QueueHandle
	CorrelationID uint64
	KernelName    string
	Bytes         uint64
	StartNS       uint64
	EndNS         uint64
}

// FromDispatch assembles a trace record from a completed dispatch.
func FromDispatch(agent hsa.Agent, queue hsa.QueueHandle, d *hsa.Dispatch) Dispatch {
	kind := KindKernelDispatch
	if d.Kind == hsa.MemoryCopy {
		kind = KindMemoryCopy
	}
	return Dispatch{
		Header:        NewHeader(CategoryBufferTracing, kind),
		Agent:         agent.Handle,
		AgentName:     agent.Name,
		Queue:         queue,
		CorrelationID: d.CorrelationID,
		KernelName:    d.KernelName,
		Bytes:         d.Bytes,
		StartNS:       d.StartNS,
		EndNS:         d.EndNS,
	}
}
