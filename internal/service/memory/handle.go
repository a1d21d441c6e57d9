package memory

import (
	"context"
	"log"
	"sync"

	"golang.org/x/sync/singleflight"
)

// State of a memory handle.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	default:
		return "uninitialized"
	}
}

// Handle owns one session's connection to the memory service.
//
// uninitialized -> initializing -> ready; ready -> uninitialized on Clear;
// initializing -> uninitialized when the factory fails.
type Handle struct {
	factory Factory

	mu      sync.Mutex
	state   State
	backend Backend
	// 每次 Clear 自增，用于丢弃 Clear 之前发起的初始化结果
	generation uint64

	group singleflight.Group
}

// NewHandle 创建一个未初始化的句柄。
func NewHandle(factory Factory) *Handle {
	return &Handle{factory: factory}
}

// Acquire returns the ready backend, initializing it if necessary.
// Concurrent callers share a single initialization attempt.
func (h *Handle) Acquire(ctx context.Context) (Backend, error) {
	h.mu.Lock()
	if h.state == StateReady {
		backend := h.backend
		h.mu.Unlock()
		return backend, nil
	}
	h.mu.Unlock()

	v, err, _ := h.group.Do("acquire", func() (any, error) {
		h.mu.Lock()
		if h.state == StateReady {
			backend := h.backend
			h.mu.Unlock()
			return backend, nil
		}
		h.state = StateInitializing
		gen := h.generation
		h.mu.Unlock()

		backend, err := h.factory(ctx)

		h.mu.Lock()
		defer h.mu.Unlock()
		if gen != h.generation {
			// 初始化期间被 Clear，结果作废
			return nil, ErrNoMemoryHandle
		}
		if err != nil {
			h.state = StateUninitialized
			log.Printf("[memory] handle initialization failed: %v", err)
			return nil, err
		}
		h.state = StateReady
		h.backend = backend
		return backend, nil
	})
	if err != nil {
		return nil, err
	}
	backend, _ := v.(Backend)
	return backend, nil
}

// Current 返回已就绪的后端，不会触发初始化。
func (h *Handle) Current() Backend {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateReady {
		return nil
	}
	return h.backend
}

// State reports the current lifecycle state.
func (h *Handle) State() State {
	if h == nil {
		return StateUninitialized
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Clear invalidates the handle; the next Acquire builds a fresh backend.
func (h *Handle) Clear() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = StateUninitialized
	h.backend = nil
	h.generation++
}
