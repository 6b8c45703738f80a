// Package stream implements the stream module (spec §4.4): the bridge
// between guest reader/writer handles and host-side async byte streams.
// It is the mechanism by which bulk data crosses the sandbox boundary —
// the nested-client module's CallRaw, for one, hands connection halves to
// this module rather than shuttling bodies through one giant syscall.
package stream

import (
	"bytes"
	"io"
	"sync"

	"github.com/ulag-bulag-village/ipwis/errs"
	"github.com/ulag-bulag-village/ipwis/interrupt"
	"github.com/ulag-bulag-village/ipwis/log"
	"github.com/ulag-bulag-village/ipwis/resource"
	"github.com/ulag-bulag-village/ipwis/wire"
)

// ModuleID is this module's InterruptId.
const ModuleID interrupt.ID = "ipwis_modules_stream"

type opcode string

const (
	opReaderNew      opcode = "reader_new"
	opReaderNext     opcode = "reader_next"
	opReaderRelease  opcode = "reader_release"
	opWriterNext     opcode = "writer_next"
	opWriterFlush    opcode = "writer_flush"
	opWriterShutdown opcode = "writer_shutdown"
	opWriterRelease  opcode = "writer_release"
)

type request struct {
	Op  opcode             `json:"op"`
	ID  resource.ID        `json:"id,omitempty"`
	Buf interrupt.ExternData `json:"buf,omitempty"`
}

type response struct {
	ID resource.ID `json:"id,omitempty"`
	N  uint32      `json:"n,omitempty"`
}

// readerEntry adapts an arbitrary io.Reader into a released resource.
type readerEntry struct {
	r io.Reader
}

func (e *readerEntry) Release() error {
	if c, ok := e.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// flusher and shutdowner are the optional lifecycle hooks a writer sink may
// implement. A plain io.Writer (e.g. a bytes.Buffer) implements neither,
// and WriterFlush/WriterShutdown are then no-ops.
type flusher interface{ Flush() error }
type shutdowner interface{ Shutdown() error }

type writerEntry struct {
	w io.Writer
}

func (e *writerEntry) Release() error {
	if c, ok := e.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Module is the stateless factory the interrupt manager registers. Every
// task gets its own Handler (and therefore its own reader/writer tables) on
// first use.
type Module struct {
	logger   log.Logger
	counters Counters
}

// Counters lets an embedder observe aggregate bytes moved through every
// task's stream handler, e.g. to drive a process metric. Both fields may
// be left nil, in which case byte movement goes unobserved.
type Counters struct {
	OnRead  func(n int)
	OnWrite func(n int)
}

// NewModule returns the stream Module.
func NewModule(logger log.Logger) *Module {
	return &Module{logger: log.OrNop(logger)}
}

// NewModuleWithCounters is NewModule plus byte-movement observation, used
// by embedders that expose a metrics surface (e.g. kernel.New).
func NewModuleWithCounters(logger log.Logger, counters Counters) *Module {
	return &Module{logger: log.OrNop(logger), counters: counters}
}

func (m *Module) ID() interrupt.ID { return ModuleID }

func (m *Module) SpawnHandler() interrupt.Handler {
	return newHandler(m.logger, m.counters)
}

// Handler is per-task state: two resource stores (readers, writers) guarded
// by their own mutex. It deliberately does not rely solely on the outer
// per-task handler-state lock: the nested-client module's CallRaw reaches
// into a Handler's NewReader/NewWriter directly (to register connection
// halves) from outside the normal HandleRaw dispatch path, so the table
// pair must be safe to touch from both paths at once.
type Handler struct {
	logger   log.Logger
	counters Counters

	mu      sync.Mutex
	readers *resource.Store[*readerEntry]
	writers *resource.Store[*writerEntry]
}

// NewHandler returns an empty Handler with no byte-movement observation.
func NewHandler(logger log.Logger) *Handler {
	return newHandler(logger, Counters{})
}

func newHandler(logger log.Logger, counters Counters) *Handler {
	return &Handler{
		logger:   log.OrNop(logger),
		counters: counters,
		readers:  resource.New[*readerEntry](),
		writers:  resource.New[*writerEntry](),
	}
}

// NewReader registers r as a host-side reader and returns its handle. Used
// both by ReaderNew (wrapping a copied guest buffer) and by other modules
// handing the stream module a host-originated byte source (e.g. a peer
// connection's read half).
func (h *Handler) NewReader(r io.Reader) resource.ID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.readers.Put(&readerEntry{r: r})
}

// NewWriter registers w as a host-side writer and returns its handle.
func (h *Handler) NewWriter(w io.Writer) resource.ID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.writers.Put(&writerEntry{w: w})
}

// HandleRaw dispatches one of the seven stream opcodes.
func (h *Handler) HandleRaw(mem interrupt.Memory, input []byte) ([]byte, error) {
	var req request
	if err := wire.Decode(input, &req); err != nil {
		return nil, err
	}

	switch req.Op {
	case opReaderNew:
		return h.readerNew(mem, req)
	case opReaderNext:
		return h.readerNext(mem, req)
	case opReaderRelease:
		return h.readerRelease(req)
	case opWriterNext:
		return h.writerNext(mem, req)
	case opWriterFlush:
		return h.writerFlush(req)
	case opWriterShutdown:
		return h.writerShutdown(req)
	case opWriterRelease:
		return h.writerRelease(req)
	default:
		return nil, errs.Newf(errs.Unsupported, "stream: unknown opcode %q", req.Op)
	}
}

func (h *Handler) readerNew(mem interrupt.Memory, req request) ([]byte, error) {
	data, err := mem.Load(req.Buf)
	if err != nil {
		return nil, err
	}
	// Copy: the view mem.Load hands back is only valid for this syscall,
	// and wazero may relocate a guest's linear memory on growth, so a
	// reader that outlives the call cannot safely alias it.
	owned := make([]byte, len(data))
	copy(owned, data)

	id := h.NewReader(bytes.NewReader(owned))
	return wire.Encode(response{ID: id})
}

func (h *Handler) readerNext(mem interrupt.Memory, req request) ([]byte, error) {
	h.mu.Lock()
	entry, err := h.readers.Get(req.ID)
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}

	dst, err := mem.LoadMut(req.Buf)
	if err != nil {
		return nil, err
	}

	n, err := entry.r.Read(dst)
	if err != nil && err != io.EOF {
		return nil, errs.Wrap(errs.IO, "stream: reader read", err)
	}
	if h.counters.OnRead != nil && n > 0 {
		h.counters.OnRead(n)
	}
	return wire.Encode(response{N: uint32(n)})
}

func (h *Handler) readerRelease(req request) ([]byte, error) {
	h.mu.Lock()
	err := h.readers.ReleaseOne(req.ID)
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return wire.Encode(response{})
}

func (h *Handler) writerNext(mem interrupt.Memory, req request) ([]byte, error) {
	h.mu.Lock()
	entry, err := h.writers.Get(req.ID)
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}

	src, err := mem.Load(req.Buf)
	if err != nil {
		return nil, err
	}

	n, err := entry.w.Write(src)
	if err != nil {
		return nil, errs.Wrap(errs.IO, "stream: writer write", err)
	}
	if h.counters.OnWrite != nil && n > 0 {
		h.counters.OnWrite(n)
	}
	return wire.Encode(response{N: uint32(n)})
}

func (h *Handler) writerFlush(req request) ([]byte, error) {
	h.mu.Lock()
	entry, err := h.writers.Get(req.ID)
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if f, ok := entry.w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return nil, errs.Wrap(errs.IO, "stream: writer flush", err)
		}
	}
	return wire.Encode(response{})
}

func (h *Handler) writerShutdown(req request) ([]byte, error) {
	h.mu.Lock()
	entry, err := h.writers.Get(req.ID)
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if s, ok := entry.w.(shutdowner); ok {
		if err := s.Shutdown(); err != nil {
			return nil, errs.Wrap(errs.IO, "stream: writer shutdown", err)
		}
	} else if c, ok := entry.w.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return nil, errs.Wrap(errs.IO, "stream: writer shutdown", err)
		}
	}
	return wire.Encode(response{})
}

func (h *Handler) writerRelease(req request) ([]byte, error) {
	h.mu.Lock()
	err := h.writers.ReleaseOne(req.ID)
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return wire.Encode(response{})
}

// Release drains both tables. Called once by the owning task's
// InterruptHandlerState on termination; errors are logged here and the
// first one is also returned.
func (h *Handler) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	if err := h.readers.Release(); err != nil {
		h.logger.Warnf("stream: reader release: %v", err)
		firstErr = err
	}
	if err := h.writers.Release(); err != nil {
		h.logger.Warnf("stream: writer release: %v", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
