package filelock

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/charmbracelet/log"
)

// ReleasedSignal is handed to whenContended callbacks. The holder calls
// Trigger after it released the lock so waiting processes retry at once
// instead of at their next backoff tick.
type ReleasedSignal interface {
	Trigger()
}

// Wire format, one datagram per message:
//
//	u8 version | u8 kind | u64 lock id
const (
	wireVersion  byte = 1
	msgPing      byte = 1
	msgReleased  byte = 2
	messageBytes      = 10
)

func encodeMessage(kind byte, lockID uint64) []byte {
	buf := make([]byte, messageBytes)
	buf[0] = wireVersion
	buf[1] = kind
	binary.BigEndian.PutUint64(buf[2:], lockID)

	return buf
}

func decodeMessage(buf []byte) (kind byte, lockID uint64, ok bool) {
	if len(buf) != messageBytes || buf[0] != wireVersion {
		return 0, 0, false
	}

	return buf[1], binary.BigEndian.Uint64(buf[2:]), true
}

// contentionHandler exchanges ping and released messages over UDP on the
// loopback interface.
//
// Owners register the lock ids they hold. A ping for a registered id runs
// the owner's whenContended callback on its own goroutine; pings arriving
// while it runs are coalesced into that run. Delivery is at-least-once and
// may be late: a callback can start after the lock it was registered for has
// been closed, so callbacks must tolerate that.
//
// A released message wakes every goroutine of this process waiting in
// [Manager.Lock], whatever lock it waits for. Waking spuriously only costs
// one extra flock attempt.
type contentionHandler struct {
	logger *log.Logger

	mu         sync.Mutex
	conn       *net.UDPConn
	readerDone chan struct{}
	locks      map[uint64]*contendedLock
	released   chan struct{}
}

type contendedLock struct {
	action     func(ReleasedSignal)
	requesters map[string]*net.UDPAddr
	running    bool
}

func newContentionHandler(logger *log.Logger) *contentionHandler {
	return &contentionHandler{
		logger:   logger,
		locks:    make(map[uint64]*contendedLock),
		released: make(chan struct{}),
	}
}

func (h *contentionHandler) start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conn != nil {
		return nil
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return fmt.Errorf("starting contention listener: %w", err)
	}

	h.conn = conn
	h.readerDone = make(chan struct{})

	go h.serve(conn, h.readerDone)

	h.logger.Debug("contention listener started", "port", h.portLocked())

	return nil
}

func (h *contentionHandler) stop() {
	h.mu.Lock()
	conn, done := h.conn, h.readerDone
	h.conn = nil
	h.mu.Unlock()

	if conn == nil {
		return
	}

	_ = conn.Close()
	<-done

	h.logger.Debug("contention listener stopped")
}

// reservePort returns the listener port, or -1 when no listener runs.
func (h *contentionHandler) reservePort() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.portLocked()
}

func (h *contentionHandler) portLocked() int {
	if h.conn == nil {
		return -1
	}

	addr, ok := h.conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return -1
	}

	return addr.Port
}

func (h *contentionHandler) serve(conn *net.UDPConn, done chan struct{}) {
	defer close(done)

	buf := make([]byte, 64)

	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}

			h.logger.Debug("contention listener read failed", "err", err)

			continue
		}

		kind, lockID, ok := decodeMessage(buf[:n])
		if !ok {
			continue
		}

		switch kind {
		case msgPing:
			h.handlePing(lockID, addr)
		case msgReleased:
			h.notifyReleased()
		}
	}
}

func (h *contentionHandler) handlePing(lockID uint64, from *net.UDPAddr) {
	h.mu.Lock()

	cl, ok := h.locks[lockID]
	if !ok {
		h.mu.Unlock()
		// Not ours (anymore). Let the pinger retry right away.
		h.send(from, msgReleased, lockID)

		return
	}

	cl.requesters[from.String()] = from

	if cl.action == nil || cl.running {
		h.mu.Unlock()

		return
	}

	cl.running = true
	action := cl.action
	h.mu.Unlock()

	h.logger.Debug("lock contended", "lock_id", lockID, "from", from.String())

	go func() {
		action(releasedSignal{h: h, lockID: lockID})

		h.mu.Lock()
		cl.running = false
		h.mu.Unlock()
	}()
}

// startListening registers a held lock. action may be nil, in which case
// pings are only recorded so the holder can notify contenders on release.
func (h *contentionHandler) startListening(lockID uint64, action func(ReleasedSignal)) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.locks[lockID] = &contendedLock{
		action:     action,
		requesters: make(map[string]*net.UDPAddr),
	}
}

// stopListening unregisters lockID and tells everyone who pinged it that it
// was released.
func (h *contentionHandler) stopListening(lockID uint64) {
	h.mu.Lock()
	cl, ok := h.locks[lockID]
	delete(h.locks, lockID)
	h.mu.Unlock()

	if ok {
		h.sendAll(cl, lockID)
	}
}

func (h *contentionHandler) sendAll(cl *contendedLock, lockID uint64) {
	h.mu.Lock()
	addrs := make([]*net.UDPAddr, 0, len(cl.requesters))

	for _, a := range cl.requesters {
		addrs = append(addrs, a)
	}
	h.mu.Unlock()

	for _, a := range addrs {
		h.send(a, msgReleased, lockID)
	}
}

// ping asks the owner listening on port to release lockID. Reports whether a
// message was sent.
func (h *contentionHandler) ping(port int, lockID uint64) bool {
	if port <= 0 {
		return false
	}

	return h.send(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}, msgPing, lockID)
}

func (h *contentionHandler) send(to *net.UDPAddr, kind byte, lockID uint64) bool {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()

	if conn == nil {
		return false
	}

	if _, err := conn.WriteToUDP(encodeMessage(kind, lockID), to); err != nil {
		h.logger.Debug("contention message not sent", "to", to.String(), "err", err)

		return false
	}

	return true
}

// releasedCh returns a channel closed by the next released message.
// Callers must fetch it before their flock attempt so a message arriving in
// between is not missed.
func (h *contentionHandler) releasedCh() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.released
}

func (h *contentionHandler) notifyReleased() {
	h.mu.Lock()
	defer h.mu.Unlock()

	close(h.released)
	h.released = make(chan struct{})
}

type releasedSignal struct {
	h      *contentionHandler
	lockID uint64
}

func (s releasedSignal) Trigger() {
	s.h.mu.Lock()
	cl, ok := s.h.locks[s.lockID]
	s.h.mu.Unlock()

	if ok {
		s.h.sendAll(cl, s.lockID)
	}
}
