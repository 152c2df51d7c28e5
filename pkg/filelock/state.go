package filelock

import (
	"encoding/binary"
	"math/rand/v2"
)

// LockState is an immutable snapshot of the cleanliness marker stored in a
// lock file.
type LockState interface {
	// CanDetectChanges reports whether [LockState.HasChangedSince] is
	// meaningful. The cross-version protocol cannot detect changes.
	CanDetectChanges() bool

	// IsInInitialState reports whether no holder has completed a write since
	// the lock file was created.
	IsInInitialState() bool

	// IsDirty reports whether a write was started and never completed, or
	// the file was never written at all.
	IsDirty() bool

	// HasChangedSince reports whether a write completed after other was
	// observed.
	HasChangedSince(other LockState) bool
}

// mutableState is implemented by both protocols' states. Transitions return
// a new value; states are never mutated in place.
type mutableState interface {
	LockState

	markDirty(lockID uint64) mutableState
	markClean() mutableState
}

// Lock file layout:
//
//	[0]        protocol version
//	[1, n)     state payload (protocol specific)
//	[64, ...)  owner record, see ownerinfo.go
//
// Everything before ownerInfoOffset belongs to the state region so the two
// regions never overlap regardless of protocol.
const (
	versionSequenced byte  = 3
	versionDirtyFlag byte  = 1
	sequencedPayload       = 24
	dirtyFlagPayload       = 1
	stateRegionSize        = 64
	ownerInfoOffset  int64 = stateRegionSize
)

// stateProtocol encodes and decodes the state region.
type stateProtocol interface {
	version() byte
	initial() mutableState

	// decode returns false when buf does not hold a valid state for this
	// protocol (empty, truncated, or written by the other protocol).
	decode(buf []byte) (mutableState, bool)
	encode(s mutableState) []byte
}

func protocolFor(crossVersion bool) stateProtocol {
	if crossVersion {
		return dirtyFlagProtocol{}
	}

	return sequencedProtocol{}
}

// --- sequenced (default) protocol ---

type sequencedProtocol struct{}

func (sequencedProtocol) version() byte { return versionSequenced }

func (sequencedProtocol) initial() mutableState {
	return sequencedState{creation: rand.Uint64(), sequence: -1}
}

func (sequencedProtocol) decode(buf []byte) (mutableState, bool) {
	if len(buf) < 1+sequencedPayload || buf[0] != versionSequenced {
		return nil, false
	}

	return sequencedState{
		creation: binary.BigEndian.Uint64(buf[1:9]),
		sequence: int64(binary.BigEndian.Uint64(buf[9:17])),
		owner:    binary.BigEndian.Uint64(buf[17:25]),
	}, true
}

func (sequencedProtocol) encode(s mutableState) []byte {
	st := s.(sequencedState)

	buf := make([]byte, 1+sequencedPayload)
	buf[0] = versionSequenced
	binary.BigEndian.PutUint64(buf[1:9], st.creation)
	binary.BigEndian.PutUint64(buf[9:17], uint64(st.sequence))
	binary.BigEndian.PutUint64(buf[17:25], st.owner)

	return buf
}

// sequencedState identifies the lock file by a random creation number and
// counts completed writes. A non-zero owner is the lock id of a holder that
// started a write and has not completed it.
type sequencedState struct {
	creation uint64
	sequence int64
	owner    uint64
}

func (s sequencedState) CanDetectChanges() bool { return true }
func (s sequencedState) IsInInitialState() bool { return s.sequence < 0 }
func (s sequencedState) IsDirty() bool          { return s.sequence < 0 || s.owner != 0 }

func (s sequencedState) HasChangedSince(other LockState) bool {
	o, ok := other.(sequencedState)
	if !ok {
		return true
	}

	return s.creation != o.creation || s.sequence != o.sequence
}

func (s sequencedState) markDirty(lockID uint64) mutableState {
	s.owner = lockID

	return s
}

func (s sequencedState) markClean() mutableState {
	s.sequence = max(s.sequence, 0) + 1
	s.owner = 0

	return s
}

// --- cross-version protocol ---

type dirtyFlagProtocol struct{}

func (dirtyFlagProtocol) version() byte { return versionDirtyFlag }

func (dirtyFlagProtocol) initial() mutableState {
	return dirtyFlagState{dirty: true}
}

func (dirtyFlagProtocol) decode(buf []byte) (mutableState, bool) {
	if len(buf) < 1+dirtyFlagPayload || buf[0] != versionDirtyFlag {
		return nil, false
	}

	return dirtyFlagState{dirty: buf[1] != 0}, true
}

func (dirtyFlagProtocol) encode(s mutableState) []byte {
	var flag byte
	if s.IsDirty() {
		flag = 1
	}

	return []byte{versionDirtyFlag, flag}
}

type dirtyFlagState struct {
	dirty bool
}

func (s dirtyFlagState) CanDetectChanges() bool         { return false }
func (s dirtyFlagState) IsInInitialState() bool         { return false }
func (s dirtyFlagState) IsDirty() bool                  { return s.dirty }
func (s dirtyFlagState) HasChangedSince(LockState) bool { return true }
func (s dirtyFlagState) markDirty(uint64) mutableState  { return dirtyFlagState{dirty: true} }
func (s dirtyFlagState) markClean() mutableState        { return dirtyFlagState{dirty: false} }
