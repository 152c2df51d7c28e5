package filelock

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"

	"github.com/google/uuid"

	"github.com/calvinalkan/persistcache/pkg/fs"
)

// ownerInfo is published by the exclusive holder so contenders can name the
// owner in timeout errors and ask it to release.
//
// Record layout at ownerInfoOffset:
//
//	u16 payload length | u32 crc32(payload) | payload
//
// payload:
//
//	u32 pid | i32 port | u64 lock id | [16]byte instance | u16 len | operation
//
// A zero length means no owner is published. Contenders read the record
// without holding the lock, so a torn write shows up as a checksum mismatch
// and is treated as "unknown owner".
type ownerInfo struct {
	pid       int
	port      int
	lockID    uint64
	instance  uuid.UUID
	operation string
}

const (
	ownerHeaderSize   = 6
	ownerFixedPayload = 4 + 4 + 8 + 16 + 2
	maxOperationLen   = 1024
)

func (o ownerInfo) encode() []byte {
	op := o.operation
	if len(op) > maxOperationLen {
		op = op[:maxOperationLen]
	}

	payload := make([]byte, ownerFixedPayload+len(op))
	binary.BigEndian.PutUint32(payload[0:4], uint32(o.pid))
	binary.BigEndian.PutUint32(payload[4:8], uint32(int32(o.port)))
	binary.BigEndian.PutUint64(payload[8:16], o.lockID)
	copy(payload[16:32], o.instance[:])
	binary.BigEndian.PutUint16(payload[32:34], uint16(len(op)))
	copy(payload[34:], op)

	buf := make([]byte, ownerHeaderSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(payload)))
	binary.BigEndian.PutUint32(buf[2:6], crc32.ChecksumIEEE(payload))
	copy(buf[ownerHeaderSize:], payload)

	return buf
}

// decodeOwnerInfo parses the owner record from the full lock file content.
func decodeOwnerInfo(content []byte) (ownerInfo, bool) {
	if int64(len(content)) < ownerInfoOffset+ownerHeaderSize {
		return ownerInfo{}, false
	}

	rec := content[ownerInfoOffset:]
	n := int(binary.BigEndian.Uint16(rec[0:2]))

	if n < ownerFixedPayload || len(rec) < ownerHeaderSize+n {
		return ownerInfo{}, false
	}

	payload := rec[ownerHeaderSize : ownerHeaderSize+n]
	if crc32.ChecksumIEEE(payload) != binary.BigEndian.Uint32(rec[2:6]) {
		return ownerInfo{}, false
	}

	opLen := int(binary.BigEndian.Uint16(payload[32:34]))
	if ownerFixedPayload+opLen != n {
		return ownerInfo{}, false
	}

	var instance uuid.UUID
	copy(instance[:], payload[16:32])

	return ownerInfo{
		pid:       int(binary.BigEndian.Uint32(payload[0:4])),
		port:      int(int32(binary.BigEndian.Uint32(payload[4:8]))),
		lockID:    binary.BigEndian.Uint64(payload[8:16]),
		instance:  instance,
		operation: string(payload[34:]),
	}, true
}

func writeOwnerInfo(f fs.File, o ownerInfo) error {
	rec := o.encode()
	if _, err := f.WriteAt(rec, ownerInfoOffset); err != nil {
		return err
	}

	return f.Truncate(ownerInfoOffset + int64(len(rec)))
}

func clearOwnerInfo(f fs.File) error {
	return f.Truncate(ownerInfoOffset)
}

// readOwnerInfo reads the owner record of the lock file at path without
// locking it.
func readOwnerInfo(fsys fs.FS, path string) (ownerInfo, bool) {
	content, err := fsys.ReadFile(path)
	if err != nil {
		return ownerInfo{}, false
	}

	return decodeOwnerInfo(content)
}

// readState reads the state region through the locked descriptor.
func readState(f fs.File, protocol stateProtocol) (mutableState, bool, error) {
	buf := make([]byte, stateRegionSize)

	n, err := f.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}

	state, ok := protocol.decode(buf[:n])

	return state, ok, nil
}

func writeState(f fs.File, protocol stateProtocol, s mutableState) error {
	if _, err := f.WriteAt(protocol.encode(s), 0); err != nil {
		return err
	}

	return f.Sync()
}
