package gpt

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// guidNamespace seeds all derived GUIDs. Fixed, so identical label and
// timestamp inputs produce identical disks.
var guidNamespace = uuid.MustParse("1edc44d8-f12b-45e1-ae39-0d0bd648c5c3")

// DeriveGUID produces a stable GUID for the given role on a disk
// identified by label and build timestamp.
func DeriveGUID(label string, timestamp int64, role string) uuid.UUID {
	return uuid.NewSHA1(guidNamespace, []byte(fmt.Sprintf("%s|%d|%s", label, timestamp, role)))
}

// encodeGUID converts a UUID to the mixed-endian on-disk form: the first
// three groups are little endian, the rest big endian.
func encodeGUID(u uuid.UUID) [16]byte {
	var b [16]byte
	binary.LittleEndian.PutUint32(b[0:4], binary.BigEndian.Uint32(u[0:4]))
	binary.LittleEndian.PutUint16(b[4:6], binary.BigEndian.Uint16(u[4:6]))
	binary.LittleEndian.PutUint16(b[6:8], binary.BigEndian.Uint16(u[6:8]))
	copy(b[8:16], u[8:16])

	return b
}

// decodeGUID is the inverse of encodeGUID.
func decodeGUID(b [16]byte) uuid.UUID {
	var u uuid.UUID
	binary.BigEndian.PutUint32(u[0:4], binary.LittleEndian.Uint32(b[0:4]))
	binary.BigEndian.PutUint16(u[4:6], binary.LittleEndian.Uint16(b[4:6]))
	binary.BigEndian.PutUint16(u[6:8], binary.LittleEndian.Uint16(b[6:8]))
	copy(u[8:16], b[8:16])

	return u
}
