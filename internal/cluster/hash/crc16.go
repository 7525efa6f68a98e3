// Package hash maps keys to cluster hash slots.
package hash

import (
	"strconv"
	"strings"

	"github.com/howeyc/crc16"
)

// SlotCount is the number of hash slots the key space is split into.
const SlotCount = 16384

// CRC16 returns the CRC16-XMODEM checksum of data: the CCITT polynomial
// 0x1021 without reflection, starting from zero.
func CRC16(data []byte) uint16 {
	return crc16.Update(0, crc16.CCITTFalseTable, data)
}

// KeySlot returns the slot of key. If the key contains a non-empty {tag},
// only the tag is hashed so related keys land in the same slot.
func KeySlot(key string) uint16 {
	return CRC16([]byte(hashTag(key))) & (SlotCount - 1)
}

// KeySlotBytes is KeySlot for a byte slice key.
func KeySlotBytes(key []byte) uint16 {
	return KeySlot(string(key))
}

func hashTag(key string) string {
	start := strings.IndexByte(key, '{')
	if start < 0 {
		return key
	}
	end := strings.IndexByte(key[start+1:], '}')
	if end <= 0 {
		return key
	}
	return key[start+1 : start+1+end]
}

// KeyForSlot returns the first key of the form prefix-N that hashes to slot.
func KeyForSlot(prefix string, slot uint16) (string, bool) {
	buf := make([]byte, 0, len(prefix)+12)
	for i := 0; i < 1<<20; i++ {
		buf = append(buf[:0], prefix...)
		buf = append(buf, '-')
		buf = strconv.AppendInt(buf, int64(i), 10)
		if KeySlotBytes(buf) == slot {
			return string(buf), true
		}
	}
	return "", false
}
