package net

import "encoding/binary"

const (
	ArpHeaderSize = 28

	ArpRequest uint16 = 1
	ArpReply   uint16 = 2

	htypeEthernet uint16 = 1
	ptypeIPv4     uint16 = 0x0800
	hlenEthernet  uint8  = 6
	plenIPv4      uint8  = 4
)

// ArpPacket is a parsed ARP message.
type ArpPacket struct {
	HType, PType       uint16
	HLen, PLen         uint8
	Operation          uint16
	SHA                [6]byte
	SPA                [4]byte
	THA                [6]byte
	TPA                [4]byte
}

func ParseArpPacket(data []byte) (ArpPacket, bool) {
	if len(data) < ArpHeaderSize {
		return ArpPacket{}, false
	}
	p := ArpPacket{
		HType:     binary.BigEndian.Uint16(data[0:2]),
		PType:     binary.BigEndian.Uint16(data[2:4]),
		HLen:      data[4],
		PLen:      data[5],
		Operation: binary.BigEndian.Uint16(data[6:8]),
	}
	if p.HType != htypeEthernet || p.PType != ptypeIPv4 || p.HLen != hlenEthernet || p.PLen != plenIPv4 {
		return ArpPacket{}, false
	}
	copy(p.SHA[:], data[8:14])
	copy(p.SPA[:], data[14:18])
	copy(p.THA[:], data[18:24])
	copy(p.TPA[:], data[24:28])
	return p, true
}

func (p ArpPacket) IsForOurIP(ourIP [4]byte) bool { return p.TPA == ourIP }

// BuildArpPacket writes an ARP message into buffer and returns the
// number of bytes written (0 if buffer is too small).
func BuildArpPacket(buffer []byte, operation uint16, ourMAC [6]byte, ourIP [4]byte, targetMAC [6]byte, targetIP [4]byte) int {
	if len(buffer) < ArpHeaderSize {
		return 0
	}
	binary.BigEndian.PutUint16(buffer[0:2], htypeEthernet)
	binary.BigEndian.PutUint16(buffer[2:4], ptypeIPv4)
	buffer[4] = hlenEthernet
	buffer[5] = plenIPv4
	binary.BigEndian.PutUint16(buffer[6:8], operation)
	copy(buffer[8:14], ourMAC[:])
	copy(buffer[14:18], ourIP[:])
	copy(buffer[18:24], targetMAC[:])
	copy(buffer[24:28], targetIP[:])
	return ArpHeaderSize
}

// ArpCacheSize / ArpTimeoutTicks mirror the original kernel's bounds: a
// small fixed cache with a five-minute (at 100 Hz) expiry per entry.
const (
	ArpCacheSize    = 16
	ArpTimeoutTicks = 5 * 60 * 100
)

type arpEntry struct {
	ip        [4]byte
	mac       [6]byte
	timestamp uint64
	valid     bool
}

// ArpCache is a small, fixed-size IP→MAC cache with oldest-entry
// eviction, matching the original kernel's cache shape (spec §6.4
// supplemented feature: ARP resolution with pending-request retry).
type ArpCache struct {
	entries [ArpCacheSize]arpEntry
}

func NewArpCache() *ArpCache { return &ArpCache{} }

// Lookup returns the cached MAC for ip if present and not expired as of
// now (in timer ticks).
func (c *ArpCache) Lookup(ip [4]byte, now uint64) ([6]byte, bool) {
	for _, e := range c.entries {
		if e.valid && e.ip == ip && now-e.timestamp < ArpTimeoutTicks {
			return e.mac, true
		}
	}
	return [6]byte{}, false
}

// Update records or refreshes ip→mac, evicting the oldest entry if the
// cache is full and ip is not already present.
func (c *ArpCache) Update(ip [4]byte, mac [6]byte, now uint64) {
	for i := range c.entries {
		if c.entries[i].valid && c.entries[i].ip == ip {
			c.entries[i].mac = mac
			c.entries[i].timestamp = now
			return
		}
	}
	oldest := 0
	oldestTime := ^uint64(0)
	for i, e := range c.entries {
		if !e.valid {
			oldest = i
			break
		}
		if e.timestamp < oldestTime {
			oldestTime = e.timestamp
			oldest = i
		}
	}
	c.entries[oldest] = arpEntry{ip: ip, mac: mac, timestamp: now, valid: true}
}

// ExpireOldEntries invalidates every entry older than ArpTimeoutTicks.
func (c *ArpCache) ExpireOldEntries(now uint64) {
	for i := range c.entries {
		if c.entries[i].valid && now-c.entries[i].timestamp >= ArpTimeoutTicks {
			c.entries[i].valid = false
		}
	}
}
