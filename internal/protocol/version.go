package protocol

import "fmt"

// Protocol versions pack major into the upper 16 bits and minor into the
// lower 16. Peers are compatible iff majors are equal and the remote
// minor does not exceed the local minor.

// Version is the protocol version this host speaks.
const Version uint32 = 1 << 16 // 1.0

// CombineVersion packs a major and minor into a version value.
func CombineVersion(major, minor uint16) uint32 {
	return uint32(major)<<16 | uint32(minor)
}

// ParseVersion splits a version value into major and minor.
func ParseVersion(v uint32) (major, minor uint16) {
	return uint16(v >> 16), uint16(v & 0xFFFF)
}

// Compatible reports whether a remote peer at remote can talk to a local
// peer at local.
func Compatible(local, remote uint32) bool {
	localMajor, localMinor := ParseVersion(local)
	remoteMajor, remoteMinor := ParseVersion(remote)
	return localMajor == remoteMajor && remoteMinor <= localMinor
}

// FormatVersion renders a version as "major.minor".
func FormatVersion(v uint32) string {
	major, minor := ParseVersion(v)
	return fmt.Sprintf("%d.%d", major, minor)
}
