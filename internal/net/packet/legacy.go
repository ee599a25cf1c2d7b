package packet

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

// Legacy server-list ping (the 0xFE probe predating VarInt framing).
// Strings on that frame are UTF-16BE with a big-endian length prefix in
// UTF-16 code units.

var utf16be = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

// EncodeLegacyKick builds the legacy 0xFF kick frame carrying the
// §-separated status fields the old ping format expects.
func EncodeLegacyKick(versionName, motd string, online, max int) ([]byte, error) {
	payload := strings.Join([]string{
		"§1",
		"127", // legacy protocol version marker
		versionName,
		motd,
		fmt.Sprintf("%d", online),
		fmt.Sprintf("%d", max),
	}, "\x00")

	encoded, err := utf16be.NewEncoder().Bytes([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("encode legacy status: %w", err)
	}

	out := make([]byte, 0, 3+len(encoded))
	out = append(out, 0xFF)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(encoded)/2))
	out = append(out, lenBuf[:]...)
	out = append(out, encoded...)
	return out, nil
}

// DecodeLegacyString converts UTF-16BE bytes from a legacy frame to UTF-8.
func DecodeLegacyString(raw []byte) string {
	decoded, err := utf16be.NewDecoder().Bytes(raw)
	if err != nil {
		return string(raw) // fallback to raw bytes
	}
	return string(decoded)
}
