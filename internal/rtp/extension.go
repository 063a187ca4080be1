package rtp

import (
	"encoding/binary"
	"fmt"

	"github.com/zsiec/airstream/internal/media"
)

// ExtensionProfile identifies the vendor header extension carried on the
// first packet of each access unit ("AS" in ASCII).
const ExtensionProfile = 0x4153

// extensionVersion is the extension payload layout version.
const extensionVersion = 1

// maxExtensionMetadata bounds the metadata blob so the extension always
// fits a single packet alongside payload.
const maxExtensionMetadata = 1024

// MarshalExtension encodes the access-unit extension payload: layout
// version, sync-type hint, and the opaque per-AU metadata blob supplied by
// the application. The result is padded to the 32-bit boundary the RTP
// extension header requires.
func MarshalExtension(hint media.SyncType, metadata []byte) ([]byte, error) {
	if len(metadata) > maxExtensionMetadata {
		return nil, fmt.Errorf("%w: metadata %d bytes exceeds %d",
			media.ErrBadParameters, len(metadata), maxExtensionMetadata)
	}

	n := 4 + len(metadata)
	padded := (n + 3) &^ 3
	payload := make([]byte, padded)
	payload[0] = extensionVersion
	payload[1] = byte(hint)
	binary.BigEndian.PutUint16(payload[2:4], uint16(len(metadata)))
	copy(payload[4:], metadata)
	return payload, nil
}

// ParseExtension decodes an access-unit extension payload. Unknown layout
// versions and truncated payloads are rejected; callers treat a parse
// failure as "no extension".
func ParseExtension(payload []byte) (media.SyncType, []byte, error) {
	if len(payload) < 4 {
		return media.SyncNone, nil, fmt.Errorf("%w: extension payload %d bytes",
			media.ErrBadParameters, len(payload))
	}
	if payload[0] != extensionVersion {
		return media.SyncNone, nil, fmt.Errorf("%w: extension version %d",
			media.ErrBadParameters, payload[0])
	}
	hint := media.SyncType(payload[1])
	if hint < media.SyncNone || hint > media.SyncPIRStart {
		hint = media.SyncNone
	}
	metaLen := int(binary.BigEndian.Uint16(payload[2:4]))
	if 4+metaLen > len(payload) {
		return media.SyncNone, nil, fmt.Errorf("%w: extension metadata truncated",
			media.ErrBadParameters)
	}
	var metadata []byte
	if metaLen > 0 {
		metadata = make([]byte, metaLen)
		copy(metadata, payload[4:4+metaLen])
	}
	return hint, metadata, nil
}
