package radio

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"

	"buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"google.golang.org/protobuf/proto"
)

var ErrDecrypt = errors.New("unable to decrypt payload")

// defaultPSKBase is the well-known key behind the 1-byte PSK shorthand.
var defaultPSKBase = []byte{
	0xd4, 0xf1, 0xbb, 0x3a, 0x20, 0x29, 0x07, 0x59,
	0xf0, 0xbc, 0xff, 0xab, 0xcf, 0x4e, 0x69, 0x01,
}

// ExpandPSK turns a stored channel PSK into an AES key. A single byte selects
// a variant of the well-known default key, 16 and 32 bytes are used directly.
func ExpandPSK(psk []byte) ([]byte, error) {
	switch len(psk) {
	case 0:
		return nil, fmt.Errorf("empty psk")
	case 1:
		if psk[0] == 0 {
			return nil, fmt.Errorf("psk disables encryption")
		}
		key := make([]byte, len(defaultPSKBase))
		copy(key, defaultPSKBase)
		key[len(key)-1] += psk[0] - 1

		return key, nil
	case 16, 32:
		return psk, nil
	default:
		return nil, fmt.Errorf("unsupported psk length: %d", len(psk))
	}
}

// packetNonce derives the AES-CTR nonce from the packet id and source node.
func packetNonce(packetID, fromNode uint32) []byte {
	nonce := make([]byte, 16)
	binary.LittleEndian.PutUint64(nonce[0:8], uint64(packetID))
	binary.LittleEndian.PutUint32(nonce[8:12], fromNode)

	return nonce
}

// CipherBlob runs AES-CTR over a payload; CTR mode makes this both the
// encrypt and decrypt direction.
func CipherBlob(key []byte, packetID, fromNode uint32, blob []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init aes cipher: %w", err)
	}
	out := make([]byte, len(blob))
	cipher.NewCTR(block, packetNonce(packetID, fromNode)).XORKeyStream(out, blob)

	return out, nil
}

// TryDecrypt attempts to decrypt an encrypted packet with one channel key. A
// result is accepted only when the plaintext parses as a Data payload for a
// known application port; random keys decrypting to garbage fail that check.
func TryDecrypt(info *PacketInfo, psk []byte) (*meshtastic.Data, error) {
	if len(info.Encrypted) == 0 {
		return nil, fmt.Errorf("packet is not encrypted")
	}
	key, err := ExpandPSK(psk)
	if err != nil {
		return nil, err
	}
	plain, err := CipherBlob(key, info.ID, info.From, info.Encrypted)
	if err != nil {
		return nil, err
	}

	var data meshtastic.Data
	if err := proto.Unmarshal(plain, &data); err != nil {
		return nil, ErrDecrypt
	}
	if data.GetPortnum() == meshtastic.PortNum_UNKNOWN_APP || data.GetPortnum() > meshtastic.PortNum_MAX {
		return nil, ErrDecrypt
	}

	return &data, nil
}
