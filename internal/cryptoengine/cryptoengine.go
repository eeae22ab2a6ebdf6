// Package cryptoengine implements the LoRaWAN 1.0.x cryptographic primitives:
// session-key derivation, MIC computation (uplink/downlink/join), join-accept
// encryption, and the FRMPayload keystream cipher. Every function here is
// pure given its key material; none of it touches the network or the state
// store.
package cryptoengine

import (
	"crypto/aes"
	"encoding/binary"

	"github.com/jacobsa/crypto/cmac"
	"github.com/pkg/errors"

	"github.com/snapemu/lora-server/internal/ids"
)

// KeyDerivationType selects which session key a derivation block produces.
type KeyDerivationType byte

const (
	// NwkSKeyType derives the network session key.
	NwkSKeyType KeyDerivationType = 0x01
	// AppSKeyType derives the application session key.
	AppSKeyType KeyDerivationType = 0x02
)

// DeriveSessionKey implements the LoRaWAN 1.0 session-key derivation:
// AES-128-encrypt, under AppKey, of a 16-byte block built from the key type,
// AppNonce, NetID and DevNonce.
func DeriveSessionKey(appKey ids.AES128Key, typ KeyDerivationType, appNonce, netID uint32, devNonce uint16) (ids.AES128Key, error) {
	var block [16]byte
	block[0] = byte(typ)
	putUint24LE(block[1:4], appNonce)
	putUint24LE(block[4:7], netID)
	binary.LittleEndian.PutUint16(block[7:9], devNonce)
	// block[9:16] left zero-padded.

	cipher, err := aes.NewCipher(appKey[:])
	if err != nil {
		return ids.AES128Key{}, errors.Wrap(err, "cryptoengine: new cipher")
	}
	var out ids.AES128Key
	cipher.Encrypt(out[:], block[:])
	return out, nil
}

func putUint24LE(dst []byte, v uint32) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
}

// ComputeMIC returns the first 4 bytes of AES-CMAC-128(key, data).
func ComputeMIC(key ids.AES128Key, data []byte) ([4]byte, error) {
	var mic [4]byte
	hash, err := cmac.New(key[:])
	if err != nil {
		return mic, errors.Wrap(err, "cryptoengine: cmac init")
	}
	if _, err := hash.Write(data); err != nil {
		return mic, errors.Wrap(err, "cryptoengine: cmac write")
	}
	sum := hash.Sum(nil)
	copy(mic[:], sum[0:4])
	return mic, nil
}

// DataMICBlock builds the 16-byte B0 block used for uplink/downlink data MIC
// computation: 0x49 || 4 zero bytes || dir(1) || DevAddr(4 LE) ||
// FCnt(4 LE) || 0 || msgLen.
//
// direction is 0 for uplink, 1 for downlink, matching the LoRaWAN spec's B0
// byte 5 usage for 1.0.x (the confirmed-frame-counter field used by 1.1 is
// not populated; this server only implements 1.0.x).
func DataMICBlock(direction byte, devAddr ids.DevAddr, fCnt32 uint32, msgLen int) [16]byte {
	var b0 [16]byte
	b0[0] = 0x49
	b0[5] = direction
	// DevAddr is packed little-endian within the B0 block.
	var addrLE [4]byte
	binary.LittleEndian.PutUint32(addrLE[:], uint32(devAddr))
	copy(b0[6:10], addrLE[:])
	binary.LittleEndian.PutUint32(b0[10:14], fCnt32)
	b0[15] = byte(msgLen)
	return b0
}

// UplinkDataMIC computes the MIC for an uplink data frame: CMAC(NwkSKey, B0
// || MHDR || FHDR || FPort || FRMPayload), first 4 bytes.
func UplinkDataMIC(nwkSKey ids.AES128Key, devAddr ids.DevAddr, fCnt32 uint32, msgWithoutMIC []byte) ([4]byte, error) {
	b0 := DataMICBlock(0x00, devAddr, fCnt32, len(msgWithoutMIC))
	return ComputeMIC(nwkSKey, append(b0[:], msgWithoutMIC...))
}

// DownlinkDataMIC computes the MIC for a downlink data frame, direction=1.
func DownlinkDataMIC(nwkSKey ids.AES128Key, devAddr ids.DevAddr, fCnt32 uint32, msgWithoutMIC []byte) ([4]byte, error) {
	b0 := DataMICBlock(0x01, devAddr, fCnt32, len(msgWithoutMIC))
	return ComputeMIC(nwkSKey, append(b0[:], msgWithoutMIC...))
}

// JoinMIC computes the MIC over MHDR||JoinAccept-payload (or MHDR||JoinRequest
// payload) with AppKey, no B0 block.
func JoinMIC(appKey ids.AES128Key, mhdrAndPayload []byte) ([4]byte, error) {
	return ComputeMIC(appKey, mhdrAndPayload)
}

// EncryptJoinAccept performs the LoRaWAN join-accept "encryption" trick: the
// ciphertext region (JoinAccept payload || MIC) is produced by running the
// AES-128 *decrypt* operation (under AppKey) over the plaintext, so that the
// end-device's ordinary AES-encrypt recovers it. Input must be a multiple of
// 16 bytes.
func EncryptJoinAccept(appKey ids.AES128Key, plaintext []byte) ([]byte, error) {
	if len(plaintext)%16 != 0 {
		return nil, errors.New("cryptoengine: join-accept plaintext must be a multiple of 16 bytes")
	}
	cipher, err := aes.NewCipher(appKey[:])
	if err != nil {
		return nil, errors.Wrap(err, "cryptoengine: new cipher")
	}
	out := make([]byte, len(plaintext))
	for i := 0; i < len(out)/16; i++ {
		off := i * 16
		cipher.Decrypt(out[off:off+16], plaintext[off:off+16])
	}
	return out, nil
}

// DecryptJoinAccept reverses EncryptJoinAccept (runs AES-encrypt over the
// ciphertext) so the server can verify a JoinAccept it reads back, or so
// test vectors can round-trip.
func DecryptJoinAccept(appKey ids.AES128Key, ciphertext []byte) ([]byte, error) {
	if len(ciphertext)%16 != 0 {
		return nil, errors.New("cryptoengine: join-accept ciphertext must be a multiple of 16 bytes")
	}
	cipher, err := aes.NewCipher(appKey[:])
	if err != nil {
		return nil, errors.Wrap(err, "cryptoengine: new cipher")
	}
	out := make([]byte, len(ciphertext))
	for i := 0; i < len(out)/16; i++ {
		off := i * 16
		cipher.Encrypt(out[off:off+16], ciphertext[off:off+16])
	}
	return out, nil
}

// EncryptFRMPayload applies the LoRaWAN FRMPayload keystream cipher: AES-128
// encrypt of a counter block under the session key, XORed with the
// plaintext/ciphertext. Symmetric: the same call decrypts.
func EncryptFRMPayload(key ids.AES128Key, uplink bool, devAddr ids.DevAddr, fCnt32 uint32, data []byte) ([]byte, error) {
	cipher, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errors.Wrap(err, "cryptoengine: new cipher")
	}

	out := make([]byte, len(data))
	copy(out, data)

	padded := len(out)
	if padded%16 != 0 {
		padded += 16 - (padded % 16)
	}
	buf := make([]byte, padded)
	copy(buf, out)

	var a [16]byte
	a[0] = 0x01
	if !uplink {
		a[5] = 0x01
	}
	var addrLE [4]byte
	binary.LittleEndian.PutUint32(addrLE[:], uint32(devAddr))
	copy(a[6:10], addrLE[:])
	binary.LittleEndian.PutUint32(a[10:14], fCnt32)

	var s [16]byte
	for i := 0; i < len(buf)/16; i++ {
		a[15] = byte(i + 1)
		cipher.Encrypt(s[:], a[:])
		for j := 0; j < 16; j++ {
			buf[i*16+j] ^= s[j]
		}
	}
	return buf[:len(out)], nil
}
