package rmcpplus

import (
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
)

const (
	// NonceSize is the size of the console and controller random numbers.
	NonceSize = 16

	// GUIDSize is the size of the controller GUID.
	GUIDSize = 16

	// KeySize is the size of the SIK, K1 and K2 buffers.
	KeySize = 20

	// KgBufferSize is the controller key plus its null terminator.
	KgBufferSize = KeySize + 1

	// MaxUsernameLength bounds the username field of RAKP message 1.
	MaxUsernameLength = 16

	// MaxPasswordLength is the v2.0 password length.
	MaxPasswordLength = 20
)

type (
	Nonce [NonceSize]byte
	GUID  [GUIDSize]byte
	Key   [KeySize]byte
)

var (
	const1 = constant(0x01)
	const2 = constant(0x02)
)

func constant(b byte) (c [KeySize]byte) {
	for i := range c {
		c[i] = b
	}
	return c
}

// SessionKeys is the output of the key schedule.
type SessionKeys struct {
	SIK Key
	K1  Key
	K2  Key

	// Length is the number of leading bytes of each key produced by the
	// digest; the remainder is zero.
	Length int
}

// AESKey returns the leading K2 bytes consumed by AES-CBC-128.
func (k *SessionKeys) AESKey() []byte {
	return k.K2[:ConfidentialityAlgorithmAESCBC128.keyLength()]
}

// KeySchedule holds the material exchanged during RAKP. It only ever reads
// its fields; Kg and Password are never modified.
type KeySchedule struct {
	Algorithm AuthenticationAlgorithm

	Kg       [KgBufferSize]byte
	Password []byte
	Username []byte

	// Role is the requested role byte exactly as sent in RAKP message 1,
	// including the name-only lookup bit.
	Role uint8

	ConsoleSessionID    uint32
	ControllerSessionID uint32
	ConsoleRandom       Nonce
	ControllerRandom    Nonce
	ControllerGUID      GUID
}

var errMissingNonce = errors.New("key schedule: nonces not exchanged")

func (k *KeySchedule) hasKg() bool {
	for _, b := range k.Kg[:KeySize] {
		if b != 0 {
			return true
		}
	}
	return false
}

func (k *KeySchedule) mac(key []byte, parts ...[]byte) ([]byte, error) {
	h, err := k.Algorithm.hash()
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, nil
	}
	return keyedHash(h, key, parts...), nil
}

func keyedHash(h func() hash.Hash, key []byte, parts ...[]byte) []byte {
	m := hmac.New(h, key)
	for _, p := range parts {
		m.Write(p)
	}
	return m.Sum(nil)
}

func (k *KeySchedule) checkNonces() error {
	if k.ConsoleRandom == (Nonce{}) || k.ControllerRandom == (Nonce{}) {
		return errMissingNonce
	}
	return nil
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func (k *KeySchedule) userField() []byte {
	return append([]byte{k.Role, uint8(len(k.Username))}, k.Username...)
}

// SessionKeys derives SIK, K1 and K2. RAKP-none yields zero keys of length 0.
func (k *KeySchedule) SessionKeys() (SessionKeys, error) {
	var keys SessionKeys
	if err := k.checkNonces(); err != nil {
		return keys, err
	}
	h, err := k.Algorithm.hash()
	if err != nil {
		return keys, err
	}
	if h == nil {
		return keys, nil
	}
	key := k.Password
	if k.hasKg() {
		key = k.Kg[:KeySize]
	}
	sik := keyedHash(h, key, k.ConsoleRandom[:], k.ControllerRandom[:], k.userField())
	keys.Length = copy(keys.SIK[:], sik)
	copy(keys.K1[:], keyedHash(h, sik, const1[:]))
	copy(keys.K2[:], keyedHash(h, sik, const2[:]))
	return keys, nil
}

// RAKP2Code is the key exchange authentication code the controller places in
// RAKP message 2.
func (k *KeySchedule) RAKP2Code() ([]byte, error) {
	if err := k.checkNonces(); err != nil {
		return nil, err
	}
	return k.mac(k.Password,
		le32(k.ConsoleSessionID), le32(k.ControllerSessionID),
		k.ConsoleRandom[:], k.ControllerRandom[:], k.ControllerGUID[:],
		k.userField())
}

// RAKP3Code is the key exchange authentication code the console places in
// RAKP message 3.
func (k *KeySchedule) RAKP3Code() ([]byte, error) {
	if err := k.checkNonces(); err != nil {
		return nil, err
	}
	return k.mac(k.Password, k.ControllerRandom[:], le32(k.ConsoleSessionID), k.userField())
}

// RAKP4ICV is the integrity check value of RAKP message 4, keyed with SIK and
// truncated to the algorithm's length.
func (k *KeySchedule) RAKP4ICV(sik *SessionKeys) ([]byte, error) {
	if err := k.checkNonces(); err != nil {
		return nil, err
	}
	if k.Algorithm == AuthenticationAlgorithmNone {
		return nil, nil
	}
	if sik == nil || sik.Length == 0 {
		return nil, fmt.Errorf("key schedule: SIK not derived")
	}
	icv, err := k.mac(sik.SIK[:sik.Length], k.ConsoleRandom[:], le32(k.ControllerSessionID), k.ControllerGUID[:])
	if err != nil {
		return nil, err
	}
	return icv[:k.Algorithm.icvLength()], nil
}
