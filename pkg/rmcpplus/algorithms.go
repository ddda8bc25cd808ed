package rmcpplus

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"fmt"
	"hash"
)

// AuthenticationAlgorithm identifies the RAKP key-exchange algorithm. It is a
// 6-bit field on the wire, see section 13.28 of IPMI v2.0.
type AuthenticationAlgorithm uint8

const (
	AuthenticationAlgorithmNone       AuthenticationAlgorithm = 0x00
	AuthenticationAlgorithmHMACSHA1   AuthenticationAlgorithm = 0x01
	AuthenticationAlgorithmHMACMD5    AuthenticationAlgorithm = 0x02
	AuthenticationAlgorithmHMACSHA256 AuthenticationAlgorithm = 0x03
)

// IntegrityAlgorithm identifies the AuthCode algorithm protecting session
// packets once the session is active.
type IntegrityAlgorithm uint8

const (
	IntegrityAlgorithmNone          IntegrityAlgorithm = 0x00
	IntegrityAlgorithmHMACSHA196    IntegrityAlgorithm = 0x01
	IntegrityAlgorithmHMACMD5128    IntegrityAlgorithm = 0x02
	IntegrityAlgorithmMD5128        IntegrityAlgorithm = 0x03
	IntegrityAlgorithmHMACSHA256128 IntegrityAlgorithm = 0x04
)

// ConfidentialityAlgorithm identifies the payload encryption algorithm.
type ConfidentialityAlgorithm uint8

const (
	ConfidentialityAlgorithmNone      ConfidentialityAlgorithm = 0x00
	ConfidentialityAlgorithmAESCBC128 ConfidentialityAlgorithm = 0x01
	ConfidentialityAlgorithmXRC4128   ConfidentialityAlgorithm = 0x02
	ConfidentialityAlgorithmXRC440    ConfidentialityAlgorithm = 0x03
)

func (a AuthenticationAlgorithm) String() string {
	switch a {
	case AuthenticationAlgorithmNone:
		return "RAKP-none"
	case AuthenticationAlgorithmHMACSHA1:
		return "RAKP-HMAC-SHA1"
	case AuthenticationAlgorithmHMACMD5:
		return "RAKP-HMAC-MD5"
	case AuthenticationAlgorithmHMACSHA256:
		return "RAKP-HMAC-SHA256"
	default:
		return fmt.Sprintf("Reserved(%#x)", uint8(a))
	}
}

// hash returns the digest constructor used for key exchange codes, the SIK and
// the K1/K2 derivation. RAKP-none has no digest and returns a nil
// constructor. SHA256 needs 32-byte keys and does not fit the 20-byte key
// fields, so it is rejected here.
func (a AuthenticationAlgorithm) hash() (func() hash.Hash, error) {
	switch a {
	case AuthenticationAlgorithmNone:
		return nil, nil
	case AuthenticationAlgorithmHMACSHA1:
		return sha1.New, nil
	case AuthenticationAlgorithmHMACMD5:
		return md5.New, nil
	default:
		return nil, fmt.Errorf("%w: authentication algorithm %v", ErrUnsupportedAlgorithm, a)
	}
}

// icvLength is the number of RAKP 4 integrity check value bytes sent for the
// algorithm: HMAC-SHA1-96 for SHA1, the full HMAC-MD5-128 for MD5.
func (a AuthenticationAlgorithm) icvLength() int {
	switch a {
	case AuthenticationAlgorithmHMACSHA1:
		return 12
	case AuthenticationAlgorithmHMACMD5:
		return 16
	default:
		return 0
	}
}

// keyExchangeCodeLength is the length of the RAKP 2 and RAKP 3 codes.
func (a AuthenticationAlgorithm) keyExchangeCodeLength() int {
	switch a {
	case AuthenticationAlgorithmHMACSHA1:
		return sha1.Size
	case AuthenticationAlgorithmHMACMD5:
		return md5.Size
	default:
		return 0
	}
}

func (a IntegrityAlgorithm) String() string {
	switch a {
	case IntegrityAlgorithmNone:
		return "none"
	case IntegrityAlgorithmHMACSHA196:
		return "HMAC-SHA1-96"
	case IntegrityAlgorithmHMACMD5128:
		return "HMAC-MD5-128"
	case IntegrityAlgorithmMD5128:
		return "MD5-128"
	case IntegrityAlgorithmHMACSHA256128:
		return "HMAC-SHA256-128"
	default:
		return fmt.Sprintf("Reserved(%#x)", uint8(a))
	}
}

// authCodeLength is the AuthCode trailer length for the algorithm.
func (a IntegrityAlgorithm) authCodeLength() int {
	switch a {
	case IntegrityAlgorithmHMACSHA196:
		return 12
	case IntegrityAlgorithmHMACMD5128:
		return 16
	default:
		return 0
	}
}

// mac computes the truncated AuthCode over data keyed with K1.
func (a IntegrityAlgorithm) mac(k1 []byte, data []byte) ([]byte, error) {
	var h func() hash.Hash
	switch a {
	case IntegrityAlgorithmHMACSHA196:
		h = sha1.New
	case IntegrityAlgorithmHMACMD5128:
		h = md5.New
	default:
		return nil, fmt.Errorf("%w: integrity algorithm %v", ErrUnsupportedAlgorithm, a)
	}
	m := hmac.New(h, k1)
	m.Write(data)
	return m.Sum(nil)[:a.authCodeLength()], nil
}

func (a ConfidentialityAlgorithm) String() string {
	switch a {
	case ConfidentialityAlgorithmNone:
		return "none"
	case ConfidentialityAlgorithmAESCBC128:
		return "AES-CBC-128"
	case ConfidentialityAlgorithmXRC4128:
		return "xRC4-128"
	case ConfidentialityAlgorithmXRC440:
		return "xRC4-40"
	default:
		return fmt.Sprintf("Reserved(%#x)", uint8(a))
	}
}

// keyLength is the number of leading K2 bytes consumed by the algorithm.
func (a ConfidentialityAlgorithm) keyLength() int {
	if a == ConfidentialityAlgorithmAESCBC128 {
		return 16
	}
	return 0
}

// CipherSuiteID is the identifier of a standard cipher suite, see table 22-20
// of IPMI v2.0.
type CipherSuiteID uint8

// CipherSuite is the triple of algorithms proposed in an Open Session Request.
type CipherSuite struct {
	ID              CipherSuiteID
	Authentication  AuthenticationAlgorithm
	Integrity       IntegrityAlgorithm
	Confidentiality ConfidentialityAlgorithm
}

func (c CipherSuite) String() string {
	return fmt.Sprintf("%d(%v/%v/%v)", uint8(c.ID), c.Authentication, c.Integrity, c.Confidentiality)
}

// DefaultCipherSuite is suite 3: RAKP-HMAC-SHA1, HMAC-SHA1-96, AES-CBC-128.
const DefaultCipherSuite CipherSuiteID = 3

var cipherSuites = map[CipherSuiteID]CipherSuite{
	0: {0, AuthenticationAlgorithmNone, IntegrityAlgorithmNone, ConfidentialityAlgorithmNone},
	1: {1, AuthenticationAlgorithmHMACSHA1, IntegrityAlgorithmNone, ConfidentialityAlgorithmNone},
	2: {2, AuthenticationAlgorithmHMACSHA1, IntegrityAlgorithmHMACSHA196, ConfidentialityAlgorithmNone},
	3: {3, AuthenticationAlgorithmHMACSHA1, IntegrityAlgorithmHMACSHA196, ConfidentialityAlgorithmAESCBC128},
	6: {6, AuthenticationAlgorithmHMACMD5, IntegrityAlgorithmNone, ConfidentialityAlgorithmNone},
	7: {7, AuthenticationAlgorithmHMACMD5, IntegrityAlgorithmHMACMD5128, ConfidentialityAlgorithmNone},
	8: {8, AuthenticationAlgorithmHMACMD5, IntegrityAlgorithmHMACMD5128, ConfidentialityAlgorithmAESCBC128},
}

// LookupCipherSuite returns the algorithms of a supported cipher suite.
func LookupCipherSuite(id CipherSuiteID) (CipherSuite, error) {
	if cs, ok := cipherSuites[id]; ok {
		return cs, nil
	}
	return CipherSuite{}, fmt.Errorf("%w: cipher suite %d", ErrUnsupportedAlgorithm, uint8(id))
}

// supported reports whether every algorithm of a negotiated triple can be
// run by this implementation.
func supported(auth AuthenticationAlgorithm, integ IntegrityAlgorithm, conf ConfidentialityAlgorithm) error {
	if _, err := auth.hash(); err != nil {
		return err
	}
	switch integ {
	case IntegrityAlgorithmNone, IntegrityAlgorithmHMACSHA196, IntegrityAlgorithmHMACMD5128:
	default:
		return fmt.Errorf("%w: integrity algorithm %v", ErrUnsupportedAlgorithm, integ)
	}
	switch conf {
	case ConfidentialityAlgorithmNone, ConfidentialityAlgorithmAESCBC128:
	default:
		return fmt.Errorf("%w: confidentiality algorithm %v", ErrUnsupportedAlgorithm, conf)
	}
	if auth == AuthenticationAlgorithmNone && (integ != IntegrityAlgorithmNone || conf != ConfidentialityAlgorithmNone) {
		return fmt.Errorf("%w: %v cannot derive keys for %v/%v", ErrUnsupportedAlgorithm, auth, integ, conf)
	}
	return nil
}
