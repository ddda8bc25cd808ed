package rmcpplus

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProtection(t *testing.T, suite CipherSuiteID) *Protection {
	cs, err := LookupCipherSuite(suite)
	require.NoError(t, err)
	ks := testKeySchedule(cs.Authentication)
	keys, err := ks.SessionKeys()
	require.NoError(t, err)
	return &Protection{Integrity: cs.Integrity, Confidentiality: cs.Confidentiality, Keys: keys}
}

func TestProtectionRoundTrip(t *testing.T) {
	for _, suite := range []CipherSuiteID{0, 1, 2, 3, 6, 7, 8} {
		p := testProtection(t, suite)
		for size := 0; size < 40; size++ {
			payload := bytes.Repeat([]byte{0x5a}, size)
			raw, err := p.Seal(PayloadTypeIPMI, 0xcafe, 77, payload)
			require.NoError(t, err)
			assert.Equal(t, []byte{0x06, 0x00, 0xff, 0x07}, raw[:4])

			pkt, err := DecodePacket(raw)
			require.NoError(t, err)
			assert.Equal(t, uint32(0xcafe), pkt.Session.SessionID)
			assert.Equal(t, uint32(77), pkt.Session.Sequence)
			assert.Equal(t, p.Integrity != IntegrityAlgorithmNone, pkt.Session.Authenticated)
			assert.Equal(t, p.Confidentiality != ConfidentialityAlgorithmNone, pkt.Session.Encrypted)

			if pkt.Session.Authenticated {
				// auth type through next header is 4-byte aligned
				covered := len(raw) - rmcpHeaderSize - p.Integrity.authCodeLength()
				assert.Zero(t, covered%4, "suite %v size %v", suite, size)
			}
			if pkt.Session.Encrypted {
				assert.Zero(t, len(pkt.Payload())%16)
			}

			require.NoError(t, p.Verify(pkt))
			got, err := p.Decrypt(pkt)
			require.NoError(t, err)
			assert.Equal(t, payload, got, "suite %v size %v", suite, size)
		}
	}
}

func TestProtectionDetectsTampering(t *testing.T) {
	for _, suite := range []CipherSuiteID{2, 3, 7, 8} {
		p := testProtection(t, suite)
		raw, err := p.Seal(PayloadTypeIPMI, 1, 2, []byte{0x20, 0x18, 0xc8, 0x81, 0x04, 0x01, 0x7a})
		require.NoError(t, err)

		for i := rmcpHeaderSize; i < len(raw); i++ {
			tampered := append([]byte(nil), raw...)
			tampered[i] ^= 0x01
			pkt, err := DecodePacket(tampered)
			if err != nil {
				continue
			}
			assert.Error(t, p.Verify(pkt), "suite %v byte %v", suite, i)
		}
	}
}

func TestProtectionRejectsUnauthenticated(t *testing.T) {
	plain := testProtection(t, 1)
	raw, err := plain.Seal(PayloadTypeIPMI, 1, 2, []byte{1, 2, 3})
	require.NoError(t, err)
	pkt, err := DecodePacket(raw)
	require.NoError(t, err)

	assert.ErrorIs(t, testProtection(t, 2).Verify(pkt), ErrAuthentication)
	_, err = testProtection(t, 3).Decrypt(pkt)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestProtectionWrongKey(t *testing.T) {
	p := testProtection(t, 3)
	raw, err := p.Seal(PayloadTypeIPMI, 1, 2, []byte{1, 2, 3})
	require.NoError(t, err)
	pkt, err := DecodePacket(raw)
	require.NoError(t, err)

	other := *p
	other.Keys.K1[0] ^= 0xff
	assert.ErrorIs(t, other.Verify(pkt), ErrAuthentication)
}

func TestProtectionPanicsWithoutKeys(t *testing.T) {
	p := &Protection{Integrity: IntegrityAlgorithmHMACSHA196}
	assert.Panics(t, func() {
		_, _ = p.Seal(PayloadTypeIPMI, 1, 1, []byte{1})
	})
}

func TestDecodePacketErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"short", []byte{0x06, 0x00}},
		{"rmcp version", []byte{0x05, 0x00, 0xff, 0x07, 0x06, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}},
		{"rmcp class", []byte{0x06, 0x00, 0xff, 0x06, 0x06, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}},
		{"v1.5 auth type", []byte{0x06, 0x00, 0xff, 0x07, 0x00, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}},
		{"payload length", []byte{0x06, 0x00, 0xff, 0x07, 0x06, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x10, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePacket(tt.raw)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestEncodeHandshake(t *testing.T) {
	raw, err := EncodeHandshake(PayloadTypeRAKPMessage3, &RAKPMessage3{Tag: 1, ControllerSessionID: 2})
	require.NoError(t, err)
	pkt, err := DecodePacket(raw)
	require.NoError(t, err)
	assert.Zero(t, pkt.Session.SessionID)
	assert.Zero(t, pkt.Session.Sequence)
	assert.False(t, pkt.Session.Authenticated)

	l, err := pkt.Layer()
	require.NoError(t, err)
	m, ok := l.(*RAKPMessage3)
	require.True(t, ok)
	assert.Equal(t, uint32(2), m.ControllerSessionID)

	_, err = EncodeHandshake(PayloadTypeIPMI, &RAKPMessage3{})
	assert.Error(t, err)
}
