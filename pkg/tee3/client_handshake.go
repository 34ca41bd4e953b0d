package tee3

import (
	"bytes"
	"fmt"
)

// State of a handshake.
type State int

const (
	StateNotStarted State = iota
	StateMessage1Created
	StateMessage2Created
	StateMessage3Created
	StateFinished
	StateError
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NotStarted"
	case StateMessage1Created:
		return "Message1Created"
	case StateMessage2Created:
		return "Message2Created"
	case StateMessage3Created:
		return "Message3Created"
	case StateFinished:
		return "Finished"
	case StateError:
		return "Error"
	default:
		return "unknown"
	}
}

// ClientHandshake drives the client side of one handshake attempt. It is not safe
// for concurrent use and must be discarded after an error.
type ClientHandshake struct {
	options
	certs    CertificateProvider
	verifier CertificateVerifier
	isPU     bool

	state      State
	vauCid     VauCid
	message1   []byte
	message2   []byte
	message3   []byte
	ephemeral  *Keypairs
	k2         *K2Keys
	serverKeys *VauKeys
	context    *Context
}

func NewClientHandshake(certs CertificateProvider, verifier CertificateVerifier, isPU bool, opts ...Option) *ClientHandshake {
	return &ClientHandshake{
		options:  newOptions(opts),
		certs:    certs,
		verifier: verifier,
		isPU:     isPU,
	}
}

func (h *ClientHandshake) State() State {
	return h.state
}

func (h *ClientHandshake) SetVauCid(cid VauCid) {
	h.vauCid = cid
}

func (h *ClientHandshake) VauCid() VauCid {
	return h.vauCid
}

// ServerKeys returns the verified server keys once Message3 was created.
func (h *ClientHandshake) ServerKeys() *VauKeys {
	return h.serverKeys
}

// CreateMessage1 generates the ephemeral key pairs and returns the encoded M1.
func (h *ClientHandshake) CreateMessage1() ([]byte, error) {
	if h.state != StateNotStarted {
		return nil, fmt.Errorf("creating message 1 in state %s: %w", h.state, ErrInvalidState)
	}
	keys, err := GenerateKeypairs(h.random)
	if err != nil {
		return nil, h.fail(err)
	}
	h.ephemeral = keys

	m1, err := encode(&Message1{
		MessageType:    MessageTypeM1,
		ECDHPublicKey:  keys.ECDH.PublicKey,
		KyberPublicKey: keys.Kyber768.PublicKey,
	})
	if err != nil {
		return nil, h.fail(fmt.Errorf("marshaling message 1: %w", err))
	}
	h.message1 = m1
	h.reportValue("M1", m1)
	h.state = StateMessage1Created
	return m1, nil
}

// CreateMessage3 verifies the server keys carried in M2 and returns the encoded M3.
func (h *ClientHandshake) CreateMessage3(message2 []byte) ([]byte, error) {
	if h.state != StateMessage1Created {
		return nil, fmt.Errorf("creating message 3 in state %s: %w", h.state, ErrInvalidState)
	}
	m3, err := h.createMessage3(message2)
	if err != nil {
		return nil, h.fail(err)
	}
	h.state = StateMessage3Created
	return m3, nil
}

func (h *ClientHandshake) createMessage3(message2 []byte) ([]byte, error) {
	h.message2 = bytes.Clone(message2)

	m2 := new(Message2)
	if err := decodeMessage(message2, m2, MessageTypeM2); err != nil {
		return nil, err
	}
	if err := expectMessageType(m2.MessageType, MessageTypeM2); err != nil {
		return nil, err
	}
	if err := requireFields(MessageTypeM2, m2.KyberCiphertext, m2.AEADCiphertext); err != nil {
		return nil, err
	}

	ss1, err := Decapsulate(CipherTexts{ECDH: m2.ECDHCiphertext, Kyber768: m2.KyberCiphertext}, h.ephemeral.PrivateKeys())
	if err != nil {
		return nil, err
	}
	defer ss1.Cleanse()
	h.ephemeral.Cleanse()

	k1, err := KDF1(ss1)
	if err != nil {
		return nil, err
	}
	defer k1.Cleanse()
	h.reportValue("K1_c2s", k1.ClientToServer.Bytes())
	h.reportValue("K1_s2c", k1.ServerToClient.Bytes())

	signedKeysData, err := AEADDecrypt(k1.ServerToClient, m2.AEADCiphertext, "M2 AEAD_ct")
	if err != nil {
		return nil, err
	}
	signed := new(SignedPublicKeys)
	if err := decodeMessage(signedKeysData, signed, "SignedPublicKeys"); err != nil {
		return nil, err
	}

	serverKeys, err := verifyPublicKeys(signed, h.certs, h.verifier, h.now())
	if err != nil {
		return nil, err
	}
	h.serverKeys = serverKeys

	encapsulation, err := Encapsulate(h.random, &serverKeys.ECDHPublicKey, serverKeys.KyberPublicKey)
	if err != nil {
		return nil, err
	}
	defer encapsulation.SharedKeys.Cleanse()

	h.k2, err = KDF2(ss1, encapsulation.SharedKeys)
	if err != nil {
		return nil, err
	}
	h.reportValue("KeyID", h.k2.KeyID[:])

	inner, err := encode(&Message3Inner{
		ECDHCiphertext:  encapsulation.CipherTexts.ECDH,
		KyberCiphertext: encapsulation.CipherTexts.Kyber768,
		ERP:             false,
		ESO:             false,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling inner message 3: %w", err)
	}
	innerEncrypted, err := AEADEncrypt(h.random, k1.ClientToServer, inner)
	if err != nil {
		return nil, err
	}

	hash := transcriptHash(h.message1, h.message2, innerEncrypted)
	keyConfirmation, err := AEADEncrypt(h.random, h.k2.KeyConfirmation.ClientToServer, hash)
	if err != nil {
		return nil, err
	}

	m3, err := encode(&Message3{
		MessageType:                   MessageTypeM3,
		AEADCiphertext:                innerEncrypted,
		AEADCiphertextKeyConfirmation: keyConfirmation,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling message 3: %w", err)
	}
	h.message3 = m3
	h.reportValue("M3", m3)
	return m3, nil
}

// ProcessMessage4 checks the server's transcript commitment.
func (h *ClientHandshake) ProcessMessage4(message4 []byte) error {
	if h.state != StateMessage3Created {
		return fmt.Errorf("processing message 4 in state %s: %w", h.state, ErrInvalidState)
	}
	if err := h.processMessage4(message4); err != nil {
		return h.fail(err)
	}
	h.k2.KeyConfirmation.Cleanse()
	h.state = StateFinished
	return nil
}

func (h *ClientHandshake) processMessage4(message4 []byte) error {
	m4 := new(Message4)
	if err := decodeMessage(message4, m4, MessageTypeM4); err != nil {
		return err
	}
	if err := expectMessageType(m4.MessageType, MessageTypeM4); err != nil {
		return err
	}
	confirmation, err := AEADDecrypt(h.k2.KeyConfirmation.ServerToClient, m4.AEADCiphertextKeyConfirmation, "M4 AEAD_ct_key_confirmation")
	if err != nil {
		return err
	}
	expected := transcriptHash(h.message1, h.message2, h.message3)
	if !bytes.Equal(expected, confirmation) {
		return cryptoError(CodeTranscriptError, "M4 key confirmation", fmt.Errorf("transcript hash mismatch"))
	}
	return nil
}

// Context returns the Context of the finished handshake. Repeated calls return
// the same context, two contexts with equal keys would reuse IVs.
func (h *ClientHandshake) Context() (*Context, error) {
	if h.state != StateFinished {
		return nil, fmt.Errorf("context in state %s: %w", h.state, ErrInvalidState)
	}
	if h.context == nil {
		h.context = NewContext(h.k2.ApplicationData.clone(), h.k2.KeyID, h.vauCid, "", h.isPU)
	}
	return h.context, nil
}

// Close cleanses all key material held by the handshake.
func (h *ClientHandshake) Close() {
	if h.ephemeral != nil {
		h.ephemeral.Cleanse()
	}
	if h.k2 != nil {
		h.k2.Cleanse()
	}
}

func (h *ClientHandshake) fail(err error) error {
	h.state = StateError
	h.Close()
	return err
}
