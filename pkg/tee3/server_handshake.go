package tee3

import (
	"bytes"
	"crypto/subtle"
	"fmt"
)

// ServerKeys provides the long term key material of a VAU instance.
type ServerKeys interface {
	// CurrentKeys returns the signed public keys advertised in Message2 and a
	// copy of their private halves, owned and cleansed by the caller.
	CurrentKeys() (*SignedPublicKeys, PrivateKeys, error)
}

// ServerHandshake drives the server side of one handshake. It is created per Message1.
type ServerHandshake struct {
	options
	keys ServerKeys
	isPU bool

	state     State
	vauCid    VauCid
	channelID string
	message1  []byte
	message2  []byte
	k1        SymmetricKeys
	ss1       SharedKeys
	private   PrivateKeys // of the keys advertised in M2
	k2        *K2Keys
	context   *Context
}

func NewServerHandshake(keys ServerKeys, isPU bool, opts ...Option) *ServerHandshake {
	return &ServerHandshake{
		options: newOptions(opts),
		keys:    keys,
		isPU:    isPU,
	}
}

func (h *ServerHandshake) State() State {
	return h.state
}

func (h *ServerHandshake) SetVauCid(cid VauCid, channelID string) {
	h.vauCid = cid
	h.channelID = channelID
}

func (h *ServerHandshake) VauCid() VauCid {
	return h.vauCid
}

func (h *ServerHandshake) ChannelID() string {
	return h.channelID
}

// CreateMessage2 answers a client's M1.
func (h *ServerHandshake) CreateMessage2(message1 []byte) ([]byte, error) {
	if h.state != StateNotStarted {
		return nil, fmt.Errorf("creating message 2 in state %s: %w", h.state, ErrInvalidState)
	}
	m2, err := h.createMessage2(message1)
	if err != nil {
		return nil, h.fail(err)
	}
	h.state = StateMessage2Created
	return m2, nil
}

func (h *ServerHandshake) createMessage2(message1 []byte) ([]byte, error) {
	m1 := new(Message1)
	if err := decodeMessage(message1, m1, MessageTypeM1); err != nil {
		return nil, err
	}
	if err := expectMessageType(m1.MessageType, MessageTypeM1); err != nil {
		return nil, err
	}
	if err := VerifyVauKeys(&m1.ECDHPublicKey, m1.KyberPublicKey); err != nil {
		return nil, err
	}

	encapsulation, err := Encapsulate(h.random, &m1.ECDHPublicKey, m1.KyberPublicKey)
	if err != nil {
		return nil, err
	}
	h.ss1 = encapsulation.SharedKeys

	h.k1, err = KDF1(h.ss1)
	if err != nil {
		return nil, err
	}

	signed, private, err := h.keys.CurrentKeys()
	if err != nil {
		return nil, &Error{Kind: KindTrust, Code: CodeInternalServerError, Description: "server keys", Err: err}
	}
	h.private = private
	signedData, err := encode(signed)
	if err != nil {
		return nil, fmt.Errorf("marshaling signed public keys: %w", err)
	}
	aeadCiphertext, err := AEADEncrypt(h.random, h.k1.ServerToClient, signedData)
	if err != nil {
		return nil, err
	}

	m2, err := encode(&Message2{
		MessageType:     MessageTypeM2,
		ECDHCiphertext:  encapsulation.CipherTexts.ECDH,
		KyberCiphertext: encapsulation.CipherTexts.Kyber768,
		AEADCiphertext:  aeadCiphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling message 2: %w", err)
	}
	h.message1 = bytes.Clone(message1)
	h.message2 = m2
	h.reportValue("M2", m2)
	return m2, nil
}

// CreateMessage4 checks the client's key confirmation in M3 and returns M4.
func (h *ServerHandshake) CreateMessage4(message3 []byte) ([]byte, error) {
	if h.state != StateMessage2Created {
		return nil, fmt.Errorf("creating message 4 in state %s: %w", h.state, ErrInvalidState)
	}
	m4, err := h.createMessage4(message3)
	if err != nil {
		return nil, h.fail(err)
	}
	h.k1.Cleanse()
	h.ss1.Cleanse()
	h.private.Cleanse()
	h.k2.KeyConfirmation.Cleanse()
	h.state = StateFinished
	return m4, nil
}

func (h *ServerHandshake) createMessage4(message3 []byte) ([]byte, error) {
	m3 := new(Message3)
	if err := decodeMessage(message3, m3, MessageTypeM3); err != nil {
		return nil, err
	}
	if err := expectMessageType(m3.MessageType, MessageTypeM3); err != nil {
		return nil, err
	}
	if err := requireFields(MessageTypeM3, m3.AEADCiphertext, m3.AEADCiphertextKeyConfirmation); err != nil {
		return nil, err
	}

	innerData, err := AEADDecrypt(h.k1.ClientToServer, m3.AEADCiphertext, "M3 AEAD_ct")
	if err != nil {
		return nil, err
	}
	inner := new(Message3Inner)
	if err := decodeMessage(innerData, inner, "M3 inner"); err != nil {
		return nil, err
	}

	ss2, err := Decapsulate(CipherTexts{ECDH: inner.ECDHCiphertext, Kyber768: inner.KyberCiphertext}, h.private)
	if err != nil {
		return nil, err
	}
	defer ss2.Cleanse()

	h.k2, err = KDF2(h.ss1, ss2)
	if err != nil {
		return nil, err
	}
	h.reportValue("KeyID", h.k2.KeyID[:])

	clientHash, err := AEADDecrypt(h.k2.KeyConfirmation.ClientToServer, m3.AEADCiphertextKeyConfirmation, "M3 AEAD_ct_key_confirmation")
	if err != nil {
		return nil, err
	}
	expected := transcriptHash(h.message1, h.message2, m3.AEADCiphertext)
	if subtle.ConstantTimeCompare(clientHash, expected) != 1 {
		return nil, cryptoError(CodeTranscriptError, "M3 key confirmation", fmt.Errorf("transcript hash mismatch"))
	}

	serverHash := transcriptHash(h.message1, h.message2, message3)
	keyConfirmation, err := AEADEncrypt(h.random, h.k2.KeyConfirmation.ServerToClient, serverHash)
	if err != nil {
		return nil, err
	}
	m4, err := encode(&Message4{
		MessageType:                   MessageTypeM4,
		AEADCiphertextKeyConfirmation: keyConfirmation,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling message 4: %w", err)
	}
	return m4, nil
}

// Context returns the channel context once M4 was created. Repeated calls
// return the same context.
func (h *ServerHandshake) Context() (*Context, error) {
	if h.state != StateFinished {
		return nil, fmt.Errorf("context in state %s: %w", h.state, ErrInvalidState)
	}
	if h.context == nil {
		h.context = NewContext(h.k2.ApplicationData.clone(), h.k2.KeyID, h.vauCid, h.channelID, h.isPU)
	}
	return h.context, nil
}

func (h *ServerHandshake) Close() {
	h.k1.Cleanse()
	h.ss1.Cleanse()
	h.private.Cleanse()
	if h.k2 != nil {
		h.k2.Cleanse()
	}
}

func (h *ServerHandshake) fail(err error) error {
	h.state = StateError
	h.Close()
	return err
}
