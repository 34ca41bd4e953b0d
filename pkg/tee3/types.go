// Package tee3 implements the TEE3 (VAU) secure channel: the four message hybrid
// key exchange between client and server, the per channel Context with its replay
// counters and the AEAD framing of every request and response on the channel.
package tee3

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/gematik/tee3/pkg/sensitive"
)

const (
	MessageTypeM1      = "M1"
	MessageTypeM2      = "M2"
	MessageTypeM3      = "M3"
	MessageTypeM4      = "M4"
	MessageTypeRestart = "Restart"
	MessageTypeError   = "Error"
)

// Version is the protocol version written into every encrypted frame.
const Version = byte(0x02)

// KeyIDSize is the size of the channel KeyID derived in KDF2.
const KeyIDSize = 32

type Message1 struct {
	MessageType    string        `cbor:"MessageType"`
	ECDHPublicKey  ECDHPublicKey `cbor:"ECDH_PK"`
	KyberPublicKey []byte        `cbor:"Kyber768_PK"`
}

type Message2 struct {
	MessageType     string        `cbor:"MessageType"`
	ECDHCiphertext  ECDHPublicKey `cbor:"ECDH_ct"`
	KyberCiphertext []byte        `cbor:"Kyber768_ct"`
	AEADCiphertext  []byte        `cbor:"AEAD_ct"`
}

type Message3 struct {
	MessageType                   string `cbor:"MessageType"`
	AEADCiphertext                []byte `cbor:"AEAD_ct"`
	AEADCiphertextKeyConfirmation []byte `cbor:"AEAD_ct_key_confirmation"`
}

// Message3Inner is the K1 encrypted payload of Message3.
type Message3Inner struct {
	ECDHCiphertext  ECDHPublicKey `cbor:"ECDH_ct"`
	KyberCiphertext []byte        `cbor:"Kyber768_ct"`
	ERP             bool          `cbor:"ERP"`
	ESO             bool          `cbor:"ESO"`
}

type Message4 struct {
	MessageType                   string `cbor:"MessageType"`
	AEADCiphertextKeyConfirmation []byte `cbor:"AEAD_ct_key_confirmation"`
}

// MessageRestart is sent by a server that no longer knows the channel of a KeyID.
type MessageRestart struct {
	MessageType string `cbor:"MessageType"`
	KeyID       []byte `cbor:"KeyID"`
}

// MessageError is a CBOR encoded error message
type MessageError struct {
	MessageType  string `cbor:"MessageType"`
	ErrorCode    uint64 `cbor:"ErrorCode"`
	ErrorMessage string `cbor:"ErrorMessage"`
}

func (e *MessageError) Error() string {
	return fmt.Sprintf("tee3 peer error %s: %s", Code(e.ErrorCode), e.ErrorMessage)
}

// NewMessageError builds the wire error for err without exposing wrapped details.
func NewMessageError(err error) *MessageError {
	msg := "internal error"
	var e *Error
	if errors.As(err, &e) && e.Description != "" {
		msg = e.Description
	}
	return &MessageError{
		MessageType:  MessageTypeError,
		ErrorCode:    uint64(CodeOf(err)),
		ErrorMessage: msg,
	}
}

// VauKeys are the public keys a server advertises, signed with its VAU certificate.
type VauKeys struct {
	ECDHPublicKey  ECDHPublicKey `cbor:"ECDH_PK"`
	KyberPublicKey []byte        `cbor:"Kyber768_PK"`
	IssuedAt       int64         `cbor:"iat"`
	ExpiresAt      int64         `cbor:"exp"`
	Comment        string        `cbor:"comment"`
}

type SignedPublicKeys struct {
	SignedPubKeys  []byte `cbor:"signed_pub_keys"`
	SignatureES256 []byte `cbor:"signature-ES256"`
	CertHash       []byte `cbor:"cert_hash"`
	Cdv            uint64 `cbor:"cdv"`
	OCSPResponse   []byte `cbor:"ocsp_response"`
}

// VauKeys decodes the signed payload. The signature is not checked here.
func (s *SignedPublicKeys) VauKeys() (*VauKeys, error) {
	keys := new(VauKeys)
	if err := decode(s.SignedPubKeys, keys); err != nil {
		return nil, structuralError(CodeDecodingError, "signed_pub_keys", err)
	}
	return keys, nil
}

// AutTeeCertificate is the CertData document served at /CertData.<hash>-<version>.
type AutTeeCertificate struct {
	Cert     []byte   `cbor:"cert"`
	CA       []byte   `cbor:"ca"`
	RCAChain [][]byte `cbor:"rca_chain"`
}

// Keypair is one ECDH or Kyber768 key pair. The private part is guarded.
type Keypair struct {
	PublicKey  []byte
	PrivateKey *sensitive.Guard
}

type Keypairs struct {
	ECDH     ECDHKeypair
	Kyber768 Keypair
}

// PrivateKeys returns the guarded private halves.
func (k *Keypairs) PrivateKeys() PrivateKeys {
	return PrivateKeys{ECDH: k.ECDH.PrivateKey, Kyber768: k.Kyber768.PrivateKey}
}

func (k *Keypairs) Cleanse() {
	k.ECDH.PrivateKey.Cleanse()
	k.Kyber768.PrivateKey.Cleanse()
}

type PrivateKeys struct {
	ECDH     *sensitive.Guard
	Kyber768 *sensitive.Guard
}

func (p PrivateKeys) Clone() PrivateKeys {
	return PrivateKeys{ECDH: p.ECDH.Clone(), Kyber768: p.Kyber768.Clone()}
}

func (p PrivateKeys) Cleanse() {
	p.ECDH.Cleanse()
	p.Kyber768.Cleanse()
}

type SharedKeys struct {
	ECDH     *sensitive.Guard
	Kyber768 *sensitive.Guard
}

func (s SharedKeys) Cleanse() {
	s.ECDH.Cleanse()
	s.Kyber768.Cleanse()
}

type CipherTexts struct {
	ECDH     ECDHPublicKey
	Kyber768 []byte
}

type Encapsulation struct {
	SharedKeys  SharedKeys
	CipherTexts CipherTexts
}

// SymmetricKeys holds one key per direction.
type SymmetricKeys struct {
	ClientToServer *sensitive.Guard
	ServerToClient *sensitive.Guard
}

func (s SymmetricKeys) IsSet() bool {
	return !s.ClientToServer.Empty() && !s.ServerToClient.Empty()
}

func (s SymmetricKeys) Cleanse() {
	s.ClientToServer.Cleanse()
	s.ServerToClient.Cleanse()
}

func (s SymmetricKeys) clone() SymmetricKeys {
	return SymmetricKeys{ClientToServer: s.ClientToServer.Clone(), ServerToClient: s.ServerToClient.Clone()}
}

type KeyID [KeyIDSize]byte

func (k KeyID) String() string {
	return hex.EncodeToString(k[:])
}

func (k KeyID) IsZero() bool {
	return k == KeyID{}
}

func keyIDFromBytes(b []byte) (KeyID, error) {
	var id KeyID
	if len(b) != KeyIDSize {
		return id, structuralError(CodeDecodingError, "KeyID", fmt.Errorf("invalid length %d", len(b)))
	}
	copy(id[:], b)
	return id, nil
}

var decMode cbor.DecMode

func init() {
	var err error
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		MaxMapPairs: 64,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

func decode(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

func encode(v any) ([]byte, error) {
	return cbor.Marshal(v)
}

// PeekMessageType returns the MessageType of a CBOR message without decoding the rest.
func PeekMessageType(data []byte) (string, error) {
	var m struct {
		MessageType string `cbor:"MessageType"`
	}
	if err := decode(data, &m); err != nil {
		return "", structuralError(CodeDecodingError, "MessageType", err)
	}
	return m.MessageType, nil
}

// DecodeRestart decodes a Restart message.
func DecodeRestart(data []byte) (*MessageRestart, error) {
	m := new(MessageRestart)
	if err := decode(data, m); err != nil {
		return nil, structuralError(CodeDecodingError, "Restart", err)
	}
	if m.MessageType != MessageTypeRestart {
		return nil, structuralError(CodeDecodingError, "Restart", fmt.Errorf("unexpected MessageType %q", m.MessageType))
	}
	if _, err := m.ID(); err != nil {
		return nil, err
	}
	return m, nil
}

// ID returns the KeyID the server no longer knows.
func (m *MessageRestart) ID() (KeyID, error) {
	return keyIDFromBytes(m.KeyID)
}

// EncodeRestart encodes a Restart message for keyID.
func EncodeRestart(keyID KeyID) ([]byte, error) {
	return encode(&MessageRestart{MessageType: MessageTypeRestart, KeyID: keyID[:]})
}

// EncodeError encodes the wire error for err.
func EncodeError(err error) ([]byte, error) {
	return encode(NewMessageError(err))
}

// DecodeError decodes an Error message.
func DecodeError(data []byte) (*MessageError, error) {
	m := new(MessageError)
	if err := decode(data, m); err != nil {
		return nil, structuralError(CodeDecodingError, "Error", err)
	}
	if m.MessageType != MessageTypeError {
		return nil, structuralError(CodeDecodingError, "Error", fmt.Errorf("unexpected MessageType %q", m.MessageType))
	}
	return m, nil
}

func decodeMessage(data []byte, v any, messageType string) error {
	if len(data) == 0 {
		return structuralError(CodeMissingParameters, messageType, fmt.Errorf("empty message"))
	}
	if err := decode(data, v); err != nil {
		return structuralError(CodeDecodingError, messageType, err)
	}
	return nil
}

func expectMessageType(actual, expected string) error {
	if actual != expected {
		return structuralError(CodeDecodingError, "MessageType", fmt.Errorf("got %q, expected %q", actual, expected))
	}
	return nil
}

func requireFields(description string, fields ...[]byte) error {
	for _, f := range fields {
		if len(f) == 0 {
			return structuralError(CodeMissingParameters, description, nil)
		}
	}
	return nil
}
