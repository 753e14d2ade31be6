// Package protocol implements the wire codec spoken by the smart plugs:
// a self-synchronizing XOR stream cipher over a JSON envelope, with a
// 4-byte big-endian length prefix on TCP. UDP datagrams carry the bare
// ciphertext since the datagram boundary already delimits the message.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// initialKey seeds the keystream for every message.
const initialKey byte = 171

// headerLen is the size of the big-endian length prefix on framed messages.
const headerLen = 4

// maxFrame bounds the declared body length; the devices' replies are a few
// hundred bytes, so anything near this is a corrupt or hostile header and
// must not drive an allocation.
const maxFrame = 1 << 20

var (
	// ErrTruncated is returned when a frame carries fewer bytes than its
	// header declares.
	ErrTruncated = errors.New("protocol: frame shorter than declared length")

	// ErrFrameTooLarge is returned when a header declares a body longer
	// than maxFrame.
	ErrFrameTooLarge = errors.New("protocol: declared frame length too large")

	// ErrInvalidJSON is returned when a decrypted body does not parse as
	// the expected envelope.
	ErrInvalidJSON = errors.New("protocol: body is not valid JSON")
)

// Cipher holds the running key byte of the autokey stream. Encryption
// advances the key to each ciphertext byte produced; decryption advances
// it to each ciphertext byte read, so both sides stay in step.
type Cipher struct {
	key byte
}

func NewCipher() *Cipher {
	return &Cipher{key: initialKey}
}

func (c *Cipher) encryptByte(p byte) byte {
	b := p ^ c.key
	c.key = b
	return b
}

func (c *Cipher) decryptByte(b byte) byte {
	p := b ^ c.key
	c.key = b
	return p
}

// Encrypt returns the ciphertext of plain under a fresh keystream.
func Encrypt(plain []byte) []byte {
	c := NewCipher()
	out := make([]byte, len(plain))
	for i, p := range plain {
		out[i] = c.encryptByte(p)
	}
	return out
}

// Decrypt reverses Encrypt.
func Decrypt(cipher []byte) []byte {
	c := NewCipher()
	out := make([]byte, len(cipher))
	for i, b := range cipher {
		out[i] = c.decryptByte(b)
	}
	return out
}

// Encode marshals v, encrypts it, and prepends the length header.
func Encode(v any) ([]byte, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal request: %w", err)
	}

	body := Encrypt(plain)
	frame := make([]byte, headerLen+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[headerLen:], body)

	return frame, nil
}

// Decode validates the frame, decrypts the body, and unmarshals it into v.
func Decode(frame []byte, v any) error {
	if len(frame) < headerLen {
		return ErrTruncated
	}

	declared := binary.BigEndian.Uint32(frame)
	body := frame[headerLen:]
	if uint32(len(body)) < declared {
		return ErrTruncated
	}

	plain := Decrypt(body[:declared])
	if err := json.Unmarshal(plain, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	return nil
}

// WriteFrame encodes v and writes the framed message to w.
func WriteFrame(w io.Writer, v any) error {
	frame, err := Encode(v)
	if err != nil {
		return err
	}

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("protocol: write frame: %w", err)
	}

	return nil
}

// ReadFrame reads one full framed message from r and returns it, header
// included, ready for Decode. A stream that ends mid-body yields
// ErrTruncated.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, ErrTruncated
		}
		return nil, err
	}

	declared := binary.BigEndian.Uint32(header)
	if declared > maxFrame {
		return nil, ErrFrameTooLarge
	}

	frame := make([]byte, headerLen+declared)
	copy(frame, header)

	if _, err := io.ReadFull(r, frame[headerLen:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, ErrTruncated
		}
		return nil, err
	}

	return frame, nil
}
