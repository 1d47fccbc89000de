// Package filecrypt implements passphrase-based authenticated encryption for
// local state files. A file is a header followed by a sequence of AEAD-sealed
// chunks, so large payloads stream through a bounded buffer and truncation,
// reordering or extension of chunks is detected on read.
package filecrypt

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/lmerrett/stravasync/internal/errs"
)

// Params
const (
	KeyLen    = 32
	saltLen   = 16
	magicLen  = 4
	headerVer = 1

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1

	// DefaultChunkSize matches the streaming buffer the tool has always used.
	DefaultChunkSize = 64 * 1024
	maxChunkSize     = 16 * 1024 * 1024
)

var magic = [magicLen]byte{'S', 'V', 'C', '1'}

// Rand returns n cryptographically secure random bytes.
func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// DeriveKey derives the file key from passphrase and salt using Argon2id.
func DeriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, KeyLen)
}

// chunkAAD binds each chunk to its position and marks the last one, so a
// stream cut or extended at a chunk boundary fails to open.
func chunkAAD(index uint64, final bool) []byte {
	aad := make([]byte, 9)
	binary.BigEndian.PutUint64(aad, index)
	if final {
		aad[8] = 1
	}
	return aad
}

// chunkNonce folds the chunk counter into the trailing bytes of the base nonce.
func chunkNonce(base []byte, index uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	copy(nonce, base)
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], index)
	for i := 0; i < 8; i++ {
		nonce[chacha20poly1305.NonceSizeX-8+i] ^= ctr[i]
	}
	return nonce
}

// Encrypt seals src into dst under a key derived from passphrase. chunkSize
// bounds the plaintext held in memory per chunk; zero or negative selects
// DefaultChunkSize.
func Encrypt(dst io.Writer, src io.Reader, passphrase []byte, chunkSize int) error {
	if len(passphrase) == 0 {
		return errors.New("filecrypt: empty passphrase")
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize > maxChunkSize {
		return fmt.Errorf("filecrypt: chunk size %d exceeds max %d", chunkSize, maxChunkSize)
	}

	salt, err := Rand(saltLen)
	if err != nil {
		return err
	}
	baseNonce, err := Rand(chacha20poly1305.NonceSizeX)
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.NewX(DeriveKey(passphrase, salt))
	if err != nil {
		return err
	}

	var hdr [magicLen + 1 + 4]byte
	copy(hdr[:], magic[:])
	hdr[magicLen] = headerVer
	binary.BigEndian.PutUint32(hdr[magicLen+1:], uint32(chunkSize))
	if _, err := dst.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := dst.Write(salt); err != nil {
		return err
	}
	if _, err := dst.Write(baseNonce); err != nil {
		return err
	}

	br := bufio.NewReader(src)
	buf := make([]byte, chunkSize)
	for index := uint64(0); ; index++ {
		n, rerr := io.ReadFull(br, buf)
		var final bool
		switch {
		case rerr == nil:
			// Full chunk; final only if nothing follows.
			if _, perr := br.Peek(1); perr == io.EOF {
				final = true
			}
		case errors.Is(rerr, io.ErrUnexpectedEOF):
			final = true
		case errors.Is(rerr, io.EOF):
			// Empty input: emit a single empty final chunk so the file still
			// authenticates as a whole.
			if index != 0 {
				return io.ErrUnexpectedEOF
			}
			final = true
		default:
			return rerr
		}

		ct := aead.Seal(nil, chunkNonce(baseNonce, index), buf[:n], chunkAAD(index, final))
		var clen [4]byte
		binary.BigEndian.PutUint32(clen[:], uint32(len(ct)))
		if _, err := dst.Write(clen[:]); err != nil {
			return err
		}
		if _, err := dst.Write(ct); err != nil {
			return err
		}
		if final {
			return nil
		}
	}
}

// Decrypt opens a stream produced by Encrypt and writes the plaintext to dst.
// Any authentication or framing failure is reported as errs.ErrDecrypt; the
// caller must treat it as fatal rather than as an empty payload.
func Decrypt(dst io.Writer, src io.Reader, passphrase []byte) error {
	if len(passphrase) == 0 {
		return errors.New("filecrypt: empty passphrase")
	}
	br := bufio.NewReader(src)

	var hdr [magicLen + 1 + 4]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return fmt.Errorf("%w: short header", errs.ErrDecrypt)
	}
	if [magicLen]byte(hdr[:magicLen]) != magic || hdr[magicLen] != headerVer {
		return fmt.Errorf("%w: bad header", errs.ErrDecrypt)
	}
	chunkSize := int(binary.BigEndian.Uint32(hdr[magicLen+1:]))
	if chunkSize <= 0 || chunkSize > maxChunkSize {
		return fmt.Errorf("%w: bad chunk size %d", errs.ErrDecrypt, chunkSize)
	}

	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(br, salt); err != nil {
		return fmt.Errorf("%w: short salt", errs.ErrDecrypt)
	}
	baseNonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(br, baseNonce); err != nil {
		return fmt.Errorf("%w: short nonce", errs.ErrDecrypt)
	}
	aead, err := chacha20poly1305.NewX(DeriveKey(passphrase, salt))
	if err != nil {
		return err
	}

	maxCT := chunkSize + aead.Overhead()
	for index := uint64(0); ; index++ {
		var clen [4]byte
		if _, err := io.ReadFull(br, clen[:]); err != nil {
			return fmt.Errorf("%w: truncated chunk length", errs.ErrDecrypt)
		}
		n := int(binary.BigEndian.Uint32(clen[:]))
		if n < aead.Overhead() || n > maxCT {
			return fmt.Errorf("%w: bad chunk length %d", errs.ErrDecrypt, n)
		}
		ct := make([]byte, n)
		if _, err := io.ReadFull(br, ct); err != nil {
			return fmt.Errorf("%w: truncated chunk", errs.ErrDecrypt)
		}

		final := false
		if _, perr := br.Peek(1); perr == io.EOF {
			final = true
		}
		pt, err := aead.Open(nil, chunkNonce(baseNonce, index), ct, chunkAAD(index, final))
		if err != nil {
			return fmt.Errorf("%w: chunk %d", errs.ErrDecrypt, index)
		}
		if _, err := dst.Write(pt); err != nil {
			return err
		}
		if final {
			return nil
		}
	}
}
