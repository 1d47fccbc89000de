package filecrypt

import (
	"bytes"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/lmerrett/stravasync/internal/errs"
)

func TestRand_LengthUniq(t *testing.T) {
	t.Parallel()
	const n = 48
	a, err := Rand(n)
	if err != nil {
		t.Fatalf("Rand: %v", err)
	}
	if len(a) != n {
		t.Fatalf("len=%d, want=%d", len(a), n)
	}
	b, _ := Rand(n)
	if bytes.Equal(a, b) {
		t.Fatalf("Rand produced equal slices")
	}
}

func TestDeriveKey_DeterministicAndSaltDependent(t *testing.T) {
	t.Parallel()
	pw := []byte("secret-pass")
	s1 := []byte("salt-1")
	s2 := []byte("salt-2")
	k1 := DeriveKey(pw, s1)
	k2 := DeriveKey(pw, s1)
	if subtle.ConstantTimeCompare(k1, k2) != 1 {
		t.Fatalf("DeriveKey not deterministic")
	}
	if subtle.ConstantTimeCompare(k1, DeriveKey(pw, s2)) != 0 {
		t.Fatalf("DeriveKey must change with salt")
	}
	if subtle.ConstantTimeCompare(k1, DeriveKey([]byte("other"), s1)) != 0 {
		t.Fatalf("DeriveKey must change with passphrase")
	}
}

func roundtrip(t *testing.T, pt []byte, chunkSize int) []byte {
	t.Helper()
	pw := []byte("pass-phrase")
	var enc bytes.Buffer
	if err := Encrypt(&enc, bytes.NewReader(pt), pw, chunkSize); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Contains(enc.Bytes(), pt) && len(pt) > 0 {
		t.Fatalf("ciphertext contains plaintext")
	}
	var dec bytes.Buffer
	if err := Decrypt(&dec, bytes.NewReader(enc.Bytes()), pw); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(dec.Bytes(), pt) {
		t.Fatalf("roundtrip mismatch: got %d bytes, want %d", dec.Len(), len(pt))
	}
	return enc.Bytes()
}

func TestEncryptDecrypt_Roundtrip(t *testing.T) {
	t.Parallel()
	roundtrip(t, []byte("small payload \x00\x01\x02"), 0)
}

func TestEncryptDecrypt_ChunkBoundaries(t *testing.T) {
	t.Parallel()
	const chunk = 32
	for _, n := range []int{0, 1, chunk - 1, chunk, chunk + 1, 3 * chunk, 3*chunk + 7} {
		pt := bytes.Repeat([]byte{0xAB}, n)
		for i := range pt {
			pt[i] = byte(i)
		}
		roundtrip(t, pt, chunk)
	}
}

func TestDecrypt_WrongPassphrase(t *testing.T) {
	t.Parallel()
	enc := roundtrip(t, []byte("payload"), 0)
	var dec bytes.Buffer
	err := Decrypt(&dec, bytes.NewReader(enc), []byte("wrong"))
	if !errors.Is(err, errs.ErrDecrypt) {
		t.Fatalf("want ErrDecrypt, got %v", err)
	}
}

func TestDecrypt_Truncated(t *testing.T) {
	t.Parallel()
	const chunk = 16
	enc := roundtrip(t, bytes.Repeat([]byte("x"), 5*chunk), chunk)

	for _, cut := range []int{1, len(enc) / 2, len(enc) - 1} {
		var dec bytes.Buffer
		err := Decrypt(&dec, bytes.NewReader(enc[:len(enc)-cut]), []byte("pass-phrase"))
		if !errors.Is(err, errs.ErrDecrypt) {
			t.Fatalf("cut=%d: want ErrDecrypt, got %v", cut, err)
		}
	}
}

func TestDecrypt_TruncatedAtChunkBoundary(t *testing.T) {
	t.Parallel()
	const chunk = 16
	pw := []byte("pass-phrase")
	pt := bytes.Repeat([]byte("y"), 4*chunk)
	var enc bytes.Buffer
	if err := Encrypt(&enc, bytes.NewReader(pt), pw, chunk); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// Drop the last framed chunk entirely; the new last chunk was sealed as
	// non-final, so the stream must not authenticate.
	raw := enc.Bytes()
	hdrLen := 9 + 16 + 24
	off := hdrLen
	var chunkOffsets []int
	for off < len(raw) {
		chunkOffsets = append(chunkOffsets, off)
		n := int(binary.BigEndian.Uint32(raw[off : off+4]))
		off += 4 + n
	}
	if len(chunkOffsets) < 2 {
		t.Fatalf("want multiple chunks, got %d", len(chunkOffsets))
	}
	var dec bytes.Buffer
	err := Decrypt(&dec, bytes.NewReader(raw[:chunkOffsets[len(chunkOffsets)-1]]), pw)
	if !errors.Is(err, errs.ErrDecrypt) {
		t.Fatalf("want ErrDecrypt on dropped final chunk, got %v", err)
	}
}

func TestDecrypt_Tampered(t *testing.T) {
	t.Parallel()
	enc := roundtrip(t, []byte("tamper me"), 0)
	enc[len(enc)-1] ^= 0x01
	var dec bytes.Buffer
	err := Decrypt(&dec, bytes.NewReader(enc), []byte("pass-phrase"))
	if !errors.Is(err, errs.ErrDecrypt) {
		t.Fatalf("want ErrDecrypt, got %v", err)
	}
}

func TestDecrypt_BadHeader(t *testing.T) {
	t.Parallel()
	var dec bytes.Buffer
	err := Decrypt(&dec, bytes.NewReader([]byte("not an encrypted file at all")), []byte("pw"))
	if !errors.Is(err, errs.ErrDecrypt) {
		t.Fatalf("want ErrDecrypt, got %v", err)
	}
}

func TestEncrypt_EmptyPassphrase(t *testing.T) {
	t.Parallel()
	var enc bytes.Buffer
	if err := Encrypt(&enc, bytes.NewReader(nil), nil, 0); err == nil {
		t.Fatalf("want error on empty passphrase")
	}
}
