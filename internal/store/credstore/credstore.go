// Package credstore persists the OAuth credential encrypted at rest.
package credstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/lmerrett/stravasync/internal/crypto/filecrypt"
	"github.com/lmerrett/stravasync/internal/errs"
	"github.com/lmerrett/stravasync/internal/model"
	"github.com/lmerrett/stravasync/internal/store/fsatomic"
)

// Store reads and writes the single credential artifact. Save is the only
// mutator; durability is guaranteed by fsatomic.
type Store struct {
	path       string
	passphrase []byte
	chunkSize  int
	logger     *zap.Logger
}

// New constructs a credential store over path, encrypting under passphrase.
func New(path string, passphrase []byte, chunkSize int, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{path: path, passphrase: passphrase, chunkSize: chunkSize, logger: logger}
}

// Load returns the persisted credential. A missing file is errs.ErrNotFound;
// a present-but-undecryptable file is errs.ErrDecrypt and must not be
// treated as absent.
func (s *Store) Load(ctx context.Context) (model.Credential, error) {
	if err := ctx.Err(); err != nil {
		return model.Credential{}, err
	}
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.Credential{}, errs.ErrNotFound
		}
		return model.Credential{}, err
	}
	defer f.Close()

	var plain bytes.Buffer
	if err := filecrypt.Decrypt(&plain, f, s.passphrase); err != nil {
		return model.Credential{}, err
	}
	var cred model.Credential
	if err := json.Unmarshal(plain.Bytes(), &cred); err != nil {
		return model.Credential{}, fmt.Errorf("%w: credential payload", errs.ErrDecrypt)
	}
	if !cred.Valid() {
		// A stored credential missing either token is corruption, not absence.
		return model.Credential{}, fmt.Errorf("%w: credential missing tokens", errs.ErrDecrypt)
	}
	return cred, nil
}

// Save atomically replaces the credential artifact. A credential without
// both tokens is rejected: once initialized the store never persists a
// state where either token is absent.
func (s *Store) Save(ctx context.Context, cred model.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !cred.Valid() {
		return errors.New("credstore: refusing to save credential without both tokens")
	}
	payload, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	err = fsatomic.WriteFile(s.path, 0o600, func(w io.Writer) error {
		return filecrypt.Encrypt(w, bytes.NewReader(payload), s.passphrase, s.chunkSize)
	})
	if err != nil {
		return err
	}
	s.logger.Debug("credential saved", zap.Time("expires_at", cred.ExpiresAt))
	return nil
}
