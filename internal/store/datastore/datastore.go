// Package datastore persists the activity dataset as a single encrypted
// blob with decrypt-on-read, encrypt-on-write and atomic replace.
package datastore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/lmerrett/stravasync/internal/crypto/filecrypt"
	"github.com/lmerrett/stravasync/internal/errs"
	"github.com/lmerrett/stravasync/internal/model"
	"github.com/lmerrett/stravasync/internal/store/fsatomic"
)

// Store owns the encrypted dataset artifact. The plaintext dataset exists
// only in memory between Read and Write.
type Store struct {
	path       string
	passphrase []byte
	chunkSize  int
	logger     *zap.Logger
}

// New constructs a dataset store over path, encrypting under passphrase.
func New(path string, passphrase []byte, chunkSize int, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{path: path, passphrase: passphrase, chunkSize: chunkSize, logger: logger}
}

// Read decrypts and decodes the dataset. A missing file is the expected
// first-run state and yields an empty dataset; a file that fails to decrypt
// yields errs.ErrDecrypt and is fatal for the run.
func (s *Store) Read(ctx context.Context) (*model.Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("no dataset on disk, starting empty")
			return &model.Dataset{}, nil
		}
		return nil, err
	}
	defer f.Close()

	var plain bytes.Buffer
	if err := filecrypt.Decrypt(&plain, f, s.passphrase); err != nil {
		return nil, err
	}
	var ds model.Dataset
	if err := json.Unmarshal(plain.Bytes(), &ds); err != nil {
		return nil, fmt.Errorf("%w: dataset payload", errs.ErrDecrypt)
	}
	return &ds, nil
}

// Write encrypts the full in-memory dataset and atomically replaces the
// previous artifact.
func (s *Store) Write(ctx context.Context, ds *model.Dataset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(ds)
	if err != nil {
		return err
	}
	err = fsatomic.WriteFile(s.path, 0o600, func(w io.Writer) error {
		return filecrypt.Encrypt(w, bytes.NewReader(payload), s.passphrase, s.chunkSize)
	})
	if err != nil {
		return err
	}
	s.logger.Debug("dataset written",
		zap.Int("activities", len(ds.Activities)),
		zap.Int("splits", len(ds.Splits)),
		zap.Time("watermark", ds.Watermark),
	)
	return nil
}

// Reset drops the selected collections and rewrites the artifact. This is
// the only operation that discards merged records.
func (s *Store) Reset(ctx context.Context, activities, splits bool) error {
	ds, err := s.Read(ctx)
	if err != nil {
		return err
	}
	if activities {
		ds.Activities = nil
		ds.Watermark = time.Time{}
	}
	if splits {
		ds.Splits = nil
	}
	s.logger.Warn("dataset reset",
		zap.Bool("activities", activities),
		zap.Bool("splits", splits),
	)
	return s.Write(ctx, ds)
}
