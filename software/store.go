package software

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/effective-security/signer/dataprotection"
	"github.com/effective-security/signer/x/fileutil"
	"github.com/pkg/errors"
)

// envelope is the on-disk shape of a key file: either the raw PEM bytes of
// the private key, or those same bytes run through a dataprotection.Provider
// when the backend was configured with an encryption key.
type envelope struct {
	Protected bool   `json:"protected"`
	Label     string `json:"label"`
	Data      []byte `json:"data"`
}

func keyFilePath(keysPath, keyID string) string {
	return filepath.Join(keysPath, keyID+".key")
}

// writeKeyFile persists pemBytes for keyID, encrypting them with dp when
// dp is non-nil, and writes the file atomically so a reader never observes
// a partial write.
func writeKeyFile(ctx context.Context, keysPath, keyID, label string, pemBytes []byte, dp dataprotection.Provider) error {
	env := envelope{Label: label}

	if dp != nil {
		protected, err := dp.Protect(ctx, pemBytes)
		if err != nil {
			return errors.WithMessage(err, "protect key material")
		}
		env.Protected = true
		env.Data = protected
	} else {
		env.Data = pemBytes
	}

	data, err := json.Marshal(env)
	if err != nil {
		return errors.WithStack(err)
	}

	if err := fileutil.FolderExists(keysPath); err != nil {
		if err := fileutil.Vfs.MkdirAll(keysPath, 0o700); err != nil {
			return errors.WithMessagef(err, "create keys directory: %s", keysPath)
		}
	}

	return fileutil.WriteFileAtomic(keyFilePath(keysPath, keyID), data, 0o600)
}

// readKeyFile loads and, if necessary, decrypts the PEM bytes for keyID.
func readKeyFile(ctx context.Context, keysPath, keyID string, dp dataprotection.Provider) ([]byte, string, error) {
	path := keyFilePath(keysPath, keyID)
	raw, err := readFile(path)
	if err != nil {
		return nil, "", err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, "", errors.WithMessagef(ErrKeyCorrupt, "%s: %s", path, err.Error())
	}

	if !env.Protected {
		return env.Data, env.Label, nil
	}
	if dp == nil {
		return nil, "", errors.Errorf("key %q is encrypted but no encryption key is configured", keyID)
	}
	pemBytes, err := dp.Unprotect(ctx, env.Data)
	if err != nil {
		return nil, "", errors.WithMessagef(err, "decrypt key material: %s", keyID)
	}
	return pemBytes, env.Label, nil
}

func readFile(path string) ([]byte, error) {
	f, err := fileutil.Vfs.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WithMessagef(ErrKeyNotFound, "%s", path)
		}
		return nil, errors.WithStack(err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	buf := make([]byte, info.Size())
	if _, err := f.Read(buf); err != nil {
		return nil, errors.WithStack(err)
	}
	return buf, nil
}

func removeKeyFile(keysPath, keyID string) error {
	path := keyFilePath(keysPath, keyID)
	err := fileutil.Vfs.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return errors.WithMessagef(err, "remove key file: %s", path)
	}
	return nil
}

var ErrKeyNotFound = errors.New("key not found")

// ErrKeyCorrupt is returned when a key file exists but its envelope cannot
// be decoded.
var ErrKeyCorrupt = errors.New("key file corrupt")
