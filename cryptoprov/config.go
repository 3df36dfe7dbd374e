package cryptoprov

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Kind enumerates the backend kinds a signer entry can name. There is no
// open-ended plugin surface: the core only ever dispatches on these three.
type Kind string

// Supported signer kinds.
const (
	KindSoftware Kind = "OpenSSL"
	KindPKCS11   Kind = "PKCS#11"
	KindKMIP     Kind = "KMIP"
)

// RootConfig is the top-level signer configuration, nested under the
// parent CA configuration document.
type RootConfig struct {
	DefaultSigner           string         `json:"default_signer" yaml:"default_signer"`
	OneOffSigner            string         `json:"one_off_signer" yaml:"one_off_signer"`
	SignerProbeRetrySeconds int            `json:"signer_probe_retry_seconds" yaml:"signer_probe_retry_seconds"`
	Signers                 []SignerConfig `json:"signers" yaml:"signers"`
}

// SignerConfig is one entry in the signers list. Only the fields relevant
// to Kind need be populated; the rest are left at their zero value.
type SignerConfig struct {
	Name string `json:"name" yaml:"name"`
	Kind Kind   `json:"type" yaml:"type"`

	// Software
	KeysPath string `json:"keys_path,omitempty" yaml:"keys_path,omitempty"`
	// EncryptionKey is the at-rest key-encryption secret for key files on
	// disk. A "file:" prefix resolves to the secret's contents, same as
	// UserPin/Password below. Left empty, key files are stored as plain PEM
	// with 0600 permissions instead.
	EncryptionKey string `json:"encryption_key,omitempty" yaml:"encryption_key,omitempty"`

	// PKCS#11
	LibPath     string `json:"lib_path,omitempty" yaml:"lib_path,omitempty"`
	Slot        string `json:"slot,omitempty" yaml:"slot,omitempty"`
	UserPin     string `json:"user_pin,omitempty" yaml:"user_pin,omitempty"`
	Login       *bool  `json:"login,omitempty" yaml:"login,omitempty"`
	MaxSessions int    `json:"max_sessions,omitempty" yaml:"max_sessions,omitempty"`

	// KMIP
	Host                     string `json:"host,omitempty" yaml:"host,omitempty"`
	Port                     int    `json:"port,omitempty" yaml:"port,omitempty"`
	Insecure                 bool   `json:"insecure,omitempty" yaml:"insecure,omitempty"`
	Force                    bool   `json:"force,omitempty" yaml:"force,omitempty"`
	ServerCertPath           string `json:"server_cert_path,omitempty" yaml:"server_cert_path,omitempty"`
	ServerCACertPath         string `json:"server_ca_cert_path,omitempty" yaml:"server_ca_cert_path,omitempty"`
	ClientCertPath           string `json:"client_cert_path,omitempty" yaml:"client_cert_path,omitempty"`
	ClientCertPrivateKeyPath string `json:"client_cert_private_key_path,omitempty" yaml:"client_cert_private_key_path,omitempty"`
	Username                 string `json:"username,omitempty" yaml:"username,omitempty"`
	Password                 string `json:"password,omitempty" yaml:"password,omitempty"`
	ConnectTimeoutSeconds    int    `json:"connect_timeout_seconds,omitempty" yaml:"connect_timeout_seconds,omitempty"`
	ReadTimeoutSeconds       int    `json:"read_timeout_seconds,omitempty" yaml:"read_timeout_seconds,omitempty"`
	WriteTimeoutSeconds      int    `json:"write_timeout_seconds,omitempty" yaml:"write_timeout_seconds,omitempty"`
	MaxUseSeconds            int    `json:"max_use_seconds,omitempty" yaml:"max_use_seconds,omitempty"`
	MaxIdleSeconds           int    `json:"max_idle_seconds,omitempty" yaml:"max_idle_seconds,omitempty"`
	MaxConnections           int    `json:"max_connections,omitempty" yaml:"max_connections,omitempty"`
	MaxResponseBytes         int    `json:"max_response_bytes,omitempty" yaml:"max_response_bytes,omitempty"`

	// Shared retry policy (PKCS#11 and KMIP)
	RetrySeconds      float64 `json:"retry_seconds,omitempty" yaml:"retry_seconds,omitempty"`
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty" yaml:"backoff_multiplier,omitempty"`
	MaxRetrySeconds   float64 `json:"max_retry_seconds,omitempty" yaml:"max_retry_seconds,omitempty"`
}

// LoginEnabled reports whether a PKCS#11 session should log in, defaulting
// to true when unset.
func (sc *SignerConfig) LoginEnabled() bool {
	if sc.Login == nil {
		return true
	}
	return *sc.Login
}

// ApplyDefaults fills zero-valued optional fields with the defaults a
// signer of this Kind should use when the operator leaves them unset.
func (sc *SignerConfig) ApplyDefaults(datadir string) {
	if sc.Kind == KindSoftware && sc.KeysPath == "" {
		sc.KeysPath = filepath.Join(datadir, "keys")
	}
	if sc.RetrySeconds == 0 {
		sc.RetrySeconds = 2
	}
	if sc.BackoffMultiplier == 0 {
		sc.BackoffMultiplier = 1.5
	}
	if sc.MaxRetrySeconds == 0 {
		sc.MaxRetrySeconds = 30
	}
	if sc.Kind == KindKMIP {
		if sc.Port == 0 {
			sc.Port = 5696
		}
		if sc.ConnectTimeoutSeconds == 0 {
			sc.ConnectTimeoutSeconds = 5
		}
		if sc.ReadTimeoutSeconds == 0 {
			sc.ReadTimeoutSeconds = 5
		}
		if sc.WriteTimeoutSeconds == 0 {
			sc.WriteTimeoutSeconds = 5
		}
		if sc.MaxUseSeconds == 0 {
			sc.MaxUseSeconds = 1800
		}
		if sc.MaxIdleSeconds == 0 {
			sc.MaxIdleSeconds = 600
		}
		if sc.MaxConnections == 0 {
			sc.MaxConnections = 5
		}
		if sc.MaxResponseBytes == 0 {
			sc.MaxResponseBytes = 65536
		}
	}
}

// Validate checks the required-field constraints for this entry's Kind.
func (sc *SignerConfig) Validate() error {
	if sc.Name == "" {
		return errors.New("signer name is required")
	}
	switch sc.Kind {
	case KindSoftware:
		// no required fields beyond name
	case KindPKCS11:
		if sc.LibPath == "" {
			return errors.Errorf("signer %q: lib_path is required", sc.Name)
		}
		if sc.Slot == "" {
			return errors.Errorf("signer %q: slot is required", sc.Name)
		}
	case KindKMIP:
		if sc.Host == "" {
			return errors.Errorf("signer %q: host is required", sc.Name)
		}
	default:
		return errors.Errorf("signer %q: unknown type %q", sc.Name, sc.Kind)
	}
	return nil
}

// LoadRootConfig decodes a signer RootConfig from a YAML or JSON file,
// resolving any `file:`-prefixed secrets (user_pin, password) relative to
// the config file's own directory or the current working directory.
func LoadRootConfig(filename string) (*RootConfig, error) {
	cfr, err := os.Open(filename)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer cfr.Close()

	cfg := new(RootConfig)
	if strings.HasSuffix(filename, ".json") {
		if err := json.NewDecoder(cfr).Decode(cfg); err != nil {
			return nil, errors.WithMessagef(err, "failed to decode file: %s", filename)
		}
	} else {
		if err := yaml.NewDecoder(cfr).Decode(cfg); err != nil {
			return nil, errors.WithMessagef(err, "failed to decode file: %s", filename)
		}
	}

	baseDir := filepath.Dir(filename)
	for i := range cfg.Signers {
		if err := resolveSecret(&cfg.Signers[i].UserPin, filename, baseDir); err != nil {
			return nil, err
		}
		if err := resolveSecret(&cfg.Signers[i].Password, filename, baseDir); err != nil {
			return nil, err
		}
		if err := resolveSecret(&cfg.Signers[i].EncryptionKey, filename, baseDir); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// resolveSecret loads *val from disk when it is prefixed with "file:",
// trying the same search order the teacher used for PKCS#11 PIN files:
// as given, relative to cwd, then relative to the config file's directory.
func resolveSecret(val *string, configFile, baseDir string) error {
	if !strings.HasPrefix(*val, "file:") {
		return nil
	}
	secretFile := (*val)[len("file:"):]

	cwd, _ := os.Getwd()
	folders := []string{"", cwd, baseDir}

	var resolved string
	var err error
	for _, folder := range folders {
		if resolved, err = resolve(secretFile, folder); err == nil {
			break
		}
		logger.Warningf("reason=resolve, file=%q, basedir=%q", secretFile, folder)
	}
	if err != nil {
		return errors.WithMessagef(err, "unable to resolve secret file for configuration: %s", configFile)
	}

	b, err := os.ReadFile(resolved)
	if err != nil {
		return errors.WithMessagef(err, "unable to load secret for configuration: %s", configFile)
	}
	*val = strings.TrimSpace(string(b))
	return nil
}

// resolve returns the absolute file name relative to baseDir, or an error
// if it does not exist.
func resolve(file, baseDir string) (resolved string, err error) {
	if file == "" {
		return file, nil
	}
	if filepath.IsAbs(file) {
		resolved = file
	} else if baseDir != "" {
		resolved = filepath.Join(baseDir, file)
	} else {
		resolved = file
	}
	if _, err := os.Stat(resolved); os.IsNotExist(err) {
		return resolved, errors.WithMessagef(err, "not found: %v", resolved)
	}
	return resolved, nil
}
