package license

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync"

	"smallbiznis-licensing/pkg/config"
	"smallbiznis-licensing/pkg/hashistack/secretmanager"

	"github.com/fsnotify/fsnotify"
	vault "github.com/hashicorp/vault-client-go"
	"go.uber.org/zap"
)

const (
	vaultPrivateKeyField = "license_private_key"
	vaultPublicKeyField  = "license_public_key"
)

var errNoPEMBlock = errors.New("no PEM block found")

// KeyCustodian holds the verification key and, on signing nodes, the signing key.
// Keys loaded from files are swapped atomically when the files change.
type KeyCustodian struct {
	mu      sync.RWMutex
	private *rsa.PrivateKey
	public  *rsa.PublicKey

	privatePath string
	publicPath  string
}

// NewKeyCustodian wraps already loaded keys. private may be nil; when public is
// nil it is derived from private.
func NewKeyCustodian(private *rsa.PrivateKey, public *rsa.PublicKey) *KeyCustodian {
	k := &KeyCustodian{}
	k.set(private, public)
	return k
}

func (k *KeyCustodian) set(private *rsa.PrivateKey, public *rsa.PublicKey) {
	if public == nil && private != nil {
		public = &private.PublicKey
	}
	k.mu.Lock()
	k.private = private
	k.public = public
	k.mu.Unlock()
}

// PrivateKey returns nil when this node cannot sign.
func (k *KeyCustodian) PrivateKey() *rsa.PrivateKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.private
}

func (k *KeyCustodian) PublicKey() *rsa.PublicKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.public
}

func (k *KeyCustodian) CanSign() bool {
	return k.PrivateKey() != nil
}

// LoadKeyCustodian reads keys from Vault when LICENSING.VAULT_PATH is set and a
// client is available, otherwise from the configured PEM files.
func LoadKeyCustodian(ctx context.Context, cfg config.Licensing, client *vault.Client) (*KeyCustodian, error) {
	k := &KeyCustodian{
		privatePath: cfg.PrivateKeyPath,
		publicPath:  cfg.PublicKeyPath,
	}

	if cfg.VaultPath != "" && client != nil {
		secrets, err := secretmanager.ReadStrings(ctx, client, cfg.VaultPath)
		if err != nil {
			return nil, configurationError(fmt.Sprintf("failed to read signing keys: %v", err))
		}
		if err := k.loadPEM([]byte(secrets[vaultPrivateKeyField]), []byte(secrets[vaultPublicKeyField])); err != nil {
			return nil, err
		}
		// Vault keys are not file backed.
		k.privatePath, k.publicPath = "", ""
	} else if err := k.reload(); err != nil {
		return nil, err
	}

	if k.PublicKey() == nil {
		return nil, configurationError("license verification requires a public key")
	}
	if !k.CanSign() {
		zap.L().Warn("no license private key configured, signing is disabled")
	}

	return k, nil
}

func (k *KeyCustodian) reload() error {
	var privPEM, pubPEM []byte
	var err error

	if k.privatePath != "" {
		if privPEM, err = os.ReadFile(k.privatePath); err != nil {
			return configurationError(fmt.Sprintf("failed to read private key: %v", err))
		}
	}
	if k.publicPath != "" {
		if pubPEM, err = os.ReadFile(k.publicPath); err != nil {
			return configurationError(fmt.Sprintf("failed to read public key: %v", err))
		}
	}

	return k.loadPEM(privPEM, pubPEM)
}

func (k *KeyCustodian) loadPEM(privPEM, pubPEM []byte) error {
	var private *rsa.PrivateKey
	var public *rsa.PublicKey
	var err error

	if len(privPEM) > 0 {
		if private, err = ParsePrivateKeyPEM(privPEM); err != nil {
			return configurationError(fmt.Sprintf("invalid private key: %v", err))
		}
	}
	if len(pubPEM) > 0 {
		if public, err = ParsePublicKeyPEM(pubPEM); err != nil {
			return configurationError(fmt.Sprintf("invalid public key: %v", err))
		}
	}

	k.set(private, public)
	return nil
}

// Watch reloads file backed keys on change until ctx is done. A failed reload
// keeps the previous keys.
func (k *KeyCustodian) Watch(ctx context.Context) {
	if k.privatePath == "" && k.publicPath == "" {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		zap.L().Error("failed to create key watcher", zap.Error(err))
		return
	}
	defer watcher.Close()

	for _, p := range []string{k.privatePath, k.publicPath} {
		if p == "" {
			continue
		}
		if err := watcher.Add(p); err != nil {
			zap.L().Error("failed to watch key file", zap.String("path", p), zap.Error(err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := k.reload(); err != nil {
				zap.L().Error("failed to reload license keys", zap.Error(err))
				continue
			}
			zap.L().Info("license keys reloaded", zap.String("file", event.Name))
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			zap.L().Error("key watcher error", zap.Error(err))
		}
	}
}

// ParsePrivateKeyPEM accepts PKCS#1 and PKCS#8 encoded RSA keys.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errNoPEMBlock
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", parsed)
	}
	return key, nil
}

// ParsePublicKeyPEM accepts PKIX and PKCS#1 encoded RSA public keys.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errNoPEMBlock
	}

	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported public key type %T", parsed)
	}
	return key, nil
}

func EncodePrivateKeyPEM(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}

func EncodePublicKeyPEM(key *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
