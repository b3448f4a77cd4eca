package credential

import (
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "driftmail"

// Keyring stores credential handles in the platform keychain, falling
// back to an encrypted file store on headless systems.
type Keyring struct {
	ring keyring.Keyring
}

var _ Source = (*Keyring)(nil)
var _ Writer = (*Keyring)(nil)

// OpenKeyring opens the driftmail keyring. fileDir is where the file
// backend keeps blobs when no native keychain is available.
func OpenKeyring(fileDir string) (*Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt("driftmail-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Keyring{ring: ring}, nil
}

// Handle loads the credential handle stored under ref.
func (k *Keyring) Handle(ref string) (*Handle, error) {
	item, err := k.ring.Get(ref)
	if err != nil {
		return nil, fmt.Errorf("getting credential %q: %w", ref, err)
	}
	return decodeHandle(item.Data)
}

// Put stores a credential handle under ref.
func (k *Keyring) Put(ref string, h *Handle) error {
	data, err := encodeHandle(h)
	if err != nil {
		return err
	}
	if err := k.ring.Set(keyring.Item{Key: ref, Data: data}); err != nil {
		return fmt.Errorf("setting credential %q: %w", ref, err)
	}
	return nil
}

// Delete removes the credential stored under ref.
func (k *Keyring) Delete(ref string) error {
	if err := k.ring.Remove(ref); err != nil {
		return fmt.Errorf("deleting credential %q: %w", ref, err)
	}
	return nil
}
