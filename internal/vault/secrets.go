package vault

import (
	"fmt"
	"strings"

	"github.com/taskmesh/taskmesh/internal/errs"
	"github.com/taskmesh/taskmesh/internal/store"
)

// RefPrefix marks metadata values that resolve to a stored secret,
// e.g. "secret:github-token".
const RefPrefix = "secret:"

// Vault is the named-secret store. Values are encrypted with the
// passphrase-derived key before they touch the database.
type Vault struct {
	box *cipherBox
	db  *store.Store
}

func New(passphrase string, db *store.Store) *Vault {
	return &Vault{box: newCipherBox(passphrase), db: db}
}

// Set encrypts and stores a secret, overwriting any previous value.
func (v *Vault) Set(name, value string) error {
	if name == "" {
		return fmt.Errorf("%w: secret needs a name", errs.ErrValidation)
	}
	ciphertext, nonce, err := v.box.encrypt([]byte(value))
	if err != nil {
		return fmt.Errorf("encrypt secret %s: %w", name, err)
	}
	return v.db.SaveSecret(&store.Secret{Name: name, Value: ciphertext, Nonce: nonce})
}

// Get decrypts a stored secret.
func (v *Vault) Get(name string) (string, error) {
	sec, err := v.db.GetSecret(name)
	if err != nil {
		return "", err
	}
	if sec == nil {
		return "", fmt.Errorf("secret %s: %w", name, errs.ErrNotFound)
	}
	plaintext, err := v.box.decrypt(sec.Value, sec.Nonce)
	if err != nil {
		return "", fmt.Errorf("decrypt secret %s: %w", name, err)
	}
	return string(plaintext), nil
}

// List returns the stored secret names; values stay encrypted.
func (v *Vault) List() ([]string, error) {
	return v.db.ListSecretNames()
}

// Delete removes a secret.
func (v *Vault) Delete(name string) error {
	return v.db.DeleteSecret(name)
}

// Resolve expands "secret:<name>" references in a metadata map,
// returning a copy with plaintext values. Non-reference values pass
// through untouched; a dangling reference is an error so a broken
// config fails loudly instead of handing agents an empty credential.
func (v *Vault) Resolve(metadata map[string]string) (map[string]string, error) {
	if len(metadata) == 0 {
		return metadata, nil
	}
	out := make(map[string]string, len(metadata))
	for k, val := range metadata {
		if !strings.HasPrefix(val, RefPrefix) {
			out[k] = val
			continue
		}
		name := strings.TrimPrefix(val, RefPrefix)
		plaintext, err := v.Get(name)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", k, err)
		}
		out[k] = plaintext
	}
	return out, nil
}

// Env renders every stored secret as KEY=value pairs for executor
// processes. Names are upper-cased with dashes mapped to underscores.
func (v *Vault) Env() ([]string, error) {
	names, err := v.List()
	if err != nil {
		return nil, err
	}
	env := make([]string, 0, len(names))
	for _, name := range names {
		value, err := v.Get(name)
		if err != nil {
			return nil, err
		}
		key := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		env = append(env, "TASKMESH_SECRET_"+key+"="+value)
	}
	return env, nil
}
