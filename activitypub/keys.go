package activitypub

import (
	"crypto/rsa"
	"fmt"
	"log"

	"github.com/deemkeen/fedipress/domain"
	"github.com/deemkeen/fedipress/util"
	"github.com/google/uuid"
)

// KeyStore manages the RSA keypairs of local accounts. Keys are generated
// lazily the first time an account needs to sign or publish, so creating
// accounts stays cheap.
type KeyStore struct {
	db       Database
	host     string
	resolver *Resolver
}

// NewKeyStore creates a key store over the given database. The host is used
// to derive keyId URIs.
func NewKeyStore(database Database, host string) *KeyStore {
	return &KeyStore{db: database, host: host}
}

// SetResolver wires in the resolver used to look up remote public keys.
// Set once during startup; the resolver in turn signs its fetches with
// keys from this store.
func (k *KeyStore) SetResolver(r *Resolver) {
	k.resolver = r
}

// KeyID returns the key identifier URI for a local account.
func (k *KeyStore) KeyID(account *domain.Account) string {
	return fmt.Sprintf("https://%s/users/%s#main-key", k.host, account.Username)
}

// GetOrCreateKeypair returns the account with its keypair populated,
// generating and persisting a fresh 2048-bit RSA pair when the account has
// none yet. With force set, a new pair replaces any existing one.
func (k *KeyStore) GetOrCreateKeypair(accountId uuid.UUID, force bool) (*domain.Account, error) {
	err, account := k.db.ReadAccById(accountId)
	if err != nil {
		return nil, fmt.Errorf("account not found: %w", err)
	}

	if account.PrivateKeyPem != "" && account.PublicKeyPem != "" && !force {
		return account, nil
	}

	pair, err := util.GeneratePemKeypair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}

	if err := k.db.UpdateAccountKeys(account.Id, pair.Public, pair.Private); err != nil {
		return nil, fmt.Errorf("failed to persist keypair: %w", err)
	}

	account.PublicKeyPem = pair.Public
	account.PrivateKeyPem = pair.Private
	log.Printf("KeyStore: Generated keypair for %s", account.Username)
	return account, nil
}

// SigningIdentity returns the instance account with a parsed private key
// and its keyId, for machine-to-machine fetches that are not on behalf of
// any particular user.
func (k *KeyStore) SigningIdentity() (string, *rsa.PrivateKey, error) {
	err, account := k.db.ReadInstanceAccount()
	if err != nil {
		return "", nil, fmt.Errorf("instance account not found: %w", err)
	}

	account, err = k.GetOrCreateKeypair(account.Id, false)
	if err != nil {
		return "", nil, err
	}

	key, err := ParsePrivateKey(account.PrivateKeyPem)
	if err != nil {
		return "", nil, fmt.Errorf("failed to parse instance key: %w", err)
	}
	return k.KeyID(account), key, nil
}

// AccountSigner returns the parsed private key and keyId for a local
// account, generating the keypair on first use.
func (k *KeyStore) AccountSigner(accountId uuid.UUID) (string, *rsa.PrivateKey, error) {
	account, err := k.GetOrCreateKeypair(accountId, false)
	if err != nil {
		return "", nil, err
	}
	key, err := ParsePrivateKey(account.PrivateKeyPem)
	if err != nil {
		return "", nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return k.KeyID(account), key, nil
}

// RemotePublicKey returns the PEM public key of a remote actor, serving
// from the actor cache when fresh and resolving otherwise. An actor
// without a usable key is a hard error; verification never degrades to
// "no key, assume fine".
func (k *KeyStore) RemotePublicKey(actorURI string) (string, error) {
	if err, cached := k.db.ReadRemoteAccountByActorURI(actorURI); err == nil && cached.PublicKeyPem != "" && !cached.Gone {
		return cached.PublicKeyPem, nil
	}

	if k.resolver == nil {
		return "", ErrNoPublicKey
	}

	actor, err := k.resolver.Resolve(actorURI)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoPublicKey, err)
	}
	if actor.PublicKeyPem == "" {
		return "", ErrNoPublicKey
	}
	return actor.PublicKeyPem, nil
}
