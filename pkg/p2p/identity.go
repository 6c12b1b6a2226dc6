package p2p

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/uhyunpark/democrit/pkg/crypto"
)

// IdentityMeta is the metadata entry holding the node's private key.
const IdentityMeta = "p2p-key"

// LoadIdentity returns the node key. An explicit keyHex wins; otherwise
// the key stored in store is used, and a fresh one is generated and stored
// on first start.
func LoadIdentity(store MetaStore, keyHex string, log *zap.SugaredLogger) (*crypto.Signer, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if keyHex != "" {
		return crypto.FromPrivateKeyHex(keyHex)
	}

	b, err := store.GetMeta(IdentityMeta)
	if err != nil {
		return nil, err
	}
	if b != nil {
		return crypto.FromPrivateKeyBytes(b)
	}

	s, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := store.SetMeta(IdentityMeta, s.PrivateKeyBytes()); err != nil {
		return nil, fmt.Errorf("failed to store identity: %w", err)
	}
	log.Infow("identity_generated", "key", s.Address().Hex())
	return s, nil
}
