package web

import (
	"fmt"

	webpush "github.com/SherClockHolmes/webpush-go"
)

const (
	metaVAPIDPublic  = "vapid_public_key"
	metaVAPIDPrivate = "vapid_private_key"
)

// MetaStore is the metadata table of the profile database.
type MetaStore interface {
	GetMeta(key string) (string, error)
	SetMeta(key, value string) error
}

// EnsureVAPIDKeys returns the profile's VAPID keypair, generating and
// storing one on first use.
func EnsureVAPIDKeys(store MetaStore) (publicKey, privateKey string, generated bool, err error) {
	publicKey, err = store.GetMeta(metaVAPIDPublic)
	if err != nil {
		return "", "", false, fmt.Errorf("read vapid public key: %w", err)
	}
	privateKey, err = store.GetMeta(metaVAPIDPrivate)
	if err != nil {
		return "", "", false, fmt.Errorf("read vapid private key: %w", err)
	}
	if publicKey != "" && privateKey != "" {
		return publicKey, privateKey, false, nil
	}

	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", false, fmt.Errorf("generate vapid keypair: %w", err)
	}
	if err := store.SetMeta(metaVAPIDPrivate, privateKey); err != nil {
		return "", "", false, fmt.Errorf("store vapid private key: %w", err)
	}
	if err := store.SetMeta(metaVAPIDPublic, publicKey); err != nil {
		return "", "", false, fmt.Errorf("store vapid public key: %w", err)
	}
	return publicKey, privateKey, true, nil
}
