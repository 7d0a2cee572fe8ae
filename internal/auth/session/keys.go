package session

import (
	"context"
	"encoding/json"

	"github.com/benidevo/vega-companion/internal/auth"
	"github.com/benidevo/vega-companion/internal/kvstore"
)

// Persisted keys. The three writes are independently atomic but not
// transactional; the bundle key is authoritative and the bare access token
// is a redundant fast-path copy.
const (
	// KeyTokenData holds the full token bundle as JSON.
	KeyTokenData = "authTokenData"
	// KeyAccessToken holds the bare access token.
	KeyAccessToken = "authToken"
	// KeyProvider holds the active provider type string.
	KeyProvider = "authProvider"
)

func readTokenData(ctx context.Context, store kvstore.Store) (*auth.Token, error) {
	raw, ok, err := store.Get(ctx, KeyTokenData)
	if err != nil {
		return nil, err
	}
	if !ok || raw == "" {
		return nil, nil
	}

	var tok auth.Token
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		// A corrupt bundle reads as "no token"; login rewrites it.
		return nil, nil
	}
	if tok.AccessToken == "" {
		return nil, nil
	}
	return &tok, nil
}

func writeTokenData(ctx context.Context, store kvstore.Store, provider auth.ProviderType, tok auth.Token) error {
	raw, err := json.Marshal(tok)
	if err != nil {
		return err
	}

	if err := store.Set(ctx, KeyTokenData, string(raw)); err != nil {
		return err
	}
	if err := store.Set(ctx, KeyAccessToken, tok.AccessToken); err != nil {
		return err
	}
	return store.Set(ctx, KeyProvider, string(provider))
}
