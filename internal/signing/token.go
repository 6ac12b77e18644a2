package signing

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// AuthSubprotocolPrefix precedes the encoded header token in the
// WebSocket subprotocol the relay authenticates.
const AuthSubprotocolPrefix = "header-"

// EncodeAuthToken serializes a signed header map to a URL-safe, unpadded
// Base64 token. The relay decodes it back to JSON during the handshake.
func EncodeAuthToken(headers map[string]string) (string, error) {
	raw, err := json.Marshal(headers)
	if err != nil {
		return "", fmt.Errorf("encoding auth token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// AuthSubprotocol returns the full negotiation string for a signed
// header map.
func AuthSubprotocol(headers map[string]string) (string, error) {
	token, err := EncodeAuthToken(headers)
	if err != nil {
		return "", err
	}
	return AuthSubprotocolPrefix + token, nil
}
