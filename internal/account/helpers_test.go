package account

import (
	"context"
	"encoding/base64"
)

func testContext() context.Context {
	return context.Background()
}

func decodeJWSPayload(payload string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(payload)
}
