// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/hashicorp/tether/internal/errors"
)

// TokenClaims is the payload of a signed session token.  Wid is the worker
// instance id (never a display name).
type TokenClaims struct {
	Sid    string `json:"sid"`
	Wid    string `json:"wid"`
	Tenant string `json:"tenant"`
	Exp    int64  `json:"exp"`
}

// SignToken signs the claims with the scheduler's session signing key,
// producing the compact token carried in control.session.accept.
func SignToken(ctx context.Context, key []byte, claims TokenClaims) (string, error) {
	const op = "session.SignToken"
	switch {
	case len(key) == 0:
		return "", errors.New(ctx, errors.InvalidParameter, op, "missing signing key")
	case claims.Sid == "":
		return "", errors.New(ctx, errors.InvalidParameter, op, "missing session id claim")
	case claims.Wid == "":
		return "", errors.New(ctx, errors.InvalidParameter, op, "missing worker instance id claim")
	case claims.Tenant == "":
		return "", errors.New(ctx, errors.InvalidParameter, op, "missing tenant claim")
	case claims.Exp == 0:
		return "", errors.New(ctx, errors.InvalidParameter, op, "missing expiry claim")
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: key}, nil)
	if err != nil {
		return "", errors.Wrap(ctx, err, op, errors.WithCode(errors.Internal))
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", errors.Wrap(ctx, err, op, errors.WithCode(errors.Internal))
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", errors.Wrap(ctx, err, op, errors.WithCode(errors.Internal))
	}
	token, err := jws.CompactSerialize()
	if err != nil {
		return "", errors.Wrap(ctx, err, op, errors.WithCode(errors.Internal))
	}
	return token, nil
}

// VerifyToken checks the token's signature and expiry and returns its
// claims.  A bad signature or malformed token returns errors.InvalidToken;
// an expired token returns errors.StaleBinding since the binding it
// represents can no longer be trusted.
func VerifyToken(ctx context.Context, key []byte, token string) (*TokenClaims, error) {
	const op = "session.VerifyToken"
	if len(key) == 0 {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing signing key")
	}
	if token == "" {
		return nil, errors.New(ctx, errors.InvalidToken, op, "missing token")
	}
	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, errors.New(ctx, errors.InvalidToken, op, "malformed session token")
	}
	payload, err := jws.Verify(key)
	if err != nil {
		return nil, errors.New(ctx, errors.InvalidToken, op, "session token signature is not valid")
	}
	var claims TokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, errors.New(ctx, errors.InvalidToken, op, "session token claims are not valid")
	}
	if time.Now().Unix() >= claims.Exp {
		return nil, errors.New(ctx, errors.StaleBinding, op, "session token has expired")
	}
	return &claims, nil
}
