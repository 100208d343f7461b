// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

// Package ids generates the public ids used throughout tether.
package ids

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-secure-stdlib/base62"
	"github.com/hashicorp/go-uuid"
	"github.com/hashicorp/tether/internal/errors"
)

// NewPublicId creates a new random base62 id with the provided prefix, in the
// form of prefix_base62.
func NewPublicId(ctx context.Context, prefix string) (string, error) {
	const op = "ids.NewPublicId"
	if prefix == "" {
		return "", errors.New(ctx, errors.InvalidParameter, op, "missing prefix")
	}
	publicId, err := base62.Random(10)
	if err != nil {
		return "", errors.Wrap(ctx, err, op, errors.WithCode(errors.Io))
	}
	return fmt.Sprintf("%s_%s", prefix, publicId), nil
}

// NewCorrelationId creates a new uuid suitable for correlating a command with
// its result frames.
func NewCorrelationId(ctx context.Context) (string, error) {
	const op = "ids.NewCorrelationId"
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "", errors.Wrap(ctx, err, op, errors.WithCode(errors.Io))
	}
	return id, nil
}
