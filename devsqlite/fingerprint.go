// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package devsqlite

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"runtime"
)

// loadFingerprint derives the stable device identifier. Several weak host
// signals are combined with a random salt persisted in _sync_meta, so the
// result survives restarts but cannot be reconstructed from public
// information alone.
func (c *Client) loadFingerprint(ctx context.Context) (string, error) {
	salt, err := c.loadOrCreateSalt(ctx)
	if err != nil {
		return "", err
	}

	sig := c.config.Signals
	if sig == nil {
		sig = &Signals{}
	}
	s := *sig
	if s.Hostname == "" {
		s.Hostname, _ = os.Hostname()
	}
	if s.OS == "" {
		s.OS = runtime.GOOS
	}
	if s.Arch == "" {
		s.Arch = runtime.GOARCH
	}

	h := sha256.New()
	for _, part := range []string{s.Hostname, s.OS, s.Arch, s.Agent, salt} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32], nil
}

func (c *Client) loadOrCreateSalt(ctx context.Context) (string, error) {
	salt, err := c.getMeta(ctx, metaKeySalt)
	if err != nil {
		return "", err
	}
	if salt != "" {
		return salt, nil
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate fingerprint salt: %w", err)
	}
	salt = hex.EncodeToString(buf)
	if err := c.setMeta(ctx, metaKeySalt, salt); err != nil {
		return "", err
	}
	return salt, nil
}
