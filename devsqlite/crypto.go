// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package devsqlite

import "encoding/json"

// Cipher is the encryption boundary for row payloads. The engine never
// inspects plaintext except when a conflict classification or field-level
// merge needs the decrypted document; everywhere else payloads are opaque
// blobs compared byte-for-byte.
type Cipher interface {
	Encrypt(plaintext json.RawMessage) (json.RawMessage, error)
	Decrypt(ciphertext json.RawMessage) (json.RawMessage, error)
}

// NoopCipher passes payloads through unchanged. It is the default when the
// application keeps payloads in cleartext or encrypts them before enqueue.
type NoopCipher struct{}

func (NoopCipher) Encrypt(p json.RawMessage) (json.RawMessage, error) { return p, nil }
func (NoopCipher) Decrypt(p json.RawMessage) (json.RawMessage, error) { return p, nil }
