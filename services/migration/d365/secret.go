// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package d365

import (
	"errors"

	"github.com/awnumar/memguard"
)

// ErrEmptySecret indicates a secret with no content.
var ErrEmptySecret = errors.New("secret is empty")

// Secret holds the client secret encrypted in memory.
//
// Description:
//
//	The plaintext lives in a memguard Enclave and is decrypted into a
//	locked buffer only for the duration of Reveal's callback. The zero
//	value is empty.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Secret struct {
	enclave *memguard.Enclave
}

// NewSecret seals value. The input string cannot be wiped by Go, so
// callers should drop their reference promptly.
func NewSecret(value string) Secret {
	if value == "" {
		return Secret{}
	}
	return Secret{enclave: memguard.NewEnclave([]byte(value))}
}

// Empty reports whether no secret was sealed.
func (s Secret) Empty() bool { return s.enclave == nil }

// Reveal decrypts the secret and passes it to fn. The buffer is
// destroyed when fn returns.
func (s Secret) Reveal(fn func(plaintext string) error) error {
	if s.enclave == nil {
		return ErrEmptySecret
	}
	buf, err := s.enclave.Open()
	if err != nil {
		return err
	}
	defer buf.Destroy()
	return fn(string(buf.Bytes()))
}

// String never prints the secret.
func (s Secret) String() string {
	if s.enclave == nil {
		return ""
	}
	return "[REDACTED]"
}

// MarshalText keeps secrets out of serialized config dumps.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Purge wipes every sealed secret and the enclave key. Secrets created
// before the call can no longer be revealed. The CLI calls it on exit.
func Purge() { memguard.Purge() }
