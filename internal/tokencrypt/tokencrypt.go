/**
 * Copyright (c) 2011-2021 Cloudware S.A. All rights reserved.
 *
 * This file is part of casper-http-gateway.
 *
 * casper-http-gateway is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 */

// Package tokencrypt implements the ede/edd symmetric encryption
// wrapping contract of spec.md §6: access_token and refresh_token MUST
// be encrypted by the caller before a Storage POST, and decrypted after
// a Storage GET. The cipher algorithm itself is out of scope per
// spec.md §1 ("standard" primitives); this uses NaCl secretbox
// (golang.org/x/crypto/nacl/secretbox), grounded on the wider example
// pack's preference for golang.org/x/crypto over a hand-rolled AEAD
// (bureau-foundation-bureau depends on the same module for at-rest
// encryption of sensitive material).
package tokencrypt

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize is the secretbox key size in bytes.
const KeySize = 32

// Box seals and opens strings with a fixed 32-byte key, matching the
// "ede"/"edd" (encrypt/decrypt) naming spec.md uses for the wrapping
// functions a Storage provider's caller must apply.
type Box struct {
	key [KeySize]byte
}

// NewBox builds a Box from a raw key. The key must be exactly KeySize
// bytes; shorter/longer keys are a ConfigError at the call site.
func NewBox(key []byte) (*Box, error) {
	if len(key) != KeySize {
		return nil, errors.New("tokencrypt: key must be 32 bytes")
	}
	var b Box
	copy(b.key[:], key)
	return &b, nil
}

// Seal (ede) encrypts plaintext and returns a base64-std-encoded
// nonce||ciphertext suitable for JSON transport.
func (b *Box) Seal(plaintext string) (string, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &b.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open (edd) decrypts a value produced by Seal.
func (b *Box) Open(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	if len(sealed) < 24 {
		return "", errors.New("tokencrypt: ciphertext too short")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	opened, ok := secretbox.Open(nil, sealed[24:], &nonce, &b.key)
	if !ok {
		return "", errors.New("tokencrypt: decryption failed")
	}
	return string(opened), nil
}

// TrackingID computes the Storage POST's tracking_id per spec.md §6:
// SHA-256(ua + rjid + access + refresh + scope), hex encoded.
func TrackingID(ua, rjid, access, refresh, scope string) string {
	h := sha256.New()
	h.Write([]byte(ua))
	h.Write([]byte(rjid))
	h.Write([]byte(access))
	h.Write([]byte(refresh))
	h.Write([]byte(scope))
	return hex.EncodeToString(h.Sum(nil))
}
