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

package model

import "sync"

// ProviderType selects whether a provider's OAuth2 tokens are persisted
// via an external HTTP endpoint (Storage) or kept in process memory
// (Storageless).
type ProviderType int

const (
	Storage ProviderType = iota
	Storageless
)

// GrantKind is an OAuth2 flow.
type GrantKind int

const (
	GrantClientCredentials GrantKind = iota
	GrantAuthorizationCode
	GrantAuthorizationCodeAuto
)

// GrantConfig describes how a provider negotiates tokens.
type GrantConfig struct {
	Kind          GrantKind
	RFC6749Strict bool
	FormPost      bool
}

// OAuth2HTTPConfig carries the OAuth2 client's endpoints and credentials.
type OAuth2HTTPConfig struct {
	AuthorizationURL string
	TokenURL         string
	ClientID         string
	ClientSecret     string
	RedirectURL      string
	Scope            string
}

// TmpConfig configures response caching to disk.
type TmpConfig struct {
	Validity int64
	BaseURL  string
}

// StorageConfig is the Storage-mode provider's token-store endpoint.
type StorageConfig struct {
	EndpointTokens string
	Arguments      interface{}
	Headers        map[string]string
	Timeouts       Timeouts

	// EncryptionKeyHex is the hex-encoded 32-byte secretbox key used to
	// wrap access_token/refresh_token on POST and unwrap them on GET,
	// per §6's ede/edd contract.
	EncryptionKeyHex string
}

// StoragelessConfig is the Storageless-mode provider's in-memory tokens.
type StoragelessConfig struct {
	Headers map[string]string
	Tokens  Tokens
}

// ProviderConfig is one entry in the provider registry, keyed by id.
// Providers are created at setup and never mutated after registration
// except that a Storageless provider's Tokens field is updated in place
// under Mu.
type ProviderConfig struct {
	ID                string
	Type              ProviderType
	HTTP              OAuth2HTTPConfig
	Grant             GrantConfig
	Headers           map[string]string
	HeadersPerMethod  map[string]map[string]string
	Signing           interface{}
	TmpConfig         TmpConfig

	Storage     *StorageConfig
	Storageless *StoragelessConfig

	// Mu guards Storageless.Tokens; held only across the
	// token-update critical section (invariant 3, §3).
	Mu sync.Mutex
}

// AllowOAuth2RestartOnEmptyTokens implements the later-revision decision
// from spec.md §9 Open Questions: Storageless providers may auto-restart
// an OAuth2 grant when no access token is present iff the grant is
// client_credentials or authorization_code_auto; Storage providers never
// do (false regardless of any "m2m" flag — that distinction is not
// carried forward).
func (p *ProviderConfig) AllowOAuth2RestartOnEmptyTokens() bool {
	if p.Type == Storage {
		return false
	}
	switch p.Grant.Kind {
	case GrantClientCredentials, GrantAuthorizationCodeAuto:
		return true
	default:
		return false
	}
}

// LockedTokens runs fn with the Storageless provider's token mutex held;
// fn reads or mutates the tokens in place. Callers must only use this for Storageless
// providers.
func (p *ProviderConfig) LockedTokens(fn func(*Tokens)) {
	p.Mu.Lock()
	defer p.Mu.Unlock()
	fn(&p.Storageless.Tokens)
}
