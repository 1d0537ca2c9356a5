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

// Tokens is an OAuth2 access/refresh pair plus the bookkeeping needed to
// decide when it must be renewed.
//
// For Storage providers a Tokens value lives only inside the currently
// active Deferred. For Storageless providers it lives inside the
// ProviderConfig and is shared, read under the provider's mutex.
type Tokens struct {
	Type       string `json:"token_type,omitempty" yaml:"type,omitempty"`
	Access     string `json:"access_token,omitempty" yaml:"access,omitempty"`
	Refresh    string `json:"refresh_token,omitempty" yaml:"refresh,omitempty"`
	Scope      string `json:"scope,omitempty" yaml:"scope,omitempty"`
	ExpiresIn  uint64 `json:"expires_in,omitempty" yaml:"expires_in,omitempty"`

	// OnChange, when set, is invoked on the main I/O thread whenever this
	// Tokens value is mutated by a refresh or grant exchange.
	OnChange func(*Tokens) `json:"-" yaml:"-"`
}

// Copy returns a value copy with OnChange cleared; callers that need the
// hook re-attach it explicitly.
func (t *Tokens) Copy() *Tokens {
	if t == nil {
		return nil
	}
	cp := *t
	cp.OnChange = nil
	return &cp
}

// HasAccess reports whether an access token is present.
func (t *Tokens) HasAccess() bool {
	return t != nil && t.Access != ""
}

// ApplyGrantResponse overlays fields parsed from a token-endpoint JSON body
// onto t, applying the defaults spec.md §4.2 rule 1 requires for absent
// optional fields, and fires OnChange if set.
func (t *Tokens) ApplyGrantResponse(tokenType, access, refresh, scope string, expiresIn uint64) {
	t.Type = tokenType
	if access != "" {
		t.Access = access
	}
	if refresh != "" {
		t.Refresh = refresh
	}
	t.Scope = scope
	t.ExpiresIn = expiresIn
	if t.OnChange != nil {
		t.OnChange(t)
	}
}
