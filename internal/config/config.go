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

// Package config decodes the YAML provider-config document into the
// Provider Config records internal/model defines for the Dispatcher,
// plus the job-queue connection and admin-API bind settings. The
// Dispatcher never parses YAML itself; it only ever sees the decoded
// model.ProviderConfig slice this package produces.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/casper2020/casper-http-gateway/internal/gwerrors"
	"github.com/casper2020/casper-http-gateway/internal/model"
)

// Document is the top-level shape of the YAML config file.
type Document struct {
	Providers []ProviderDocument `yaml:"providers"`
	JobQueue  JobQueueConfig     `yaml:"job_queue"`
	Admin     AdminConfig        `yaml:"admin"`
	Log       LogConfig          `yaml:"log"`
	Cache     CacheConfig        `yaml:"cache"`
}

// CacheConfig configures §4.5's optional response cache. BoltPath empty
// disables the cache entirely; GCSchedule defaults to hourly.
type CacheConfig struct {
	BoltPath   string `yaml:"bolt_path"`
	GCSchedule string `yaml:"gc_schedule"`
}

// LogConfig selects the zerolog sink level and format.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// AdminConfig configures C7's bind address.
type AdminConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// JobQueueConfig configures the MQTT job-queue adapter. Field names and
// defaults follow sio/siomq's command-line flags (broker, client id,
// keep-alive, TLS material, reconnect/clean-session behavior).
type JobQueueConfig struct {
	BrokerURL  string        `yaml:"broker_url"`
	ClientID   string        `yaml:"client_id"`
	Username   string        `yaml:"username"`
	Password   string        `yaml:"password"`
	KeepAlive  time.Duration `yaml:"keep_alive"`
	Clean      bool          `yaml:"clean_session"`
	Reconnect  bool          `yaml:"reconnect"`
	QoS        byte          `yaml:"qos"`
	CertFile   string        `yaml:"cert_file"`
	KeyFile    string        `yaml:"key_file"`
	CAFile     string        `yaml:"ca_file"`
	Insecure   bool          `yaml:"insecure"`
	Tubes      []string      `yaml:"tubes"`
}

// ProviderDocument mirrors model.ProviderConfig with YAML-friendly field
// names; ToModel converts one entry into the runtime shape.
type ProviderDocument struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"` // "storage" | "storageless"

	OAuth2 struct {
		AuthorizationURL string `yaml:"authorization_url"`
		TokenURL         string `yaml:"token_url"`
		ClientID         string `yaml:"client_id"`
		ClientSecret     string `yaml:"client_secret"`
		RedirectURL      string `yaml:"redirect_url"`
		Scope            string `yaml:"scope"`
	} `yaml:"oauth2"`

	Grant struct {
		Kind          string `yaml:"kind"` // "client_credentials" | "authorization_code" | "authorization_code_auto"
		RFC6749Strict bool   `yaml:"rfc6749_strict"`
		FormPost      bool   `yaml:"form_post"`
	} `yaml:"grant"`

	Headers          map[string]string            `yaml:"headers"`
	HeadersPerMethod map[string]map[string]string `yaml:"headers_per_method"`
	Signing          interface{}                  `yaml:"signing"`

	Tmp struct {
		Validity int64  `yaml:"validity"`
		BaseURL  string `yaml:"base_url"`
	} `yaml:"tmp"`

	Storage *struct {
		EndpointTokens   string            `yaml:"endpoint_tokens"`
		Arguments        interface{}       `yaml:"arguments"`
		Headers          map[string]string `yaml:"headers"`
		TimeoutConnect   time.Duration     `yaml:"timeout_connect"`
		TimeoutRequest   time.Duration     `yaml:"timeout_request"`
		EncryptionKeyHex string            `yaml:"encryption_key_hex"`
	} `yaml:"storage"`

	Storageless *struct {
		Headers map[string]string `yaml:"headers"`
	} `yaml:"storageless"`
}

// Load reads and decodes path, then converts every provider entry into
// model.ProviderConfig. Malformed documents and entries fail as
// gwerrors.ConfigError; the caller (cmd/gatewayd or cmd/gatewayctl) never
// has to distinguish YAML syntax errors from semantic ones.
func Load(path string) (*Document, []*model.ProviderConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, &gwerrors.ConfigError{Reason: fmt.Sprintf("reading %s: %s", path, err)}
	}

	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, nil, &gwerrors.ConfigError{Reason: fmt.Sprintf("parsing %s: %s", path, err)}
	}

	providers := make([]*model.ProviderConfig, 0, len(doc.Providers))
	seen := make(map[string]bool, len(doc.Providers))
	for _, pd := range doc.Providers {
		if pd.ID == "" {
			return nil, nil, &gwerrors.ConfigError{Reason: "provider entry missing id"}
		}
		if seen[pd.ID] {
			return nil, nil, &gwerrors.ConfigError{ProviderID: pd.ID, Reason: "duplicate provider id"}
		}
		seen[pd.ID] = true

		p, err := pd.toModel()
		if err != nil {
			return nil, nil, err
		}
		providers = append(providers, p)
	}

	return &doc, providers, nil
}

func (pd *ProviderDocument) toModel() (*model.ProviderConfig, error) {
	p := &model.ProviderConfig{
		ID: pd.ID,
		HTTP: model.OAuth2HTTPConfig{
			AuthorizationURL: pd.OAuth2.AuthorizationURL,
			TokenURL:         pd.OAuth2.TokenURL,
			ClientID:         pd.OAuth2.ClientID,
			ClientSecret:     pd.OAuth2.ClientSecret,
			RedirectURL:      pd.OAuth2.RedirectURL,
			Scope:            pd.OAuth2.Scope,
		},
		Headers:          pd.Headers,
		HeadersPerMethod: pd.HeadersPerMethod,
		Signing:          pd.Signing,
		TmpConfig:        model.TmpConfig{Validity: pd.Tmp.Validity, BaseURL: pd.Tmp.BaseURL},
	}

	switch pd.Grant.Kind {
	case "", "client_credentials":
		p.Grant = model.GrantConfig{Kind: model.GrantClientCredentials, RFC6749Strict: pd.Grant.RFC6749Strict, FormPost: pd.Grant.FormPost}
	case "authorization_code":
		p.Grant = model.GrantConfig{Kind: model.GrantAuthorizationCode, RFC6749Strict: pd.Grant.RFC6749Strict, FormPost: pd.Grant.FormPost}
	case "authorization_code_auto":
		p.Grant = model.GrantConfig{Kind: model.GrantAuthorizationCodeAuto, RFC6749Strict: pd.Grant.RFC6749Strict, FormPost: pd.Grant.FormPost}
	default:
		return nil, &gwerrors.ConfigError{ProviderID: pd.ID, Reason: fmt.Sprintf("unknown grant.kind %q", pd.Grant.Kind)}
	}

	switch pd.Type {
	case "storage":
		p.Type = model.Storage
		if pd.Storage == nil || pd.Storage.EndpointTokens == "" {
			return nil, &gwerrors.ConfigError{ProviderID: pd.ID, Reason: "storage provider missing storage.endpoint_tokens"}
		}
		p.Storage = &model.StorageConfig{
			EndpointTokens:   pd.Storage.EndpointTokens,
			Arguments:        pd.Storage.Arguments,
			Headers:          pd.Storage.Headers,
			Timeouts:         model.Timeouts{Connect: pd.Storage.TimeoutConnect, Request: pd.Storage.TimeoutRequest},
			EncryptionKeyHex: pd.Storage.EncryptionKeyHex,
		}
	case "storageless":
		p.Type = model.Storageless
		headers := map[string]string{}
		if pd.Storageless != nil {
			headers = pd.Storageless.Headers
		}
		p.Storageless = &model.StoragelessConfig{Headers: headers}
	default:
		return nil, &gwerrors.ConfigError{ProviderID: pd.ID, Reason: fmt.Sprintf("unknown type %q (want storage or storageless)", pd.Type)}
	}

	return p, nil
}
