// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authserver assembles an embeddable OpenID Connect provider:
// authorization and token endpoints, a consent ledger, JWKS publication,
// userinfo and discovery. The host application supplies authentication,
// user lookup and (optionally) its own consent UI; this package supplies
// the protocol.
package authserver

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Default lifespans applied by Config.withDefaults.
const (
	DefaultCodeLifespan         = 10 * time.Minute
	DefaultAccessTokenLifespan  = time.Hour
	DefaultIDTokenLifespan      = 10 * time.Minute
	DefaultRefreshTokenLifespan = 30 * 24 * time.Hour
)

// Config holds provider-wide settings.
type Config struct {
	// Issuer is the external base URL of the provider, without a
	// trailing slash. Required.
	Issuer string

	CodeLifespan         time.Duration
	AccessTokenLifespan  time.Duration
	IDTokenLifespan      time.Duration
	RefreshTokenLifespan time.Duration

	// ConsentLifespan bounds recorded consents. Zero means consents
	// never expire.
	ConsentLifespan time.Duration

	// SkipConsentAlways bypasses the consent prompt for every client.
	SkipConsentAlways bool

	// SkipConsentIfGranted bypasses the prompt when the ledger already
	// holds a covering consent.
	SkipConsentIfGranted bool
}

// Validate checks the configuration for structural problems.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("issuer must be an http or https URL, got %q", c.Issuer)
	}
	if u.Host == "" {
		return fmt.Errorf("issuer must be an absolute URL, got %q", c.Issuer)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("issuer must not carry a query or fragment, got %q", c.Issuer)
	}
	for name, d := range map[string]time.Duration{
		"code lifespan":          c.CodeLifespan,
		"access token lifespan":  c.AccessTokenLifespan,
		"id token lifespan":      c.IDTokenLifespan,
		"refresh token lifespan": c.RefreshTokenLifespan,
		"consent lifespan":       c.ConsentLifespan,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	c.Issuer = strings.TrimRight(c.Issuer, "/")
	if c.CodeLifespan == 0 {
		c.CodeLifespan = DefaultCodeLifespan
	}
	if c.AccessTokenLifespan == 0 {
		c.AccessTokenLifespan = DefaultAccessTokenLifespan
	}
	if c.IDTokenLifespan == 0 {
		c.IDTokenLifespan = DefaultIDTokenLifespan
	}
	if c.RefreshTokenLifespan == 0 {
		c.RefreshTokenLifespan = DefaultRefreshTokenLifespan
	}
	return c
}
