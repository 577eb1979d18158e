// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/oidcd/pkg/authserver/storage"
)

// seedFile is the YAML layout of the startup seed: OAuth clients to
// register and users the dev login form accepts.
type seedFile struct {
	Clients []seedClient `yaml:"clients"`
	Users   []seedUser   `yaml:"users"`
}

type seedClient struct {
	ID                     string   `yaml:"id"`
	Name                   string   `yaml:"name"`
	Secret                 string   `yaml:"secret"`
	RedirectURIs           []string `yaml:"redirect_uris"`
	PostLogoutRedirectURIs []string `yaml:"post_logout_redirect_uris"`
	ResponseTypes          []string `yaml:"response_types"`
	GrantTypes             []string `yaml:"grant_types"`
	Scopes                 []string `yaml:"scopes"`
	SkipConsent            bool     `yaml:"skip_consent"`
}

type seedUser struct {
	ID       string `yaml:"id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	Name          string `yaml:"name"`
	GivenName     string `yaml:"given_name"`
	FamilyName    string `yaml:"family_name"`
	Email         string `yaml:"email"`
	EmailVerified bool   `yaml:"email_verified"`
	PhoneNumber   string `yaml:"phone_number"`
	Locale        string `yaml:"locale"`
}

type seed struct {
	clients []*storage.Client
	users   []devUser
}

// loadSeed parses the seed file. A missing path yields an empty seed.
func loadSeed(path string) (*seed, error) {
	if path == "" {
		return &seed{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}

	s := &seed{}
	for _, c := range file.Clients {
		if c.ID == "" {
			return nil, fmt.Errorf("seed client without an id")
		}
		if len(c.RedirectURIs) == 0 {
			return nil, fmt.Errorf("seed client %q has no redirect_uris", c.ID)
		}
		s.clients = append(s.clients, &storage.Client{
			ID:                     c.ID,
			Name:                   c.Name,
			Secret:                 c.Secret,
			RedirectURIs:           c.RedirectURIs,
			PostLogoutRedirectURIs: c.PostLogoutRedirectURIs,
			ResponseTypes:          c.ResponseTypes,
			GrantTypes:             c.GrantTypes,
			Scopes:                 c.Scopes,
			SkipConsent:            c.SkipConsent,
		})
	}
	for _, u := range file.Users {
		if u.ID == "" || u.Username == "" {
			return nil, fmt.Errorf("seed user without id or username")
		}
		s.users = append(s.users, devUser{
			username: u.Username,
			password: u.Password,
			user: storage.User{
				ID:                u.ID,
				Name:              u.Name,
				GivenName:         u.GivenName,
				FamilyName:        u.FamilyName,
				PreferredUsername: u.Username,
				Email:             u.Email,
				EmailVerified:     u.EmailVerified,
				PhoneNumber:       u.PhoneNumber,
				Locale:            u.Locale,
			},
		})
	}
	return s, nil
}

// provision registers the seed clients, updating any that already exist.
func (s *seed) provision(ctx context.Context, store storage.Storage) error {
	for _, client := range s.clients {
		err := store.CreateClient(ctx, client)
		if errors.Is(err, storage.ErrAlreadyExists) {
			err = store.UpdateClient(ctx, client)
		}
		if err != nil {
			return fmt.Errorf("failed to provision client %q: %w", client.ID, err)
		}
		slog.Info("provisioned client", "client_id", client.ID, "public", client.IsPublic())
	}
	return nil
}
