// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package token

import (
	"fmt"
	"time"

	"github.com/nats-io/jwt/v2"
	"github.com/nats-io/nkeys"
)

// SubjectScope describes the per-hub subject permissions an issued
// credential is restricted to
type SubjectScope struct {
	InputRoot  string
	OutputRoot string
}

// Credential is a scoped signed broker credential for one hub
type Credential struct {
	JWT           string `json:"jwt"`
	Seed          string `json:"seed"`
	UserPublicKey string `json:"user_public_key"`
}

// Issuer mints broker user credentials signed by the bridge account key.
// Each credential is scoped to exactly one hub's subjects.
type Issuer struct {
	accountKP  nkeys.KeyPair
	accountPub string
	scope      SubjectScope
	ttl        time.Duration
}

// NewIssuer creates an issuer from an account seed. A missing or invalid
// seed is a fatal configuration error for the caller.
func NewIssuer(accountSeed string, scope SubjectScope, ttl time.Duration) (*Issuer, error) {
	if accountSeed == "" {
		return nil, fmt.Errorf("issuer account seed is not configured")
	}

	kp, err := nkeys.FromSeed([]byte(accountSeed))
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer account seed: %w", err)
	}

	pub, err := kp.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to derive issuer public key: %w", err)
	}

	if !nkeys.IsValidPublicAccountKey(pub) {
		return nil, fmt.Errorf("issuer seed is not an account key")
	}

	return &Issuer{
		accountKP:  kp,
		accountPub: pub,
		scope:      scope,
		ttl:        ttl,
	}, nil
}

// Mint issues a fresh user credential scoped to hubID's subjects:
// publish on the output hierarchy and the hub's reply inbox, subscribe on
// the hub's input subject and its private reply subjects.
func (i *Issuer) Mint(hubID string) (*Credential, error) {
	userKP, err := nkeys.CreateUser()
	if err != nil {
		return nil, fmt.Errorf("failed to create user keypair: %w", err)
	}

	userPub, err := userKP.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to derive user public key: %w", err)
	}

	seed, err := userKP.Seed()
	if err != nil {
		return nil, fmt.Errorf("failed to extract user seed: %w", err)
	}

	claims := jwt.NewUserClaims(userPub)
	claims.Name = "hub_" + hubID
	claims.IssuerAccount = i.accountPub
	claims.Expires = time.Now().Add(i.ttl).Unix()

	claims.Permissions.Pub.Allow.Add(
		i.scope.OutputRoot+".>",
		"_INBOX."+hubID+".>",
	)
	claims.Permissions.Sub.Allow.Add(
		i.scope.InputRoot+"."+hubID,
		"_INBOX."+hubID+".>",
	)

	signed, err := claims.Encode(i.accountKP)
	if err != nil {
		return nil, fmt.Errorf("failed to sign user claims: %w", err)
	}

	return &Credential{
		JWT:           signed,
		Seed:          string(seed),
		UserPublicKey: userPub,
	}, nil
}

// AccountPublicKey returns the issuer's account public key
func (i *Issuer) AccountPublicKey() string {
	return i.accountPub
}
