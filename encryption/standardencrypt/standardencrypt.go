// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package standardencrypt contains functions for the standard public-key encryption of
// aggregatable payloads.
package standardencrypt

import (
	"bytes"
	"errors"

	"github.com/google/tink/go/hybrid"
	"github.com/google/tink/go/insecurecleartextkeyset"
	"github.com/google/tink/go/keyset"
)

// PrivateKey is a serialized Tink keyset holding the hybrid decryption key.
type PrivateKey struct {
	Key []byte
}

// PublicKey is a serialized Tink keyset holding the hybrid encryption key.
type PublicKey struct {
	Key []byte
}

// GenerateStandardKeyPair generates a private key and a corresponding public key.
func GenerateStandardKeyPair() (*PrivateKey, *PublicKey, error) {
	priv, err := keyset.NewHandle(hybrid.ECIESHKDFAES128GCMKeyTemplate())
	if err != nil {
		return nil, nil, err
	}
	bPriv := new(bytes.Buffer)
	if err := insecurecleartextkeyset.Write(priv, keyset.NewBinaryWriter(bPriv)); err != nil {
		return nil, nil, err
	}

	pub, err := priv.Public()
	if err != nil {
		return nil, nil, err
	}
	bPub := new(bytes.Buffer)
	if err := insecurecleartextkeyset.Write(pub, keyset.NewBinaryWriter(bPub)); err != nil {
		return nil, nil, err
	}
	return &PrivateKey{Key: bPriv.Bytes()}, &PublicKey{Key: bPub.Bytes()}, nil
}

// Encrypt encrypts the input message with the given public key. The context is bound to the
// ciphertext and must be presented again for decryption.
func Encrypt(message, context []byte, publicKey *PublicKey) ([]byte, error) {
	if publicKey == nil || len(publicKey.Key) == 0 {
		return nil, errors.New("empty public key")
	}
	pub, err := insecurecleartextkeyset.Read(keyset.NewBinaryReader(bytes.NewBuffer(publicKey.Key)))
	if err != nil {
		return nil, err
	}

	he, err := hybrid.NewHybridEncrypt(pub)
	if err != nil {
		return nil, err
	}
	return he.Encrypt(message, context)
}

// Decrypt decrypts the message with the given private key.
func Decrypt(encrypted, context []byte, privateKey *PrivateKey) ([]byte, error) {
	if privateKey == nil {
		return nil, errors.New("empty private key")
	}
	priv, err := insecurecleartextkeyset.Read(keyset.NewBinaryReader(bytes.NewBuffer(privateKey.Key)))
	if err != nil {
		return nil, err
	}

	hd, err := hybrid.NewHybridDecrypt(priv)
	if err != nil {
		return nil, err
	}
	return hd.Decrypt(encrypted, context)
}
