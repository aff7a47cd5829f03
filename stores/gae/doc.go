//go:build !wasm
// +build !wasm

// Package gae provides a Google Cloud Datastore implementation of
// authcore.CredentialStore. It supports multi-tenancy through Datastore
// namespaces.
//
// # Datastore Kinds
//
//   - User: accounts, refresh token digests embedded
//   - UserUnique: one entity per claimed email, google id or github id,
//     keyed by "<kind>:<value>" and naming the owning user
//
// Uniqueness and version checks run inside Datastore transactions that
// read the claim entities, so concurrent creates for the same key cannot
// both commit.
//
// # Usage
//
//	client, _ := datastore.NewClient(ctx, projectID)
//	store := gae.NewCredentialStore(client, "")  // default namespace
package gae
