// Package group implements GroupService (C11): create/join a sharing
// group, derive its id from a random secret, and encode/parse the invite
// payload that carries the secret to a new member out of band (QR code
// rendering/scanning is an external collaborator, not this package's
// concern).
package group

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	wcrypto "github.com/witness-protocol/core/internal/crypto"
	"github.com/witness-protocol/core/internal/identity"
	"github.com/witness-protocol/core/internal/ledger"
	"github.com/witness-protocol/core/internal/securestore"
	"github.com/witness-protocol/core/internal/witnesserr"
)

const inviteVersion = 1

// secretRecord is the SecureStore representation of one group_secrets entry.
type secretRecord struct {
	GroupID   string    `json:"group_id"`
	SecretHex string    `json:"secret_hex"`
	Name      string    `json:"name"`
	IsCreator bool      `json:"is_creator"`
	CreatedAt time.Time `json:"created_at"`
}

func secureStoreKey(groupID [32]byte) string {
	return "group_secrets:" + hex.EncodeToString(groupID[:])
}

// Invite is the GroupInvite payload (spec §3/§6), v1.
type Invite struct {
	Version         int    `json:"version"`
	GroupID         string `json:"groupId"`
	GroupSecret     string `json:"groupSecret"`
	GroupName       string `json:"groupName"`
	ChainID         uint64 `json:"chainId"`
	RegistryAddress string `json:"registryAddress"`
}

// CreateResult is create's return value.
type CreateResult struct {
	GroupID [32]byte
	TxHash  string
}

// JoinResult is join's return value.
type JoinResult struct {
	TxHash string
}

// Service implements create/join/export_invite/parse_invite over a
// Registry and an encrypted SecureStore, scoped to the local chain
// configuration an invite must match to be accepted.
type Service struct {
	registry        ledger.Registry
	store           *securestore.Store
	chainID         uint64
	registryAddress string
}

// NewService wires a GroupService bound to registry/store and the local
// chain configuration invites are validated against.
func NewService(registry ledger.Registry, store *securestore.Store, chainID uint64, registryAddress string) *Service {
	return &Service{registry: registry, store: store, chainID: chainID, registryAddress: registryAddress}
}

// Create generates a fresh 32-byte secret, derives its groupId, registers
// the caller's identity commitment as the group's first member on the
// ledger, and stores the secret encrypted with isCreator=true.
func (s *Service) Create(ctx context.Context, name string, id *identity.Identity) (CreateResult, error) {
	secretBytes, err := wcrypto.RandomBytes(32)
	if err != nil {
		return CreateResult{}, err
	}
	var secret [32]byte
	copy(secret[:], secretBytes)

	groupID := wcrypto.DeriveGroupID(secret)

	txHash, err := s.registry.CreateGroup(ctx, groupID, id.Commitment)
	if err != nil {
		return CreateResult{}, witnesserr.Wrap(witnesserr.CategoryTransport, witnesserr.ErrAnchorFailed, "create group")
	}

	rec := secretRecord{
		GroupID:   hex.EncodeToString(groupID[:]),
		SecretHex: hex.EncodeToString(secret[:]),
		Name:      name,
		IsCreator: true,
		CreatedAt: time.Now(),
	}
	if err := s.store.PutJSON(secureStoreKey(groupID), rec); err != nil {
		return CreateResult{}, err
	}

	return CreateResult{GroupID: groupID, TxHash: txHash}, nil
}

// Join validates an invite against local chain configuration and the
// invariant GroupId == SHA256(GroupSecret), confirms the group is active
// and the caller is not already a member, submits joinGroup with the
// caller's identity commitment, and stores the secret with isCreator=false.
func (s *Service) Join(ctx context.Context, invite Invite, id *identity.Identity, callerAddr [20]byte) (JoinResult, error) {
	groupID, secret, err := s.validateInvite(invite)
	if err != nil {
		return JoinResult{}, err
	}

	grp, err := s.registry.Group(ctx, groupID)
	if err != nil {
		return JoinResult{}, witnesserr.Wrap(witnesserr.CategoryTransport, err, "fetch group state")
	}
	if !grp.Active {
		return JoinResult{}, witnesserr.Wrap(witnesserr.CategoryUserInput, witnesserr.ErrGroupNotActive, "join group")
	}

	alreadyMember, err := s.registry.GroupMembers(ctx, groupID, callerAddr)
	if err != nil {
		return JoinResult{}, witnesserr.Wrap(witnesserr.CategoryTransport, err, "check group membership")
	}
	if alreadyMember {
		return JoinResult{}, witnesserr.Wrap(witnesserr.CategoryUserInput, witnesserr.ErrAlreadyMember, "join group")
	}

	txHash, err := s.registry.JoinGroup(ctx, groupID, id.Commitment)
	if err != nil {
		return JoinResult{}, witnesserr.Wrap(witnesserr.CategoryTransport, witnesserr.ErrAnchorFailed, "join group")
	}

	rec := secretRecord{
		GroupID:   hex.EncodeToString(groupID[:]),
		SecretHex: hex.EncodeToString(secret[:]),
		Name:      invite.GroupName,
		IsCreator: false,
		CreatedAt: time.Now(),
	}
	if err := s.store.PutJSON(secureStoreKey(groupID), rec); err != nil {
		return JoinResult{}, err
	}

	return JoinResult{TxHash: txHash}, nil
}

// validateInvite checks chain/registry match and the GroupId = SHA256(secret)
// invariant (I1), returning the decoded groupID and secret on success.
func (s *Service) validateInvite(invite Invite) (groupID [32]byte, secret [32]byte, err error) {
	if invite.Version != inviteVersion {
		return groupID, secret, witnesserr.Wrap(witnesserr.CategoryUserInput, witnesserr.ErrMalformedInvite, fmt.Sprintf("unsupported invite version %d", invite.Version))
	}
	if invite.ChainID != s.chainID {
		return groupID, secret, witnesserr.Wrap(witnesserr.CategoryUserInput, witnesserr.ErrChainMismatch, "invite chain id")
	}
	if !strings.EqualFold(invite.RegistryAddress, s.registryAddress) {
		return groupID, secret, witnesserr.Wrap(witnesserr.CategoryUserInput, witnesserr.ErrChainMismatch, "invite registry address")
	}

	secretBytes, err := decodeHex32(invite.GroupSecret)
	if err != nil {
		return groupID, secret, witnesserr.Wrap(witnesserr.CategoryUserInput, witnesserr.ErrMalformedInvite, "group secret")
	}
	secret = secretBytes

	groupIDBytes, err := decodeHex32(invite.GroupID)
	if err != nil {
		return groupID, secret, witnesserr.Wrap(witnesserr.CategoryUserInput, witnesserr.ErrMalformedInvite, "group id")
	}
	groupID = groupIDBytes

	if wcrypto.DeriveGroupID(secret) != groupID {
		return groupID, secret, witnesserr.Wrap(witnesserr.CategoryUserInput, witnesserr.ErrMalformedInvite, "group id does not match SHA256(groupSecret)")
	}
	return groupID, secret, nil
}

// ExportInvite builds the invite payload for groupID, reading the locally
// stored secret and name. Errors with ErrUnknownGroup if the caller holds
// no secret for this group.
func (s *Service) ExportInvite(groupID [32]byte) (Invite, error) {
	var rec secretRecord
	found, err := s.store.GetJSON(secureStoreKey(groupID), &rec)
	if err != nil {
		return Invite{}, err
	}
	if !found {
		return Invite{}, witnesserr.Wrap(witnesserr.CategoryUserInput, witnesserr.ErrUnknownGroup, "export invite")
	}
	return Invite{
		Version:         inviteVersion,
		GroupID:         "0x" + rec.GroupID,
		GroupSecret:     "0x" + rec.SecretHex,
		GroupName:       rec.Name,
		ChainID:         s.chainID,
		RegistryAddress: s.registryAddress,
	}, nil
}

// Secret returns the locally stored secret for groupID, for callers (e.g.
// DiscoveryService) that need to unwrap a SessionKey wrapped for this
// group. found is false if the caller holds no secret for it.
func (s *Service) Secret(groupID [32]byte) (secret [32]byte, found bool, err error) {
	var rec secretRecord
	found, err = s.store.GetJSON(secureStoreKey(groupID), &rec)
	if err != nil || !found {
		return secret, found, err
	}
	decoded, err := decodeHex32("0x" + rec.SecretHex)
	if err != nil {
		return secret, false, err
	}
	return decoded, true, nil
}

// ParseInvite decodes and validates a raw invite payload (JSON, optionally
// base64url-wrapped), returning a typed ParseError on any malformed field
// rather than propagating an undefined value.
func (s *Service) ParseInvite(payload []byte) (Invite, error) {
	raw := payload
	if decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(string(payload))); err == nil {
		raw = decoded
	}

	var invite Invite
	if err := json.Unmarshal(raw, &invite); err != nil {
		return Invite{}, &ParseError{Field: "payload", Reason: err.Error()}
	}

	if _, _, err := s.validateInvite(invite); err != nil {
		return Invite{}, &ParseError{Field: "invite", Reason: err.Error()}
	}
	return invite, nil
}

// ParseError is a typed parse failure (spec §4.11/§9): dynamic-typed JSON
// invites are rejected explicitly rather than propagating a zero value.
type ParseError struct {
	Field  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse invite: invalid %s: %s", e.Field, e.Reason)
}

func decodeHex32(s string) ([32]byte, error) {
	var out [32]byte
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 64 {
		return out, fmt.Errorf("expected 64 hex characters, got %d", len(s))
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	copy(out[:], decoded)
	return out, nil
}
