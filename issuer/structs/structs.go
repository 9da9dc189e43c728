// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package structs holds the domain types shared between the issuer core,
// the state store and the HTTP agent.
package structs

import (
	"fmt"
	"strings"
	"time"
)

// Well-known JSON-LD context URLs. The first @context element of a
// credential must be one of the two VC base contexts.
const (
	ContextVC11              = "https://www.w3.org/2018/credentials/v1"
	ContextVC20              = "https://www.w3.org/ns/credentials/v2"
	ContextVCExamples        = "https://www.w3.org/2018/credentials/examples/v1"
	ContextStatusList2021    = "https://w3id.org/vc/status-list/2021/v1"
	ContextRevocationList    = "https://w3id.org/vc-revocation-list-2020/v1"
	ContextDataIntegrityV2   = "https://w3id.org/security/data-integrity/v2"
	ContextEd25519Sig2020    = "https://w3id.org/security/suites/ed25519-2020/v1"
	ContextMultikey          = "https://w3id.org/security/multikey/v1"
	ContextBitstringIncluded = ContextVC20 // VC 2.0 bundles the bitstring terms
)

// Envelope formats for issued credentials.
const (
	EnvelopeFormatVCJWT = "VC-JWT"

	// EnvelopedCredentialType is the wrapper type returned for enveloped
	// issuance, with the JWT carried in a data: URL id.
	EnvelopedCredentialType = "EnvelopedVerifiableCredential"
)

// Cryptosuite names accepted in issue options. Names are compared in their
// canonical lower-case form; legacy mixed-case references are normalized at
// read time.
const (
	SuiteEd25519Signature2020 = "ed25519signature2020"
	SuiteEddsaRdfc2022        = "eddsa-rdfc-2022"
	SuiteEcdsaRdfc2019        = "ecdsa-rdfc-2019"
	SuiteEcdsaSd2023          = "ecdsa-sd-2023"
	SuiteEcdsaXi2023          = "ecdsa-xi-2023"
	SuiteBbs2023              = "bbs-2023"
)

// CanonicalSuiteName lower-cases a cryptosuite reference. The source data
// this design descends from carried both assertionMethod:Ed25519 and
// assertionMethod:ed25519 forms; we migrate to lower-case on read instead
// of perpetuating both.
func CanonicalSuiteName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// IssuerConfig is one tenant: keys, status list options, issue options.
// It is the unit of multi-tenancy; a tenant exclusively owns its list sets
// and credentials.
type IssuerConfig struct {
	// ID is the configId addressed in request paths.
	ID string

	// ControllerID identifies the controlling entity (a DID).
	ControllerID string

	// Issuer is the issuer identifier stamped into status list
	// credentials, usually the same DID.
	Issuer string

	// AllowUnidentified permits issuing credentials without an id; the
	// pipeline mints a urn:uuid for them.
	AllowUnidentified bool

	// BaseURL is the public URL prefix of this tenant; status list
	// credential URLs are published beneath it.
	BaseURL string

	// SigningKey is the JWK (serialized JSON) for the built-in signer.
	SigningKey []byte

	// VerificationMethod is the proof verification method reference.
	VerificationMethod string

	StatusListOptions []*StatusListOption
	IssueOptions      *IssueOptions

	CreateTime     time.Time
	CreateSequence uint64
	ModifySequence uint64
}

func (c *IssuerConfig) Copy() *IssuerConfig {
	if c == nil {
		return nil
	}
	nc := *c
	nc.SigningKey = append([]byte(nil), c.SigningKey...)
	nc.StatusListOptions = make([]*StatusListOption, len(c.StatusListOptions))
	for i, o := range c.StatusListOptions {
		nc.StatusListOptions[i] = o.Copy()
	}
	nc.IssueOptions = c.IssueOptions.Copy()
	return &nc
}

// Validate checks tenant configuration before it is accepted into state.
func (c *IssuerConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("issuer config requires an id")
	}
	if c.Issuer == "" {
		return fmt.Errorf("issuer config %q requires an issuer identity", c.ID)
	}
	for _, o := range c.StatusListOptions {
		if err := o.Validate(); err != nil {
			return fmt.Errorf("issuer config %q: %w", c.ID, err)
		}
	}
	if c.IssueOptions != nil {
		if err := c.IssueOptions.Validate(); err != nil {
			return fmt.Errorf("issuer config %q: %w", c.ID, err)
		}
	}
	return nil
}

// Canonicalize applies defaults and normalizes suite names.
func (c *IssuerConfig) Canonicalize() {
	if c.Issuer == "" {
		c.Issuer = c.ControllerID
	}
	for _, o := range c.StatusListOptions {
		o.Canonicalize()
	}
	if c.IssueOptions != nil {
		c.IssueOptions.Canonicalize()
	}
}

/// Default status list dimensions: 32-position blocks, 4096 blocks per list
// for a 131072-bit list. One list unless the tenant raises the cap.
const (
	DefaultBlockSize  = 32
	DefaultBlockCount = 4096
	DefaultListCount  = 1
)

// StatusListOption is the closed configuration record for one status list
// family. The HTTP/file configuration surface is a loose JSON object; it is
// decoded into this record and validated before use.
type StatusListOption struct {
	Type     string
	Purposes []StatusPurpose

	BlockSize  uint32
	BlockCount uint32
	ListCount  uint32

	// IndexAllocator names the assignment namespace. Status updates must
	// present the same value.
	IndexAllocator string

	// BaseURL is the terse status list base URL; also the prefix under
	// which SLC URLs for this option are published.
	BaseURL string
}

func (o *StatusListOption) Copy() *StatusListOption {
	if o == nil {
		return nil
	}
	no := *o
	no.Purposes = append([]StatusPurpose(nil), o.Purposes...)
	return &no
}

// ListLength is blockSize*blockCount bits.
func (o *StatusListOption) ListLength() uint32 {
	return o.BlockSize * o.BlockCount
}

// Canonicalize applies the default dimensions.
func (o *StatusListOption) Canonicalize() {
	if o.BlockSize == 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.BlockCount == 0 {
		o.BlockCount = DefaultBlockCount
	}
	if o.ListCount == 0 {
		o.ListCount = DefaultListCount
	}
}

// Validate enforces the dimension constraints: power-of-two block size,
// byte-aligned bitmaps, at least one purpose, a known list type and an
// allocator id.
func (o *StatusListOption) Validate() error {
	switch o.Type {
	case StatusListTypeBitstring, StatusListTypeTerseBitstring,
		StatusListTypeStatusList2021, StatusListTypeRevocationList2020:
	default:
		return fmt.Errorf("unsupported status list type %q", o.Type)
	}
	if len(o.Purposes) == 0 {
		return fmt.Errorf("status list option requires at least one purpose")
	}
	for _, p := range o.Purposes {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	if o.BlockSize == 0 || o.BlockSize&(o.BlockSize-1) != 0 {
		return fmt.Errorf("blockSize must be a power of two, got %d", o.BlockSize)
	}
	if o.BlockSize%8 != 0 {
		return fmt.Errorf("blockSize must be a multiple of 8 for byte-aligned bitmaps, got %d", o.BlockSize)
	}
	if o.BlockCount == 0 {
		return fmt.Errorf("blockCount must be positive")
	}
	if o.ListCount == 0 {
		return fmt.Errorf("listCount must be positive")
	}
	if o.IndexAllocator == "" {
		return fmt.Errorf("status list option requires an indexAllocator id")
	}
	if o.ListLength()%8 != 0 {
		return fmt.Errorf("list length %d is not byte aligned", o.ListLength())
	}
	return nil
}

// HasPurpose reports whether the option covers the given purpose.
func (o *StatusListOption) HasPurpose(p StatusPurpose) bool {
	for _, op := range o.Purposes {
		if op == p {
			return true
		}
	}
	return false
}

// IssueOptions configures proof generation for a tenant.
type IssueOptions struct {
	// Cryptosuites in canonical lower-case form, in preference order.
	Cryptosuites []string

	// Envelope selects enveloped issuance instead of embedded proofs.
	Envelope *EnvelopeOptions

	// MandatoryPointers for selective-disclosure suites.
	MandatoryPointers []string
}

func (o *IssueOptions) Copy() *IssueOptions {
	if o == nil {
		return nil
	}
	no := *o
	no.Cryptosuites = append([]string(nil), o.Cryptosuites...)
	no.MandatoryPointers = append([]string(nil), o.MandatoryPointers...)
	if o.Envelope != nil {
		env := *o.Envelope
		no.Envelope = &env
	}
	return &no
}

func (o *IssueOptions) Canonicalize() {
	for i, s := range o.Cryptosuites {
		o.Cryptosuites[i] = CanonicalSuiteName(s)
	}
}

func (o *IssueOptions) Validate() error {
	if o.Envelope != nil {
		if o.Envelope.Format != EnvelopeFormatVCJWT {
			return fmt.Errorf("unsupported envelope format %q", o.Envelope.Format)
		}
	}
	return nil
}

// EnvelopeOptions selects the envelope format and JOSE algorithm.
type EnvelopeOptions struct {
	Format    string
	Algorithm string
}

// CredentialRecord is an issued credential as stored. Records live
// forever; there is no deletion API.
type CredentialRecord struct {
	TenantID     string
	CredentialID string

	// AliasID is an optional secondary unique key within the tenant.
	AliasID string

	// Body is the signed representation, preserved byte-for-byte.
	Body []byte

	// StatusEntries are immutable once the record is inserted.
	StatusEntries []*StatusEntry

	// ExtraInformation is an opaque caller-provided string.
	ExtraInformation string

	CreateTime     time.Time
	CreateSequence uint64
}

func (c *CredentialRecord) Copy() *CredentialRecord {
	if c == nil {
		return nil
	}
	nc := *c
	nc.Body = append([]byte(nil), c.Body...)
	nc.StatusEntries = make([]*StatusEntry, len(c.StatusEntries))
	for i, e := range c.StatusEntries {
		ne := *e
		nc.StatusEntries[i] = &ne
	}
	return &nc
}

// StatusPosition is the secondary record mapping an occupied (list, index)
// position back to the credential that owns it. It backs the authoritative
// recovery check for pending reservations.
type StatusPosition struct {
	ID           string
	TenantID     string
	ListID       string
	Index        uint32
	CredentialID string

	CreateSequence uint64
}

// StatusPositionID builds the primary key for a status position record.
func StatusPositionID(listID string, index uint32) string {
	return fmt.Sprintf("%s#%d", listID, index)
}

// ContextDocument is a tenant-registered JSON-LD context.
type ContextDocument struct {
	TenantID string
	URL      string
	Document []byte

	CreateTime     time.Time
	CreateSequence uint64
	ModifySequence uint64
}

func (d *ContextDocument) Copy() *ContextDocument {
	if d == nil {
		return nil
	}
	nd := *d
	nd.Document = append([]byte(nil), d.Document...)
	return &nd
}
