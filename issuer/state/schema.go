// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"
	"sync"

	memdb "github.com/hashicorp/go-memdb"
)

const (
	TableIndex           = "index"
	TableIssuerConfigs   = "issuer_configs"
	TableStatusListSets  = "status_list_sets"
	TableStatusLists     = "status_lists"
	TableStatusBlocks    = "status_list_blocks"
	TableCredentials     = "credentials"
	TableStatusPositions = "status_positions"
	TablePublishedSLCs   = "published_slcs"
	TableContextDocs     = "context_documents"
)

const (
	indexID         = "id"
	indexSet        = "set"
	indexList       = "list"
	indexAlias      = "alias"
	indexCredential = "credential"
	indexTenantKey  = "tenant_key"
)

var (
	schemaFactories SchemaFactories
	factoriesLock   sync.Mutex
)

// SchemaFactory is the factory method for returning a TableSchema
type SchemaFactory func() *memdb.TableSchema
type SchemaFactories []SchemaFactory

// RegisterSchemaFactories is used to register a table schema.
func RegisterSchemaFactories(factories ...SchemaFactory) {
	factoriesLock.Lock()
	defer factoriesLock.Unlock()
	schemaFactories = append(schemaFactories, factories...)
}

func GetFactories() SchemaFactories {
	return schemaFactories
}

func init() {
	RegisterSchemaFactories([]SchemaFactory{
		indexTableSchema,
		issuerConfigTableSchema,
		statusListSetTableSchema,
		statusListTableSchema,
		statusBlockTableSchema,
		credentialTableSchema,
		statusPositionTableSchema,
		publishedSLCTableSchema,
		contextDocTableSchema,
	}...)
}

// stateStoreSchema is used to return the combined schema for the state store.
func stateStoreSchema() *memdb.DBSchema {
	db := &memdb.DBSchema{
		Tables: make(map[string]*memdb.TableSchema),
	}

	for _, fn := range GetFactories() {
		schema := fn()
		if _, ok := db.Tables[schema.Name]; ok {
			panic(fmt.Sprintf("duplicate table name: %s", schema.Name))
		}
		db.Tables[schema.Name] = schema
	}
	return db
}

// indexTableSchema is used for tracking the most recent sequence applied to
// each table.
func indexTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableIndex,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:         "id",
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field:     "Key",
					Lowercase: true,
				},
			},
		},
	}
}

// issuerConfigTableSchema returns the MemDB schema for the tenant
// configuration table.
func issuerConfigTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableIssuerConfigs,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},
		},
	}
}

// statusListSetTableSchema returns the MemDB schema for status list set
// metadata. Sets are addressed by id and by their (tenant, purpose, type)
// key, which is unique: one list family per tenant per purpose per type.
func statusListSetTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableStatusListSets,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},
			indexTenantKey: {
				Name:         indexTenantKey,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "TenantID"},
						&memdb.StringFieldIndex{Field: "Purpose"},
						&memdb.StringFieldIndex{Field: "Type"},
					},
				},
			},
		},
	}
}

// statusListTableSchema returns the MemDB schema for status list records.
func statusListTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableStatusLists,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},
			indexSet: {
				Name:         indexSet,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "SetID",
				},
			},
		},
	}
}

// statusBlockTableSchema returns the MemDB schema for block records. Blocks
// are materialized lazily on first reservation.
func statusBlockTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableStatusBlocks,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},
			indexList: {
				Name:         indexList,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "ListID",
				},
			},
		},
	}
}

// credentialTableSchema returns the MemDB schema for issued credentials.
// The id index enforces (tenant, credentialId) uniqueness; the alias index
// enforces (tenant, aliasId) uniqueness for records that carry an alias.
func credentialTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableCredentials,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "TenantID"},
						&memdb.StringFieldIndex{Field: "CredentialID"},
					},
				},
			},
			indexAlias: {
				Name:         indexAlias,
				AllowMissing: true,
				Unique:       true,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "TenantID"},
						&memdb.StringFieldIndex{Field: "AliasID"},
					},
				},
			},
		},
	}
}

// statusPositionTableSchema returns the MemDB schema for the secondary
// mapping of occupied (list, index) positions back to credentials. It backs
// the authoritative recovery check for pending reservations.
func statusPositionTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableStatusPositions,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},
			indexCredential: {
				Name:         indexCredential,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "TenantID"},
						&memdb.StringFieldIndex{Field: "CredentialID"},
					},
				},
			},
		},
	}
}

// publishedSLCTableSchema returns the MemDB schema for signed status list
// credentials, one per list.
func publishedSLCTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TablePublishedSLCs,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ListID",
				},
			},
		},
	}
}

// contextDocTableSchema returns the MemDB schema for tenant-registered
// JSON-LD context documents.
func contextDocTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableContextDocs,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "TenantID"},
						&memdb.StringFieldIndex{Field: "URL"},
					},
				},
			},
		},
	}
}
