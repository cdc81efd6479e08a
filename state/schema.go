package state

import (
	"fmt"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/rosterlab/rosterd/structs"
)

const (
	TablePeople      = "people"
	TableBlocks      = "blocks"
	TableAssignments = "assignments"
	TableTemplates   = "templates"
	TableCredentials = "credentials"
	TableAbsences    = "absences"
	TableJobs        = "jobs"
	TableExecutions  = "executions"
)

func stateStoreSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			TablePeople:      peopleTableSchema(),
			TableBlocks:      blocksTableSchema(),
			TableAssignments: assignmentsTableSchema(),
			TableTemplates:   templatesTableSchema(),
			TableCredentials: credentialsTableSchema(),
			TableAbsences:    absencesTableSchema(),
			TableJobs:        jobsTableSchema(),
			TableExecutions:  executionsTableSchema(),
		},
	}
}

func peopleTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TablePeople,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:    "id",
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "ID"},
			},
			"role": {
				Name:    "role",
				Indexer: &memdb.StringFieldIndex{Field: "Role"},
			},
		},
	}
}

func blocksTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableBlocks,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:    "id",
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "ID"},
			},
			// key is the canonical (date, half-day) identity; uniqueness
			// here enforces the one-block-per-slot invariant.
			"key": {
				Name:    "key",
				Unique:  true,
				Indexer: &blockKeyIndexer{},
			},
			"date": {
				Name:    "date",
				Indexer: &blockDateIndexer{},
			},
		},
	}
}

func assignmentsTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableAssignments,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:    "id",
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "ID"},
			},
			"person": {
				Name:    "person",
				Indexer: &memdb.StringFieldIndex{Field: "PersonID"},
			},
			"block": {
				Name:    "block",
				Indexer: &memdb.StringFieldIndex{Field: "BlockID"},
			},
			// person_block backs the at-most-one-assignment-per-(person,
			// block) invariant.
			"person_block": {
				Name:   "person_block",
				Unique: true,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "PersonID"},
						&memdb.StringFieldIndex{Field: "BlockID"},
					},
				},
			},
		},
	}
}

func templatesTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableTemplates,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:    "id",
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "ID"},
			},
		},
	}
}

func credentialsTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableCredentials,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:   "id",
				Unique: true,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "PersonID"},
						&memdb.StringFieldIndex{Field: "Kind"},
					},
				},
			},
			"person": {
				Name:    "person",
				Indexer: &memdb.StringFieldIndex{Field: "PersonID"},
			},
		},
	}
}

func absencesTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableAbsences,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:    "id",
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "ID"},
			},
			"person": {
				Name:    "person",
				Indexer: &memdb.StringFieldIndex{Field: "PersonID"},
			},
		},
	}
}

func jobsTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableJobs,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:    "id",
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "ID"},
			},
			"name": {
				Name:    "name",
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "Name"},
			},
		},
	}
}

func executionsTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableExecutions,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:    "id",
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "ID"},
			},
			"job": {
				Name:    "job",
				Indexer: &memdb.StringFieldIndex{Field: "JobID"},
			},
		},
	}
}

// blockKeyIndexer indexes blocks by their canonical (date, half-day) key.
type blockKeyIndexer struct{}

func (blockKeyIndexer) FromObject(obj any) (bool, []byte, error) {
	b, ok := obj.(*structs.Block)
	if !ok {
		return false, nil, fmt.Errorf("object %T is not a block", obj)
	}
	return true, []byte(b.Key() + "\x00"), nil
}

func (blockKeyIndexer) FromArgs(args ...any) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("must provide only a single argument")
	}
	key, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("argument must be a string: %#v", args[0])
	}
	return []byte(key + "\x00"), nil
}

// blockDateIndexer indexes blocks by formatted date so range scans can
// seek with LowerBound and stop at the range end.
type blockDateIndexer struct{}

func (blockDateIndexer) FromObject(obj any) (bool, []byte, error) {
	b, ok := obj.(*structs.Block)
	if !ok {
		return false, nil, fmt.Errorf("object %T is not a block", obj)
	}
	return true, []byte(b.Date.UTC().Format("2006-01-02") + "\x00"), nil
}

func (blockDateIndexer) FromArgs(args ...any) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("must provide only a single argument")
	}
	date, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("argument must be a string: %#v", args[0])
	}
	return []byte(date + "\x00"), nil
}
