// Package state implements the repository facade over an in-memory
// transactional database. The core components read people, blocks,
// assignments, credentials and absences through it, and the job scheduler
// persists its definitions and execution records here.
package state

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	memdb "github.com/hashicorp/go-memdb"

	"github.com/rosterlab/rosterd/structs"
)

// StateStore provides transactional access to the domain entities. All
// reads return copies; mutation of returned objects never leaks into the
// store.
type StateStore struct {
	logger hclog.Logger
	db     *memdb.MemDB
}

// NewStateStore constructs an empty store.
func NewStateStore(logger hclog.Logger) (*StateStore, error) {
	db, err := memdb.NewMemDB(stateStoreSchema())
	if err != nil {
		return nil, fmt.Errorf("state store setup failed: %w", err)
	}
	return &StateStore{
		logger: logger.Named("state_store"),
		db:     db,
	}, nil
}

// UpsertPeople inserts or updates people in a single write transaction.
func (s *StateStore) UpsertPeople(people ...*structs.Person) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	for _, p := range people {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("invalid person %q: %w", p.ID, err)
		}
		if err := txn.Insert(TablePeople, p.Copy()); err != nil {
			return fmt.Errorf("person insert failed: %w", err)
		}
	}

	txn.Commit()
	return nil
}

// PersonByID returns the person with the given ID or ErrNotFound.
func (s *StateStore) PersonByID(id string) (*structs.Person, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(TablePeople, "id", id)
	if err != nil {
		return nil, fmt.Errorf("person lookup failed: %w", err)
	}
	if raw == nil {
		return nil, structs.ErrNotFound
	}
	return raw.(*structs.Person).Copy(), nil
}

// PeopleByType returns every person with the given role.
func (s *StateStore) PeopleByType(role structs.PersonRole) ([]*structs.Person, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(TablePeople, "role", string(role))
	if err != nil {
		return nil, fmt.Errorf("people lookup failed: %w", err)
	}

	var out []*structs.Person
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*structs.Person).Copy())
	}
	return out, nil
}

// People returns every person in the store.
func (s *StateStore) People() ([]*structs.Person, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(TablePeople, "id")
	if err != nil {
		return nil, fmt.Errorf("people lookup failed: %w", err)
	}

	var out []*structs.Person
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*structs.Person).Copy())
	}
	return out, nil
}

// DeletePerson removes a person. The delete is refused with ErrInUse while
// any assignment still references them.
func (s *StateStore) DeletePerson(id string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TablePeople, "id", id)
	if err != nil {
		return fmt.Errorf("person lookup failed: %w", err)
	}
	if raw == nil {
		return structs.ErrNotFound
	}

	existing, err := txn.First(TableAssignments, "person", id)
	if err != nil {
		return fmt.Errorf("assignment lookup failed: %w", err)
	}
	if existing != nil {
		return structs.ErrInUse
	}

	if err := txn.Delete(TablePeople, raw); err != nil {
		return fmt.Errorf("person delete failed: %w", err)
	}
	txn.Commit()
	return nil
}

// UpsertBlocks inserts or updates blocks, enforcing (date, half-day)
// uniqueness across distinct block IDs.
func (s *StateStore) UpsertBlocks(blocks ...*structs.Block) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	for _, b := range blocks {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("invalid block %q: %w", b.ID, err)
		}
		raw, err := txn.First(TableBlocks, "key", b.Key())
		if err != nil {
			return fmt.Errorf("block lookup failed: %w", err)
		}
		if raw != nil && raw.(*structs.Block).ID != b.ID {
			return fmt.Errorf("block %s: %w", b.Key(), structs.ErrDuplicateBlock)
		}
		cp := *b
		if err := txn.Insert(TableBlocks, &cp); err != nil {
			return fmt.Errorf("block insert failed: %w", err)
		}
	}

	txn.Commit()
	return nil
}

// BlockByID returns the block with the given ID or ErrNotFound.
func (s *StateStore) BlockByID(id string) (*structs.Block, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(TableBlocks, "id", id)
	if err != nil {
		return nil, fmt.Errorf("block lookup failed: %w", err)
	}
	if raw == nil {
		return nil, structs.ErrNotFound
	}
	cp := *raw.(*structs.Block)
	return &cp, nil
}

// BlocksInRange returns the blocks whose date falls inside [start, end],
// inclusive, ordered by date.
func (s *StateStore) BlocksInRange(start, end time.Time) ([]*structs.Block, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.LowerBound(TableBlocks, "date", structs.DateOf(start).Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("block range scan failed: %w", err)
	}

	endDate := structs.DateOf(end)
	var out []*structs.Block
	for raw := it.Next(); raw != nil; raw = it.Next() {
		b := raw.(*structs.Block)
		if structs.DateOf(b.Date).After(endDate) {
			break
		}
		cp := *b
		out = append(out, &cp)
	}
	return out, nil
}

// UpsertTemplates inserts or updates rotation templates.
func (s *StateStore) UpsertTemplates(templates ...*structs.RotationTemplate) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	for _, tmpl := range templates {
		if err := tmpl.Validate(); err != nil {
			return fmt.Errorf("invalid template %q: %w", tmpl.ID, err)
		}
		cp := *tmpl
		cp.Requirements = append([]structs.SlotRequirement(nil), tmpl.Requirements...)
		if err := txn.Insert(TableTemplates, &cp); err != nil {
			return fmt.Errorf("template insert failed: %w", err)
		}
	}

	txn.Commit()
	return nil
}

// TemplateByID returns the rotation template with the given ID.
func (s *StateStore) TemplateByID(id string) (*structs.RotationTemplate, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(TableTemplates, "id", id)
	if err != nil {
		return nil, fmt.Errorf("template lookup failed: %w", err)
	}
	if raw == nil {
		return nil, structs.ErrNotFound
	}
	tmpl := raw.(*structs.RotationTemplate)
	cp := *tmpl
	cp.Requirements = append([]structs.SlotRequirement(nil), tmpl.Requirements...)
	return &cp, nil
}

// Templates returns every rotation template.
func (s *StateStore) Templates() ([]*structs.RotationTemplate, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(TableTemplates, "id")
	if err != nil {
		return nil, fmt.Errorf("template lookup failed: %w", err)
	}

	var out []*structs.RotationTemplate
	for raw := it.Next(); raw != nil; raw = it.Next() {
		tmpl := raw.(*structs.RotationTemplate)
		cp := *tmpl
		cp.Requirements = append([]structs.SlotRequirement(nil), tmpl.Requirements...)
		out = append(out, &cp)
	}
	return out, nil
}

// UpsertCredentials inserts or updates credentials.
func (s *StateStore) UpsertCredentials(creds ...*structs.Credential) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	for _, c := range creds {
		if c.PersonID == "" || c.Kind == "" {
			return fmt.Errorf("credential requires a person and a kind")
		}
		cp := *c
		if err := txn.Insert(TableCredentials, &cp); err != nil {
			return fmt.Errorf("credential insert failed: %w", err)
		}
	}

	txn.Commit()
	return nil
}

// CredentialsFor returns the credentials held by a person.
func (s *StateStore) CredentialsFor(personID string) ([]*structs.Credential, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(TableCredentials, "person", personID)
	if err != nil {
		return nil, fmt.Errorf("credential lookup failed: %w", err)
	}

	var out []*structs.Credential
	for raw := it.Next(); raw != nil; raw = it.Next() {
		cp := *raw.(*structs.Credential)
		out = append(out, &cp)
	}
	return out, nil
}

// UpsertAbsences inserts or updates absences.
func (s *StateStore) UpsertAbsences(absences ...*structs.Absence) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	for _, a := range absences {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("invalid absence %q: %w", a.ID, err)
		}
		cp := *a
		if err := txn.Insert(TableAbsences, &cp); err != nil {
			return fmt.Errorf("absence insert failed: %w", err)
		}
	}

	txn.Commit()
	return nil
}

// AbsencesInRange returns the absences overlapping [start, end], optionally
// restricted to one person.
func (s *StateStore) AbsencesInRange(start, end time.Time, personID string) ([]*structs.Absence, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	var it memdb.ResultIterator
	var err error
	if personID != "" {
		it, err = txn.Get(TableAbsences, "person", personID)
	} else {
		it, err = txn.Get(TableAbsences, "id")
	}
	if err != nil {
		return nil, fmt.Errorf("absence lookup failed: %w", err)
	}

	startDate, endDate := structs.DateOf(start), structs.DateOf(end)
	var out []*structs.Absence
	for raw := it.Next(); raw != nil; raw = it.Next() {
		a := raw.(*structs.Absence)
		if structs.DateOf(a.End).Before(startDate) || structs.DateOf(a.Start).After(endDate) {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

// SaveAssignments writes assignments in one transaction, verifying that
// every referenced person and block exists and that no second assignment is
// created for a (person, block) pair. Any failure rolls back the batch.
func (s *StateStore) SaveAssignments(assignments ...*structs.Assignment) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	for _, a := range assignments {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("invalid assignment %q: %w", a.ID, err)
		}

		person, err := txn.First(TablePeople, "id", a.PersonID)
		if err != nil {
			return fmt.Errorf("person lookup failed: %w", err)
		}
		if person == nil {
			return fmt.Errorf("assignment %s references person %s: %w", a.ID, a.PersonID, structs.ErrNotFound)
		}

		block, err := txn.First(TableBlocks, "id", a.BlockID)
		if err != nil {
			return fmt.Errorf("block lookup failed: %w", err)
		}
		if block == nil {
			return fmt.Errorf("assignment %s references block %s: %w", a.ID, a.BlockID, structs.ErrNotFound)
		}

		existing, err := txn.First(TableAssignments, "person_block", a.PersonID, a.BlockID)
		if err != nil {
			return fmt.Errorf("assignment lookup failed: %w", err)
		}
		if existing != nil && existing.(*structs.Assignment).ID != a.ID {
			return fmt.Errorf("person %s block %s: %w", a.PersonID, a.BlockID, structs.ErrDuplicateAssignment)
		}

		if err := txn.Insert(TableAssignments, a.Copy()); err != nil {
			return fmt.Errorf("assignment insert failed: %w", err)
		}
	}

	txn.Commit()
	return nil
}

// DeleteAssignments removes assignments by ID. Missing IDs are ignored.
func (s *StateStore) DeleteAssignments(ids ...string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	for _, id := range ids {
		raw, err := txn.First(TableAssignments, "id", id)
		if err != nil {
			return fmt.Errorf("assignment lookup failed: %w", err)
		}
		if raw == nil {
			continue
		}
		if err := txn.Delete(TableAssignments, raw); err != nil {
			return fmt.Errorf("assignment delete failed: %w", err)
		}
	}

	txn.Commit()
	return nil
}

// AssignmentsInRange returns the assignments whose block falls inside
// [start, end], optionally restricted to one person.
func (s *StateStore) AssignmentsInRange(start, end time.Time, personID string) ([]*structs.Assignment, error) {
	blocks, err := s.BlocksInRange(start, end)
	if err != nil {
		return nil, err
	}
	inRange := make(map[string]struct{}, len(blocks))
	for _, b := range blocks {
		inRange[b.ID] = struct{}{}
	}

	txn := s.db.Txn(false)
	defer txn.Abort()

	var it memdb.ResultIterator
	if personID != "" {
		it, err = txn.Get(TableAssignments, "person", personID)
	} else {
		it, err = txn.Get(TableAssignments, "id")
	}
	if err != nil {
		return nil, fmt.Errorf("assignment lookup failed: %w", err)
	}

	var out []*structs.Assignment
	for raw := it.Next(); raw != nil; raw = it.Next() {
		a := raw.(*structs.Assignment)
		if _, ok := inRange[a.BlockID]; !ok {
			continue
		}
		out = append(out, a.Copy())
	}
	return out, nil
}

// AssignmentsForBlock returns the assignments on a single block.
func (s *StateStore) AssignmentsForBlock(blockID string) ([]*structs.Assignment, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(TableAssignments, "block", blockID)
	if err != nil {
		return nil, fmt.Errorf("assignment lookup failed: %w", err)
	}

	var out []*structs.Assignment
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*structs.Assignment).Copy())
	}
	return out, nil
}
