package snapshot

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/rosterlab/rosterd/kv"
	"github.com/rosterlab/rosterd/structs"
	"github.com/rosterlab/rosterd/testutil"
)

func testStore(t *testing.T) (*Store, *kv.Mem) {
	mem := kv.NewMem()
	return NewStore(testutil.Logger(t), mem, nil), mem
}

func testCheckpoint(runID string) *structs.SolverCheckpoint {
	return &structs.SolverCheckpoint{
		RunID:     runID,
		Iteration: 250,
		Assignments: []structs.AssignmentTuple{
			{PersonID: "p1", BlockID: "b1", TemplateID: "clinic"},
			{PersonID: "p2", BlockID: "b2", TemplateID: "call"},
		},
		Score: 7.25,
	}
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _ := testStore(t)

	saved, err := store.Save(ctx, testCheckpoint("run-1"))
	must.NoError(t, err)
	must.True(t, saved.Verify())

	loaded, err := store.Load(ctx, "run-1")
	must.NoError(t, err)
	must.NotNil(t, loaded)
	must.Eq(t, saved.Iteration, loaded.Iteration)
	must.Eq(t, saved.Score, loaded.Score)
	must.Eq(t, saved.Hash, loaded.Hash)
	must.Eq(t, saved.Assignments, loaded.Assignments)
}

func TestStore_LoadMissing(t *testing.T) {
	ctx := context.Background()
	store, _ := testStore(t)

	cp, err := store.Load(ctx, "never-saved")
	must.NoError(t, err)
	must.Nil(t, cp)
}

func TestStore_TamperedBytesDiscarded(t *testing.T) {
	ctx := context.Background()
	store, mem := testStore(t)

	saved, err := store.Save(ctx, testCheckpoint("run-1"))
	must.NoError(t, err)

	// Flip the score in the serialized payload without re-hashing.
	raw, err := mem.Get(ctx, "snapshot:run:run-1")
	must.NoError(t, err)
	var cp structs.SolverCheckpoint
	must.NoError(t, json.Unmarshal([]byte(raw), &cp))
	cp.Score = saved.Score + 1
	buf, _ := json.Marshal(&cp)
	must.NoError(t, mem.Set(ctx, "snapshot:run:run-1", string(buf)))

	loaded, err := store.Load(ctx, "run-1")
	must.NoError(t, err)
	must.Nil(t, loaded)

	// The corrupt artifact was removed.
	_, err = mem.Get(ctx, "snapshot:run:run-1")
	must.ErrorIs(t, err, kv.ErrNil)
}

func TestStore_UndecodableDiscarded(t *testing.T) {
	ctx := context.Background()
	store, mem := testStore(t)

	must.NoError(t, mem.Set(ctx, "snapshot:run:run-1", "{not json"))
	loaded, err := store.Load(ctx, "run-1")
	must.NoError(t, err)
	must.Nil(t, loaded)
}

func TestStore_HistoryBounded(t *testing.T) {
	ctx := context.Background()
	store, _ := testStore(t)

	var lastHash string
	for i := 0; i < historyDepth+4; i++ {
		cp := testCheckpoint("run-1")
		cp.Iteration = i
		saved, err := store.Save(ctx, cp)
		must.NoError(t, err)
		lastHash = saved.Hash
	}

	hashes, err := store.History(ctx, "run-1")
	must.NoError(t, err)
	must.Len(t, historyDepth, hashes)
	must.Eq(t, lastHash, hashes[len(hashes)-1])
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	store, _ := testStore(t)

	_, err := store.Save(ctx, testCheckpoint("run-1"))
	must.NoError(t, err)
	must.NoError(t, store.Delete(ctx, "run-1"))

	cp, err := store.Load(ctx, "run-1")
	must.NoError(t, err)
	must.Nil(t, cp)

	hashes, err := store.History(ctx, "run-1")
	must.NoError(t, err)
	must.Len(t, 0, hashes)
}
