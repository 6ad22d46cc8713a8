package grouptree

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ansplan/schedsync/internal/batch"
	"github.com/ansplan/schedsync/internal/docstore"
	"github.com/ansplan/schedsync/internal/docstore/memstore"
	"github.com/ansplan/schedsync/internal/model"
	"github.com/ansplan/schedsync/internal/semester"
)

func id(v int64) *int64 { return &v }

func group(label string, gid int64) model.GroupNode {
	return model.GroupNode{Kind: model.NodeDeanGroup, Label: label, ID: id(gid)}
}

func tree(groups ...model.GroupNode) []model.GroupNode {
	return []model.GroupNode{{
		Kind: model.NodeUnit, Label: " IEZI ",
		Children: []model.GroupNode{{
			Kind: model.NodeStudyMode, Label: "I,D,PL",
			Children: []model.GroupNode{{
				Kind: model.NodeCycle, Label: "semestr 1", Children: groups,
			}},
		}},
	}}
}

func TestProcess_ComposesPath(t *testing.T) {
	res := Process(tree(group("Grupa 1 (Z)", 101)), "2024-2025", 2024, zerolog.Nop())

	want := "deanGroups/2024-2025/2024Z/IEZI/I,D,PL/semestr 1"
	require.Len(t, res.Groups, 1)
	assert.Equal(t, model.GroupDetail{ID: 101, GroupName: "Grupa 1", FullPath: want}, res.Groups[0])
	assert.Zero(t, res.Skipped)

	require.Len(t, res.Ops, 4)
	assert.Equal(t, "deanGroups/2024-2025", res.Ops[0].Path)
	assert.Equal(t, "deanGroups/2024-2025/2024Z/IEZI", res.Ops[1].Path)
	assert.Equal(t, want, res.Ops[2].Path)
	assert.Equal(t, map[string]any{"Grupa 1": int64(101)}, res.Ops[2].Data)
	assert.True(t, res.Ops[2].Merge)
	assert.Equal(t, "groupDetails/101", res.Ops[3].Path)
	assert.Equal(t, "Grupa 1", res.Ops[3].Data["groupName"])
}

func TestProcess_SummerGoesToNextYear(t *testing.T) {
	res := Process(tree(group("Grupa 2 (L)", 7)), "2024-2025", 2024, zerolog.Nop())
	require.Len(t, res.Groups, 1)
	assert.Equal(t, "deanGroups/2024-2025/2025L/IEZI/I,D,PL/semestr 1", res.Groups[0].FullPath)
}

func TestProcess_DeduplicatesFirstWins(t *testing.T) {
	res := Process(tree(group("Grupa 1 (Z)", 1), group("Grupa 1: lab (Z)", 2), group("Grupa 3 (Z)", 3)), "2024-2025", 2024, zerolog.Nop())

	require.Len(t, res.Groups, 2)
	assert.Equal(t, int64(1), res.Groups[0].ID)
	assert.Equal(t, int64(3), res.Groups[1].ID)
	// two ancestor touches, then two writes per distinct group
	assert.Len(t, res.Ops, 2+2*2)
}

func TestProcess_SkipsUnplaceableNodes(t *testing.T) {
	roots := tree(group("Grupa bez znacznika", 1), group("Grupa 2 (Z)", 2))
	roots = append(roots, group("Orphan (Z)", 3))
	roots = append(roots, model.GroupNode{Kind: model.NodeUnit, Label: "A/B", Children: []model.GroupNode{{
		Kind: model.NodeStudyMode, Label: "S", Children: []model.GroupNode{{
			Kind: model.NodeCycle, Label: "C", Children: []model.GroupNode{group("X (Z)", 4)},
		}},
	}}})
	// dean groups without a numeric id are containers, not selectable groups
	roots = append(roots, model.GroupNode{Kind: model.NodeDeanGroup, Label: "no id (Z)"})

	res := Process(roots, "2024-2025", 2024, zerolog.Nop())
	assert.Equal(t, 3, res.Skipped)
	require.Len(t, res.Groups, 1)
	assert.Equal(t, int64(2), res.Groups[0].ID)
}

func TestProcess_SiblingContextsDoNotLeak(t *testing.T) {
	roots := []model.GroupNode{
		{Kind: model.NodeUnit, Label: "A", Children: []model.GroupNode{
			{Kind: model.NodeStudyMode, Label: "S1", Children: []model.GroupNode{
				{Kind: model.NodeCycle, Label: "C1", Children: []model.GroupNode{group("G (Z)", 1)}},
			}},
			{Kind: model.NodeStudyMode, Label: "S2", Children: []model.GroupNode{group("H (Z)", 2)}},
		}},
	}
	res := Process(roots, "2024-2025", 2024, zerolog.Nop())
	require.Len(t, res.Groups, 1)
	assert.Equal(t, 1, res.Skipped)
}

func TestProcess_EmptyRoots(t *testing.T) {
	res := Process(nil, "2024-2025", 2024, zerolog.Nop())
	assert.Empty(t, res.Ops)
	assert.Empty(t, res.Groups)
}

func TestParseGroupLabel(t *testing.T) {
	cases := []struct {
		label string
		name  string
		kind  semester.Kind
		ok    bool
	}{
		{"Grupa 1 (Z)", "Grupa 1", semester.Winter, true},
		{"IEZI-1: ćwiczenia (L)", "IEZI-1", semester.Summer, true},
		{"Grupa 1(Z)", "", "", false},
		{"Grupa 1", "", "", false},
	}
	for _, c := range cases {
		t.Run(c.label, func(t *testing.T) {
			name, kind, ok := ParseGroupLabel(c.label)
			assert.Equal(t, c.ok, ok)
			assert.Equal(t, c.name, name)
			assert.Equal(t, c.kind, kind)
		})
	}
}

func seed(t *testing.T) *memstore.Store {
	t.Helper()
	store := memstore.New()
	roots := tree(group("Grupa 1 (Z)", 101), group("Grupa 2 (Z)", 102))
	roots = append(roots, model.GroupNode{Kind: model.NodeUnit, Label: "MAT", Children: []model.GroupNode{{
		Kind: model.NodeStudyMode, Label: "S", Children: []model.GroupNode{{
			Kind: model.NodeCycle, Label: "semestr 2", Children: []model.GroupNode{group("M1 (Z)", 55), group("M2 (L)", 56)},
		}},
	}}})
	res := Process(roots, "2024-2025", 2024, zerolog.Nop())

	w := batch.NewWriter(store, 490, zerolog.Nop())
	w.AddAll(res.Ops)
	_, err := w.FlushAll(context.Background())
	require.NoError(t, err)
	return store
}

func TestGroupIDsForSemester(t *testing.T) {
	store := seed(t)
	ctx := context.Background()

	ids, err := GroupIDsForSemester(ctx, store, "2024Z")
	require.NoError(t, err)
	assert.Equal(t, []int64{55, 101, 102}, ids)

	ids, err = GroupIDsForSemester(ctx, store, "2025L")
	require.NoError(t, err)
	assert.Equal(t, []int64{56}, ids)

	ids, err = GroupIDsForSemester(ctx, store, "2030Z")
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = GroupIDsForSemester(ctx, store, "bogus")
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestBuildTree(t *testing.T) {
	store := seed(t)
	ctx := context.Background()

	nodes, err := BuildTree(ctx, store)
	require.NoError(t, err)
	require.Len(t, nodes, 1)

	yearNode := nodes[0]
	assert.Equal(t, "2024-2025", yearNode.ID)
	assert.Equal(t, "parent_node", yearNode.Type)
	assert.Nil(t, yearNode.GroupID)
	require.Len(t, yearNode.Children, 2) // 2024Z, 2025L
	winter := yearNode.Children[0]
	assert.Equal(t, "2024Z", winter.ID)
	require.Len(t, winter.Children, 2) // IEZI, MAT

	iezi := winter.Children[0]
	assert.Equal(t, "IEZI", iezi.Name)
	leaf := iezi.Children[0].Children[0]
	assert.Equal(t, "semestr 1", leaf.Name)
	require.Len(t, leaf.Children, 2)
	assert.Equal(t, "Grupa 1", leaf.Children[0].Name)
	assert.Equal(t, "group", leaf.Children[0].Type)
	assert.Equal(t, "101", leaf.Children[0].ID)
	require.NotNil(t, leaf.Children[0].GroupID)
	assert.Equal(t, int64(101), *leaf.Children[0].GroupID)

	op, err := SaveTreeOp(nodes)
	require.NoError(t, err)
	require.NoError(t, store.Commit(ctx, []docstore.Op{op}))

	doc, err := store.Get(ctx, TreePath)
	require.NoError(t, err)
	decoded, err := DecodeTree(doc.Data)
	require.NoError(t, err)
	assert.Equal(t, nodes, decoded)
}
