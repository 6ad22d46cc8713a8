package grouptree

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ansplan/schedsync/internal/docstore"
	"github.com/ansplan/schedsync/internal/model"
)

const (
	TreePath = "config/deanGroupsTree"

	nodeParent = "parent_node"
	nodeGroup  = "group"
)

// Reader is the subset of docstore.Store the tree walks need.
type Reader interface {
	ListDocuments(ctx context.Context, collection string) ([]docstore.Doc, error)
	ListCollections(ctx context.Context, docPath string) ([]string, error)
}

// BuildTree rebuilds the selectable tree from the stored deanGroups
// hierarchy. Documents without subcollections become leaves whose numeric
// fields are the selectable groups.
func BuildTree(ctx context.Context, r Reader) ([]model.TreeNode, error) {
	return buildCollection(ctx, r, DeanGroupsCollection)
}

func buildCollection(ctx context.Context, r Reader, coll string) ([]model.TreeNode, error) {
	docs, err := r.ListDocuments(ctx, coll)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", coll, err)
	}
	out := make([]model.TreeNode, 0, len(docs))
	for _, d := range docs {
		n, err := buildDocument(ctx, r, d)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func buildDocument(ctx context.Context, r Reader, d docstore.Doc) (model.TreeNode, error) {
	subs, err := r.ListCollections(ctx, d.Path)
	if err != nil {
		return model.TreeNode{}, fmt.Errorf("list collections of %s: %w", d.Path, err)
	}
	node := model.TreeNode{ID: d.ID, Name: d.ID, Type: nodeParent, Children: []model.TreeNode{}}

	if len(subs) == 0 {
		for _, name := range sortedKeys(d.Data) {
			id, ok := groupID(d.Data[name])
			if !ok || name == "lastUpdated" {
				continue
			}
			node.Children = append(node.Children, model.TreeNode{
				ID:       fmt.Sprint(id),
				Name:     name,
				Type:     nodeGroup,
				GroupID:  &id,
				Children: []model.TreeNode{},
			})
		}
		return node, nil
	}

	for _, sub := range subs {
		children, err := buildCollection(ctx, r, docstore.Join(d.Path, sub))
		if err != nil {
			return model.TreeNode{}, err
		}
		node.Children = append(node.Children, model.TreeNode{
			ID: sub, Name: sub, Type: nodeParent, Children: children,
		})
	}
	return node, nil
}

// SaveTreeOp returns the write storing tree at TreePath.
func SaveTreeOp(tree []model.TreeNode) (docstore.Op, error) {
	enc, err := treeValue(tree)
	if err != nil {
		return docstore.Op{}, err
	}
	return docstore.Set(TreePath, map[string]any{
		"tree":        enc,
		"lastUpdated": docstore.ServerTimestamp,
	}), nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func groupID(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		if t != float64(int64(t)) {
			return 0, false
		}
		return int64(t), true
	case int64:
		return t, true
	case int:
		return int64(t), true
	default:
		return 0, false
	}
}

// treeValue converts tree into plain maps and slices so every store backend
// encodes it the same way.
func treeValue(tree []model.TreeNode) ([]any, error) {
	raw, err := json.Marshal(tree)
	if err != nil {
		return nil, err
	}
	var out []any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeTree reads the tree field of the stored tree document.
func DecodeTree(data map[string]any) ([]model.TreeNode, error) {
	raw, err := json.Marshal(data["tree"])
	if err != nil {
		return nil, err
	}
	var out []model.TreeNode
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode stored tree: %w", err)
	}
	return out, nil
}
