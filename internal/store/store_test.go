package store

import "testing"

func strptr(s string) *string { return &s }

func TestBuildTree(t *testing.T) {
	rows := []BotCommand{
		{ID: "plans", Name: "Planos", Inputs: []string{"plano"}},
		{ID: "basic", Name: "Básico", ParentID: strptr("plans"), Inputs: []string{"básico"}},
		{ID: "premium", Name: "Premium", ParentID: strptr("plans"), Inputs: []string{"premium"}},
		{ID: "hours", Name: "Horário", Inputs: []string{"horário"}},
	}

	tree := buildTree(rows)
	if len(tree) != 2 {
		t.Fatalf("got %d roots, want 2", len(tree))
	}
	if tree[0].ID != "plans" || tree[1].ID != "hours" {
		t.Fatalf("root order = %s, %s", tree[0].ID, tree[1].ID)
	}
	if len(tree[0].Children) != 2 {
		t.Fatalf("plans has %d children, want 2", len(tree[0].Children))
	}
	if tree[0].Children[0].ID != "basic" || tree[0].Children[1].ID != "premium" {
		t.Fatalf("child order = %s, %s", tree[0].Children[0].ID, tree[0].Children[1].ID)
	}
}

func TestBuildTreeOrphanBecomesRoot(t *testing.T) {
	rows := []BotCommand{
		{ID: "child", ParentID: strptr("gone")},
	}
	tree := buildTree(rows)
	if len(tree) != 1 || tree[0].ID != "child" {
		t.Fatalf("orphan should surface as a root, got %+v", tree)
	}
}

func TestBuildTreeEmpty(t *testing.T) {
	if tree := buildTree(nil); len(tree) != 0 {
		t.Fatalf("empty input should give empty tree, got %+v", tree)
	}
}
