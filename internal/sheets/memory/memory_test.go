package memory

import (
	"context"
	"testing"
)

func TestStoreExportReplaces(t *testing.T) {
	s := New()
	if table, n := s.Table(); table != nil || n != 0 {
		t.Fatalf("new store should be empty, got %v %d", table, n)
	}

	first := [][]any{{"County"}, {"Travis"}}
	if err := s.ExportTable(context.Background(), first); err != nil {
		t.Fatal(err)
	}
	first[1][0] = "mutated"

	if err := s.ExportTable(context.Background(), [][]any{{"County"}, {"Harris"}, {"Dallas"}}); err != nil {
		t.Fatal(err)
	}
	table, n := s.Table()
	if n != 2 || len(table) != 3 || table[1][0] != "Harris" {
		t.Errorf("unexpected state %v after %d exports", table, n)
	}
}
