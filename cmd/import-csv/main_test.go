package main

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestImportFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "series.csv")
	data := "ID, Title ,alt_titles\ns1,One Piece,ワンピース| OP \ns2,Berserk\n\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	var got [][]string
	n, err := importFile(context.Background(), path, func(_ context.Context, h map[string]int, row []string) error {
		got = append(got, []string{valueAt(h, row, "id"), valueAt(h, row, "title"), valueAt(h, row, "alt_titles")})
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows, got %d", n)
	}
	want := [][]string{{"s1", "One Piece", "ワンピース| OP"}, {"s2", "Berserk", ""}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}

	if _, err := importFile(context.Background(), filepath.Join(t.TempDir(), "missing.csv"), nil); !os.IsNotExist(err) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestSplitList(t *testing.T) {
	if got := splitList(" a | |b "); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("unexpected %q", got)
	}
	if splitList("") != nil {
		t.Error("empty input should give nil")
	}
}
