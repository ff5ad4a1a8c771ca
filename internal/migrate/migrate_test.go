package migrate

import (
	"testing"
	"testing/fstest"

	"github.com/tecmax-dev/sisvida-sub021/migrations"
)

func TestPending(t *testing.T) {
	fsys := fstest.MapFS{
		"002_b.sql": {Data: []byte("SELECT 2")},
		"001_a.sql": {Data: []byte("SELECT 1")},
		"README.md": {Data: []byte("docs")},
		"003_c.sql": {Data: []byte("SELECT 3")},
		"sub/x.sql": {Data: []byte("SELECT 4")},
	}
	got, err := Pending(fsys, map[string]bool{"002_b": true})
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	want := []string{"001_a.sql", "003_c.sql"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestEmbeddedMigrationsAreOrdered(t *testing.T) {
	names, err := Pending(migrations.FS, nil)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(names) == 0 {
		t.Fatal("no embedded migrations")
	}
	if names[0] != "001_clinics_billing.sql" {
		t.Errorf("first migration = %s", names[0])
	}
}
