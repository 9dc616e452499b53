package coord

import (
	"path/filepath"
	"testing"
)

// TestSQLiteStoreRoundTrip verifies flags and the kill switch against a
// real database file, including the shared-file case: a second store on
// the same path observes the first one's writes.
func TestSQLiteStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coord.db")

	writer, err := OpenSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer writer.Close()

	reader, err := OpenSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()

	// Reload flags cross the process boundary (modeled here as a second
	// connection).
	if err := writer.SetFlag("slack"); err != nil {
		t.Fatal(err)
	}
	if err := writer.SetFlag("slack"); err != nil {
		t.Fatal(err)
	}
	set, err := reader.TakeFlag("slack")
	if err != nil {
		t.Fatal(err)
	}
	if !set {
		t.Error("reader should observe writer's flag")
	}
	set, _ = reader.TakeFlag("slack")
	if set {
		t.Error("flag should be cleared after one take")
	}

	// Kill switch default and round-trip.
	engaged, err := reader.KillSwitch()
	if err != nil {
		t.Fatal(err)
	}
	if engaged {
		t.Error("kill switch should default to disengaged")
	}
	if err := writer.SetKillSwitch(true); err != nil {
		t.Fatal(err)
	}
	engaged, _ = reader.KillSwitch()
	if !engaged {
		t.Error("reader should observe engaged switch")
	}
	if err := writer.SetKillSwitch(false); err != nil {
		t.Fatal(err)
	}
	engaged, _ = reader.KillSwitch()
	if engaged {
		t.Error("reader should observe released switch")
	}
}
