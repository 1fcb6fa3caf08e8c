package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/docsync/dbopen"
	"github.com/hazyhaar/docsync/identity"
	"github.com/hazyhaar/docsync/replica"
	"github.com/hazyhaar/docsync/snapshot"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestResolve(t *testing.T) {
	db := filepath.Join(t.TempDir(), "docs.db")

	if _, err := run(t, "--db", db, "resolve", "team-notes"); err == nil {
		t.Fatal("lookup of unknown name succeeded")
	}

	out, err := run(t, "--db", db, "resolve", "team-notes", "--create")
	if err != nil {
		t.Fatal(err)
	}
	var created identityView
	if err := json.Unmarshal([]byte(out), &created); err != nil {
		t.Fatalf("%q: %v", out, err)
	}

	out, err = run(t, "--db", db, "resolve", "team-notes")
	if err != nil {
		t.Fatal(err)
	}
	var found identityView
	json.Unmarshal([]byte(out), &found)
	if found.CanonicalID != created.CanonicalID || found.DisplayName != "team-notes" {
		t.Fatalf("created %+v, found %+v", created, found)
	}
}

func TestSnapshotShowAndList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docs.db")

	db, err := dbopen.Open(path, dbopen.WithSchema(snapshot.Schema), dbopen.WithSchema(identity.Schema))
	if err != nil {
		t.Fatal(err)
	}
	idn, err := identity.NewSQLite(db).Create(context.Background(), "team-notes", "team-notes")
	if err != nil {
		t.Fatal(err)
	}
	payload := replica.EncodeUpdates([]byte("hello"))
	if err := snapshot.New(db).Put(context.Background(), idn.CanonicalID, payload, time.Now()); err != nil {
		t.Fatal(err)
	}
	db.Close()

	out, err := run(t, "--db", path, "snapshot", "show", "team-notes")
	if err != nil {
		t.Fatal(err)
	}
	var view snapshotView
	json.Unmarshal([]byte(out), &view)
	if view.DocumentID != idn.CanonicalID || view.Size != len(payload) || view.Checksum != snapshot.Checksum(payload) {
		t.Fatalf("view = %+v", view)
	}

	out, err = run(t, "--db", path, "snapshot", "list")
	if err != nil {
		t.Fatal(err)
	}
	var list []snapshotView
	json.Unmarshal([]byte(out), &list)
	if len(list) != 1 || list[0].DocumentID != idn.CanonicalID {
		t.Fatalf("list = %s", out)
	}
}

func TestMaintenance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docs.db")

	if _, err := run(t, "--db", path, "maintenance", "on", "--message", "moving disks"); err != nil {
		t.Fatal(err)
	}
	db, err := dbopen.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	var active int
	var message string
	db.QueryRow(`SELECT active, message FROM maintenance WHERE id = 1`).Scan(&active, &message)
	if active != 1 || message != "moving disks" {
		t.Fatalf("active=%d message=%q", active, message)
	}

	if _, err := run(t, "--db", path, "maintenance", "sideways"); err == nil {
		t.Fatal("invalid argument accepted")
	}
}

func TestSnapshotShow_Unknown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docs.db")
	_, err := run(t, "--db", path, "snapshot", "show", "ghost")
	if err == nil || !strings.Contains(err.Error(), "ghost") {
		t.Fatalf("err = %v", err)
	}
}
