//go:build sqlite

package journal

import (
	"path/filepath"
	"testing"

	logx "github.com/moorej2400/sobertube-app-sub003/pkg/logx"
)

func TestSQLiteJournal(t *testing.T) {
	t.Parallel()
	j, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "journal.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()
	exercise(t, j)
}
