package sqldb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	pg, err := DialectFor("postgres")
	require.NoError(t, err)
	assert.Equal(t, "SELECT a FROM t WHERE b = $1 AND c = '?' AND d IN ($2, $3)",
		pg.Rebind("SELECT a FROM t WHERE b = ? AND c = '?' AND d IN (?, ?)"))

	lite, err := DialectFor("sqlite3")
	require.NoError(t, err)
	assert.Equal(t, "x = ?", lite.Rebind("x = ?"))

	_, err = DialectFor("oracle")
	assert.Error(t, err)
}

func TestOpenSQLite(t *testing.T) {
	db, dialect, err := Open(Options{Driver: "sqlite3", Path: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, "sqlite3", dialect.Driver)
	require.NoError(t, db.Ping())
}

func TestOpenNeedsLocation(t *testing.T) {
	_, _, err := Open(Options{Driver: "sqlite3"})
	assert.Error(t, err)
	_, _, err = Open(Options{Driver: "postgres"})
	assert.Error(t, err)
}
