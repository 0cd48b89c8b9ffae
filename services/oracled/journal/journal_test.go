package journal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := OpenDB("sqlite", dsn)
	require.NoError(t, err)
	j, err := New(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestRecordAndListNewestFirst(t *testing.T) {
	j := newTestJournal(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	j.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}
	ctx := context.Background()

	first, err := j.Record(ctx, KindDeploy, "0x01", "alice", "")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, first.ID)
	_, err = j.Record(ctx, KindAddPair, "0x02", "alice", "ETH/USD")
	require.NoError(t, err)
	_, err = j.Record(ctx, KindUpdateAnswers, "0x03", "bob", "2 pairs")
	require.NoError(t, err)

	all, err := j.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"0x03", "0x02", "0x01"}, []string{all[0].TxHash, all[1].TxHash, all[2].TxHash})

	limited, err := j.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, KindUpdateAnswers, limited[0].Kind)
}

func TestOpenDBRejectsUnknownDriver(t *testing.T) {
	_, err := OpenDB("mysql", "dsn")
	require.Error(t, err)
	_, err = OpenDB("sqlite", " ")
	require.Error(t, err)
}

func TestOpenDBFromFilePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "journal.sqlite")
	db, err := OpenDB("sqlite", path)
	require.NoError(t, err)
	j, err := New(db)
	require.NoError(t, err)
	defer j.Close()

	_, err = j.Record(context.Background(), KindRegister, "0xaa", "alice", "")
	require.NoError(t, err)
	_, err = os.Stat(path)
	require.NoError(t, err)

	dsn, err := FileDSN(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dsn, "file:/"))
	assert.Contains(t, dsn, "journal_mode(WAL)")
}
