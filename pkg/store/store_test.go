package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetPIDFile(t *testing.T) {
	s := openTestStore(t)

	pf := PIDFile{PID: 111, PPID: 22, SpawnerPID: 33}
	require.NoError(t, s.PutPIDFile("slot-1", pf))

	got, ok, err := s.GetPIDFile("slot-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, pf, got)
}

func TestGetPIDFileMissing(t *testing.T) {
	s := openTestStore(t)

	_, ok, err := s.GetPIDFile("nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRemovePIDFile(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.PutPIDFile("slot-1", PIDFile{PID: 1}))
	require.NoError(t, s.RemovePIDFile("slot-1"))

	_, ok, err := s.GetPIDFile("slot-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestListPIDFiles(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.PutPIDFile("slot-1", PIDFile{PID: 1}))
	require.NoError(t, s.PutPIDFile("slot-2", PIDFile{PID: 2}))

	all, err := s.ListPIDFiles()
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, 1, all["slot-1"].PID)
	require.Equal(t, 2, all["slot-2"].PID)
}

func TestNodeStateRoundTrip(t *testing.T) {
	s := openTestStore(t)

	empty, err := s.GetNodeState()
	require.NoError(t, err)
	require.Equal(t, NodeState{}, empty)

	want := NodeState{Served: 7, RestartServers: true}
	require.NoError(t, s.PutNodeState(want))

	got, err := s.GetNodeState()
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s1.PutPIDFile("slot-1", PIDFile{PID: 42}))
	require.NoError(t, s1.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	pf, ok, err := s2.GetPIDFile("slot-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 42, pf.PID)
}
