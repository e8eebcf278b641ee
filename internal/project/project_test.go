package project

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	s, err := NewStore(mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func projectFile(t *testing.T, name string) []byte {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Document{Name: name, Data: json.RawMessage(`{"pops":["0-4","5-14"]}`)}))
	return buf.Bytes()
}

func TestDecode(t *testing.T) {
	doc, err := Decode(bytes.NewReader(projectFile(t, "Malawi")))
	require.NoError(t, err)
	assert.Equal(t, "Malawi", doc.Name)
	assert.JSONEq(t, `{"pops":["0-4","5-14"]}`, string(doc.Data))
}

func TestDecode_BadFormat(t *testing.T) {
	var unnamed bytes.Buffer
	require.NoError(t, Encode(&unnamed, &Document{}))

	tests := []struct {
		name string
		data []byte
	}{
		{name: "plain text", data: []byte("not a project")},
		{name: "empty", data: nil},
		{name: "no name", data: unnamed.Bytes()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(bytes.NewReader(tt.data))
			assert.ErrorIs(t, err, ErrBadFormat)
		})
	}
}

func TestStore_AddGetBlob(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	blob := projectFile(t, "Malawi")

	p, err := s.Add(ctx, "malawi.PRJ", blob)
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "Malawi", p.Name)
	assert.Equal(t, len(blob), p.Size)
	assert.Equal(t, "Malawi.prj", p.DownloadName())

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)

	_, stored, err := s.Blob(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, blob, stored)
}

func TestStore_AddRejects(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, "malawi.xlsx", projectFile(t, "Malawi"))
	assert.ErrorIs(t, err, ErrBadFormat)

	_, err = s.Add(ctx, "broken.prj", []byte("garbage"))
	assert.ErrorIs(t, err, ErrBadFormat)

	_, err = s.Add(ctx, "first.prj", projectFile(t, "Malawi"))
	require.NoError(t, err)
	_, err = s.Add(ctx, "second.prj", projectFile(t, "Malawi"))
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestStore_ListAndDelete(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	a, err := s.Add(ctx, "a.prj", projectFile(t, "A"))
	require.NoError(t, err)
	_, err = s.Add(ctx, "b.prj", projectFile(t, "B"))
	require.NoError(t, err)

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.Delete(ctx, a.ID))

	_, err = s.Get(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, a.ID), ErrNotFound)

	_, err = s.Add(ctx, "a-again.prj", projectFile(t, "A"))
	assert.NoError(t, err, "name is free again after delete")
}
