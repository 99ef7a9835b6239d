package seed

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/incident-harvester/internal/incident"
)

func TestReadFiltersSortsAndDedupes(t *testing.T) {
	t.Parallel()

	in := "ids\n300\n100\n\n200\n100\n999\n50\n"
	ids, err := Read(strings.NewReader(in), 100, 300)
	require.NoError(t, err)
	assert.Equal(t, []incident.RecordID{100, 200, 300}, ids)
}

func TestReadColumnLookup(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    []incident.RecordID
		wantErr bool
	}{
		{name: "extra columns", input: "partition,ids\n1-10,4\n1-10,2\n", want: []incident.RecordID{2, 4}},
		{name: "bom and case", input: "\ufeffIDS\n7\n", want: []incident.RecordID{7}},
		{name: "short row skipped", input: "a,ids\nx\ny,3\n", want: []incident.RecordID{3}},
		{name: "no column", input: "id\n1\n", wantErr: true},
		{name: "empty", input: "", wantErr: true},
		{name: "bad id", input: "ids\nabc\n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ids, err := Read(strings.NewReader(tt.input), 0, 1000)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestFileSource(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "assembled_ids.csv")
	require.NoError(t, os.WriteFile(path, []byte("ids\n5\n1\n3\n"), 0o600))

	var src Source = File{Path: path}
	ids, err := src.KnownIDs(context.Background(), 2, 5)
	require.NoError(t, err)
	assert.Equal(t, []incident.RecordID{3, 5}, ids)

	_, err = File{Path: filepath.Join(t.TempDir(), "missing.csv")}.KnownIDs(context.Background(), 0, 1)
	require.Error(t, err)
}
