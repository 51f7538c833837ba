package p4cli

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiniu/depotmirror/internal/vcs"
)

const describeOutput = `... change 1234
... user jdoe
... client jdoe-ws
... time 1700000000
... desc Fix the build

#ROBOMERGE-SOURCE: CL 1200 in //UE5/Dev/...
... status submitted
... changeType public
... depotFile0 //UE5/Main/Engine/a.cpp
... action0 edit
... type0 text
... rev0 3
... depotFile1 //UE5/Main/Engine/b.uasset
... action1 add
... type1 binary+l
... rev1 1

`

func TestParseTaggedDescribe(t *testing.T) {
	records, err := ParseTagged(strings.NewReader(describeOutput))
	require.NoError(t, err)
	require.Len(t, records, 1)

	desc := toDescription(records[0])
	assert.Equal(t, 1234, desc.Number)
	assert.Equal(t, "jdoe", desc.User)
	assert.Equal(t, int64(1700000000), desc.Time.Unix())
	assert.Equal(t, "Fix the build\n\n#ROBOMERGE-SOURCE: CL 1200 in //UE5/Dev/...", desc.Description)
	require.Len(t, desc.Files, 2)
	assert.Equal(t, vcs.FileAction{DepotPath: "//UE5/Main/Engine/b.uasset", Action: "add", Type: "binary+l", Revision: 1}, desc.Files[1])
}

func TestParseTaggedMultipleRecords(t *testing.T) {
	out := `... change 12
... time 1700000000
... user a
... desc first

... change 11
... time 1690000000
... user b
... desc second
`
	records, err := ParseTagged(strings.NewReader(out))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 12, records[0].Int("change"))
	assert.Equal(t, "first", records[0]["desc"])
	assert.Equal(t, "b", records[1]["user"])
}

func TestRecordIndexed(t *testing.T) {
	r := Record{"View0": "a", "View1": "b", "View3": "d"}
	assert.Equal(t, []string{"a", "b"}, r.Indexed("View"))
	assert.Nil(t, r.Indexed("ChangeView"))
}

func TestClassify(t *testing.T) {
	exit := errors.New("exit status 1")
	cases := []struct {
		name   string
		stderr string
		err    error
		empty  bool
		nilErr bool
	}{
		{name: "up to date", stderr: "//ws/... - file(s) up-to-date.", empty: true},
		{name: "no such file", stderr: "//ws/x - no such file(s).", err: exit, empty: true},
		{name: "ok", nilErr: true},
		{name: "failure", stderr: "Perforce password (P4PASSWD) invalid or unset.", err: exit},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classify([]string{"sync"}, tc.stderr, tc.err)
			if tc.nilErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tc.empty, vcs.IsEmpty(err))
		})
	}
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "@5,@9", revRange(5, 9))
	assert.Equal(t, "@5,@now", revRange(5, 0))
	assert.Equal(t, "@<=9", revRange(0, 9))
	assert.Equal(t, []string{"//ws/a/...#none"}, syncPaths("ws", []string{"a/..."}, 0))
	assert.Equal(t, []string{"//ws/...@7"}, syncPaths("ws", nil, 7))
}
