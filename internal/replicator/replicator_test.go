package replicator

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiniu/depotmirror/internal/commits"
	"github.com/qiniu/depotmirror/internal/config"
	"github.com/qiniu/depotmirror/internal/objstore"
	"github.com/qiniu/depotmirror/internal/vcs"
	"github.com/qiniu/depotmirror/internal/vcs/vcstest"
)

var submitTime = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type testEnv struct {
	depot *vcstest.Depot
	store *objstore.MemoryStore
	repl  *Replicator
}

func newTestEnv(t *testing.T, batchBytes int64) *testEnv {
	t.Helper()
	topo := &config.Topology{
		Clusters: []config.ClusterConfig{{Name: "main", ServiceAccount: "svc-build"}},
		Streams:  []config.StreamConfig{{ID: "s", Cluster: "main", Name: "//S/main", Replicate: true}},
	}
	env := &testEnv{depot: vcstest.NewDepot(), store: objstore.NewMemoryStore()}
	env.depot.SetStream(vcs.StreamSpec{Stream: "//S/main", Type: "mainline", View: []string{"//S/main/... //ws/..."}})
	env.repl = New(Deps{
		Topology:      topo,
		Connector:     env.depot,
		Store:         env.store,
		WorkspaceRoot: t.TempDir(),
		BatchBytes:    batchBytes,
		ChunkSize:     8,
	})
	return env
}

func (e *testEnv) submit(user string, files ...vcstest.File) int {
	return e.depot.Submit(user, "change by "+user, submitTime, files...)
}

func file(path, content string) vcstest.File {
	return vcstest.File{DepotPath: "//S/main/" + path, Content: []byte(content)}
}

func keys(m map[string]objstore.FileEntry) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestReplicateLinksParentAndContent(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	c1 := env.submit("alice",
		file("Engine/a.txt", "hello world"),
		vcstest.File{DepotPath: "//S/main/Engine/Bin/tool.exe", Content: []byte("MZ\x90\x00binary"), Type: "binary", Perms: "0755"},
		vcstest.File{DepotPath: "//S/main/readme.md", Content: []byte("read me"), Perms: "0444"},
	)
	ref1, err := env.repl.Replicate(ctx, "s", c1)
	require.NoError(t, err)

	files, err := env.repl.Files(ctx, "s", c1)
	require.NoError(t, err)
	assert.Equal(t, []string{"Engine/Bin/tool.exe", "Engine/a.txt", "readme.md"}, keys(files))

	a := files["Engine/a.txt"]
	assert.Equal(t, objstore.FlagText, a.Flags)
	assert.Equal(t, int64(11), a.Length)
	assert.Equal(t, "5eb63bbbe01eeed093cb22bb8f5acdc3", a.Digest)
	data, err := objstore.ReadContent(ctx, env.store, a.Content)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
	assert.Equal(t, objstore.FlagExecutable, files["Engine/Bin/tool.exe"].Flags)
	assert.Equal(t, objstore.FlagText|objstore.FlagReadOnly, files["readme.md"].Flags)

	c2 := env.submit("bob", file("Engine/a.txt", "bye"), vcstest.File{DepotPath: "//S/main/readme.md", Delete: true})
	ref2, err := env.repl.Replicate(ctx, "s", c2)
	require.NoError(t, err)

	head, headRefValue, err := env.repl.Head(ctx, "s")
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, ref2, headRefValue)
	assert.Equal(t, c2, head.Change)
	assert.Equal(t, ref1, head.Parent)
	assert.Equal(t, "bob", head.Author)
	assert.Equal(t, "change by bob", head.Description)

	files2, err := env.repl.Files(ctx, "s", c2)
	require.NoError(t, err)
	assert.Equal(t, []string{"Engine/Bin/tool.exe", "Engine/a.txt"}, keys(files2))
	assert.Equal(t, files["Engine/Bin/tool.exe"], files2["Engine/Bin/tool.exe"])
	data, err = objstore.ReadContent(ctx, env.store, files2["Engine/a.txt"].Content)
	require.NoError(t, err)
	assert.Equal(t, "bye", string(data))

	_, err = env.store.ReadRef(ctx, cursorRef("s"))
	assert.ErrorIs(t, err, objstore.ErrNotFound)

	again, err := env.repl.Replicate(ctx, "s", c2)
	require.NoError(t, err)
	assert.Equal(t, ref2, again)
}

func seedTree(env *testEnv) int {
	return env.submit("alice",
		file("A/1.txt", "aaaaaaaaaa"),
		file("A/2.txt", "bbbbbbbbbbbb"),
		file("B/x.bin", "cccccccccccccccccccccccccccccc"),
		file("C/D/y.txt", "ddddd"),
		file("z.txt", "eee"),
	)
}

func TestReplicateResumesAfterInterruption(t *testing.T) {
	ctx := context.Background()

	fresh := newTestEnv(t, 1)
	change := seedTree(fresh)
	freshRef, err := fresh.repl.Replicate(ctx, "s", change)
	require.NoError(t, err)
	var freshNode CommitNode
	require.NoError(t, objstore.ReadObject(ctx, fresh.store, freshRef, objstore.KindCommit, &freshNode))

	env := newTestEnv(t, 1)
	require.Equal(t, change, seedTree(env))
	// batches run B, A, C/D then the root; B takes ten events, so this trips inside A
	env.depot.FailAfterEvents = 13
	_, err = env.repl.Replicate(ctx, "s", change)
	require.Error(t, err)
	var re *Error
	require.True(t, errors.As(err, &re))
	assert.Equal(t, StageSync, re.Stage)
	assert.ErrorIs(t, err, vcstest.ErrInterrupted)

	var cur SyncCursor
	_, err = objstore.ReadRefObject(ctx, env.store, cursorRef("s"), objstore.KindCursor, &cur)
	require.NoError(t, err)
	assert.Equal(t, change, cur.TargetChange)
	assert.Equal(t, 0, cur.ParentChange)
	assert.Equal(t, []string{"B/..."}, cur.CoveredPrefixes)
	assert.False(t, cur.ContentTreeRef.IsZero())
	head, _, err := env.repl.Head(ctx, "s")
	require.NoError(t, err)
	assert.Nil(t, head)

	ref, err := env.repl.Replicate(ctx, "s", change)
	require.NoError(t, err)
	var node CommitNode
	require.NoError(t, objstore.ReadObject(ctx, env.store, ref, objstore.KindCommit, &node))
	assert.Equal(t, freshNode.Root, node.Root)
	assert.Equal(t, freshRef, ref)
	assert.Equal(t, fresh.depot.Have("depotmirror-s"), env.depot.Have("depotmirror-s"))

	_, err = env.store.ReadRef(ctx, cursorRef("s"))
	assert.ErrorIs(t, err, objstore.ErrNotFound)
}

func TestReplicateDiscardsStaleCursor(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	change := seedTree(env)

	bogus, err := objstore.WriteObject(ctx, env.store, objstore.KindCursor, SyncCursor{
		AttemptID:       "old",
		TargetChange:    change + 5,
		CoveredPrefixes: []string{"..."},
	})
	require.NoError(t, err)
	require.NoError(t, env.store.WriteRef(ctx, cursorRef("s"), bogus))

	_, err = env.repl.Replicate(ctx, "s", change)
	require.NoError(t, err)
	files, err := env.repl.Files(ctx, "s", change)
	require.NoError(t, err)
	assert.Len(t, files, 5)
}

func TestReplicateOlderChangeKeepsHead(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	c1 := env.submit("alice", file("a.txt", "one"))
	c2 := env.submit("alice", file("a.txt", "two"))

	ref2, err := env.repl.Replicate(ctx, "s", c2)
	require.NoError(t, err)
	ref1, err := env.repl.Replicate(ctx, "s", c1)
	require.NoError(t, err)
	assert.NotEqual(t, ref1, ref2)

	head, headRefValue, err := env.repl.Head(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, c2, head.Change)
	assert.Equal(t, ref2, headRefValue)
}

func TestReplicateMissingParentNode(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	change := seedTree(env)
	require.NoError(t, env.store.WriteRef(ctx, headRef("s"), objstore.Hash([]byte("gone"))))

	_, err := env.repl.Replicate(ctx, "s", change)
	assert.ErrorIs(t, err, ErrMissingContent)
	var re *Error
	require.True(t, errors.As(err, &re))
	assert.Equal(t, StageLocateBase, re.Stage)
}

func TestReplicateUnknownStream(t *testing.T) {
	env := newTestEnv(t, 0)
	_, err := env.repl.Replicate(context.Background(), "nope", 1)
	assert.ErrorIs(t, err, ErrUnknownStream)
}

func newHandler(t *testing.T, sizes map[string]int64) (*eventHandler, *objstore.TreeBuilder) {
	t.Helper()
	store := objstore.NewMemoryStore()
	tree := objstore.NewTreeBuilder(store, "")
	return &eventHandler{ctx: context.Background(), store: store, tree: tree, sizes: sizes, chunkSize: 4}, tree
}

func TestEventHandlerSizeMismatch(t *testing.T) {
	h, _ := newHandler(t, map[string]int64{"a.txt": 5})
	require.NoError(t, h.handle(vcs.SyncEvent{Code: vcs.EventOpen, Payload: vcs.EncodeOpen("a.txt", "text", "0644")}))
	require.NoError(t, h.handle(vcs.SyncEvent{Code: vcs.EventWrite, Payload: []byte("abc")}))
	err := h.handle(vcs.SyncEvent{Code: vcs.EventClose})
	assert.ErrorIs(t, err, ErrSizeMismatch)
	assert.Empty(t, h.staged)
}

func TestEventHandlerMalformedPayloads(t *testing.T) {
	h, _ := newHandler(t, map[string]int64{"a.txt": 1})
	assert.ErrorIs(t, h.handle(vcs.SyncEvent{Code: vcs.EventOpen, Payload: []byte("a.txt")}), ErrMalformedEvent)
	assert.ErrorIs(t, h.handle(vcs.SyncEvent{Code: vcs.EventUnlink, Payload: []byte("a.txt")}), ErrMalformedEvent)
	assert.ErrorIs(t, h.handle(vcs.SyncEvent{Code: vcs.EventWrite, Payload: []byte("x")}), ErrMalformedEvent)
	assert.ErrorIs(t, h.handle(vcs.SyncEvent{Code: vcs.EventClose}), ErrMalformedEvent)
}

func TestEventHandlerIgnoresUnknownCodes(t *testing.T) {
	h, _ := newHandler(t, nil)
	assert.NoError(t, h.handle(vcs.SyncEvent{Code: vcs.EventCode(42), Payload: []byte("whatever")}))
}

func TestEventHandlerStagesAndUnlinks(t *testing.T) {
	ctx := context.Background()
	h, tree := newHandler(t, map[string]int64{"dir/new.txt": 6})
	require.NoError(t, tree.Add(ctx, "dir/old.txt", objstore.FileEntry{Length: 1}))

	events := []vcs.SyncEvent{
		{Code: vcs.EventUnlink, Payload: vcs.EncodeUnlink("dir/old.txt")},
		{Code: vcs.EventOpen, Payload: vcs.EncodeOpen("dir\\new.txt", "utf16", "0644")},
		{Code: vcs.EventWrite, Payload: []byte("new ")},
		{Code: vcs.EventWrite, Payload: []byte("ok")},
		{Code: vcs.EventClose},
	}
	for _, ev := range events {
		require.NoError(t, h.handle(ev))
	}
	require.Len(t, h.staged, 1)
	assert.Equal(t, int64(6), h.bytes)
	require.NoError(t, h.apply())

	root, err := tree.Write(ctx)
	require.NoError(t, err)
	files, err := objstore.ListTree(ctx, h.store, root)
	require.NoError(t, err)
	assert.Equal(t, []string{"dir/new.txt"}, keys(files))
	assert.Equal(t, objstore.FlagText|objstore.FlagUtf16, files["dir/new.txt"].Flags)
	data, err := objstore.ReadContent(ctx, h.store, files["dir/new.txt"].Content)
	require.NoError(t, err)
	assert.Equal(t, "new ok", string(data))
}

func TestFileFlags(t *testing.T) {
	tests := []struct {
		fileType, perms string
		want            objstore.FileFlags
	}{
		{"text", "0644", objstore.FlagText},
		{"ktext", "0644", objstore.FlagText},
		{"binary", "0755", objstore.FlagExecutable},
		{"binary+x", "0555", objstore.FlagExecutable | objstore.FlagReadOnly},
		{"utf16", "0444", objstore.FlagText | objstore.FlagUtf16 | objstore.FlagReadOnly},
		{"text+x", "0775", objstore.FlagText | objstore.FlagExecutable},
	}
	for _, tt := range tests {
		t.Run(tt.fileType+"/"+tt.perms, func(t *testing.T) {
			assert.Equal(t, tt.want, fileFlags(tt.fileType, tt.perms))
		})
	}
}

func TestFileFlagsFromFileType(t *testing.T) {
	tests := []struct {
		fileType string
		want     objstore.FileFlags
	}{
		{"text", objstore.FlagText | objstore.FlagReadOnly},
		{"text+w", objstore.FlagText},
		{"text+x", objstore.FlagText | objstore.FlagReadOnly | objstore.FlagExecutable},
		{"binary+w", 0},
		{"xbinary", objstore.FlagReadOnly | objstore.FlagExecutable},
		{"utf16+w", objstore.FlagText | objstore.FlagUtf16},
	}
	for _, tt := range tests {
		t.Run(tt.fileType, func(t *testing.T) {
			assert.Equal(t, tt.want, fileFlags(tt.fileType, vcs.PermsOf(tt.fileType)))
		})
	}
}

func TestBuildIndexRegistersAncestors(t *testing.T) {
	idx := buildIndex([]vcs.PreviewFile{
		{Path: "A/B/C/f.txt", Size: 4},
		{Path: "X\\y.txt", Size: 2},
		{Path: "top.txt", Size: 1},
	})
	assert.Equal(t, map[string]int64{"A/B/C": 4, "X": 2, "": 1}, idx.direct)
	assert.Equal(t, int64(2), idx.sizes["X/y.txt"])
	for _, dir := range []string{"", "A", "A/B", "A/B/C", "X"} {
		assert.True(t, idx.dirs[dir], dir)
	}
	assert.Equal(t, map[string]bool{"A": true, "X": true}, idx.children[""])
	assert.Equal(t, map[string]bool{"A/B/C": true}, idx.children["A/B"])
}

func TestPlanBatches(t *testing.T) {
	batches := planBatches([]bucket{{"a", 5}, {"b", 1}, {"c", 3}, {"d", 10}}, 9)
	require.Len(t, batches, 2)
	assert.Equal(t, []bucket{{"d", 10}}, batches[0])
	assert.Equal(t, []bucket{{"a", 5}, {"c", 3}, {"b", 1}}, batches[1])

	single := planBatches([]bucket{{"a", 5}, {"b", 1}}, 0)
	assert.Len(t, single, 2)
}

func TestCollapsePrefixes(t *testing.T) {
	idx := buildIndex([]vcs.PreviewFile{
		{Path: "A/1.txt"},
		{Path: "A/B/2.txt"},
		{Path: "C/3.txt"},
		{Path: "r.txt"},
	})
	tests := []struct {
		name string
		prev []string
		done []string
		want []string
	}{
		{"leaf", nil, []string{"A/B"}, []string{"A/B/..."}},
		{"parent files only", nil, []string{"A"}, []string{"A/*"}},
		{"subtree", nil, []string{"A/B", "A"}, []string{"A/..."}},
		{"siblings", nil, []string{"A/B", "A", "C"}, []string{"A/...", "C/..."}},
		{"everything", nil, []string{"A/B", "A", "C", ""}, []string{"..."}},
		{"keeps earlier prefixes", []string{"X/..."}, []string{"C"}, []string{"C/...", "X/..."}},
		{"replaces descendants", []string{"A/B/..."}, []string{"A"}, []string{"A/..."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			done := map[string]bool{}
			for _, d := range tt.done {
				done[d] = true
			}
			assert.Equal(t, tt.want, collapse(tt.prev, idx, done))
		})
	}
}

type fakeSource struct {
	changes []int
	err     error
}

func (f *fakeSource) NextCommit(ctx context.Context, streamID string, after int, tags []string) (*commits.CommitRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, c := range f.changes {
		if c > after {
			return &commits.CommitRecord{StreamID: streamID, Change: c}, nil
		}
	}
	return nil, nil
}

func (f *fakeSource) LatestCommit(ctx context.Context, streamID string, tags []string) (*commits.CommitRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.changes) == 0 {
		return nil, nil
	}
	return &commits.CommitRecord{StreamID: streamID, Change: f.changes[len(f.changes)-1]}, nil
}

func TestSchedulerReplicatesForward(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	c1 := env.submit("alice", file("a.txt", "one"))
	src := &fakeSource{changes: []int{c1}}
	s := &scheduler{deps: SchedulerDeps{Replicator: env.repl, Commits: src}, streams: map[string]*streamState{}}

	s.tick(ctx)
	s.wg.Wait()
	head, _, err := env.repl.Head(ctx, "s")
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, c1, head.Change)

	c2 := env.submit("bob", file("a.txt", "two"))
	c3 := env.submit("bob", file("b.txt", "three"))
	src.changes = []int{c1, c2, c3}
	s.tick(ctx)
	s.wg.Wait()
	head, _, err = env.repl.Head(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, c2, head.Change)
}

func TestSchedulerBacksOffOnFailure(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	src := &fakeSource{err: errors.New("cache down")}
	s := &scheduler{deps: SchedulerDeps{Replicator: env.repl, Commits: src}, streams: map[string]*streamState{}}

	s.tick(ctx)
	s.wg.Wait()
	ss := s.streams["s"]
	require.NotNil(t, ss)
	assert.False(t, ss.running)
	assert.True(t, ss.notBefore.After(time.Now()))

	src.err = nil
	s.tick(ctx)
	s.wg.Wait()
	head, _, err := env.repl.Head(ctx, "s")
	require.NoError(t, err)
	assert.Nil(t, head, "stream is still backing off")
}
