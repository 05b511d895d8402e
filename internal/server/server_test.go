package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/cube-builder/internal/jobstore"
	"github.com/ChuLiYu/cube-builder/internal/scheduler"
	"github.com/ChuLiYu/cube-builder/internal/worker"
	"github.com/ChuLiYu/cube-builder/pkg/types"
)

func date(s string) time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return t
}

func testRequest() types.BuildRequest {
	return types.BuildRequest{
		Cube:    "S2-16D",
		Version: 1,
		Grid: types.GridDef{
			Name: "test", CRS: "EPSG:32723",
			OriginY: 20, TileSize: 20, PixelSize: 10,
			Rows: 1, Cols: 1,
		},
		Start:       date("2024-01-01"),
		End:         date("2024-01-31"),
		Period:      types.PeriodSpec{Unit: types.PeriodDay, Step: 15},
		Composite:   types.CompositeFirstValid,
		Collections: []string{"S2_L2A"},
		Bands:       []string{"red"},
		NoData:      -9999,
	}
}

// startServer serves a non-started scheduler over an in-memory listener
func startServer(t *testing.T) (*Client, *scheduler.Scheduler, jobstore.Store) {
	t.Helper()
	store := jobstore.NewMemory()
	scenes := scheduler.StaticScenes{{
		ID: "s1", Collection: "S2_L2A", Acquired: date("2024-01-03"),
		Footprint: types.BBox{MaxX: 20, MaxY: 20},
	}}
	sched := scheduler.New(store, scenes, worker.InvokerFunc(nil), nil, nil, scheduler.Config{})

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	Register(gs, NewServer(sched))
	go gs.Serve(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		gs.Stop()
		store.Close()
	})
	return NewClient(conn), sched, store
}

func TestSubmitAndStatus(t *testing.T) {
	ctx := context.Background()
	client, _, store := startServer(t)

	id, err := client.Submit(ctx, testRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	build, err := store.GetBuild(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "S2-16D", build.Request.Cube)
	assert.True(t, build.Request.Start.Equal(date("2024-01-01")))

	st, err := client.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, st.Build)
	assert.Equal(t, types.OverallInProgress, st.Overall)
	require.Len(t, st.Tiles, 1)
	assert.Equal(t, types.TileID("000000"), st.Tiles[0].Tile)
}

func TestSubmitConfigurationErrorIsInvalidArgument(t *testing.T) {
	client, _, _ := startServer(t)
	req := testRequest()
	req.Bands = nil

	_, err := client.Submit(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestUnknownBuildIsNotFound(t *testing.T) {
	client, _, _ := startServer(t)

	_, err := client.Status(context.Background(), "missing")
	assert.Equal(t, codes.NotFound, status.Code(err))

	err = client.Cancel(context.Background(), "missing")
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	client, _, _ := startServer(t)

	id, err := client.Submit(ctx, testRequest())
	require.NoError(t, err)
	require.NoError(t, client.Cancel(ctx, id))

	st, err := client.Status(ctx, id)
	require.NoError(t, err)
	assert.True(t, st.Cancelled)
	assert.Equal(t, types.OverallFailed, st.Overall)
}

func TestReportResultIsIdempotent(t *testing.T) {
	ctx := context.Background()
	client, _, store := startServer(t)

	id, err := client.Submit(ctx, testRequest())
	require.NoError(t, err)
	jobs, err := store.ListJobs(ctx, id)
	require.NoError(t, err)

	var merge types.JobID
	for _, j := range jobs {
		if j.Stage == types.StageMerge {
			merge = j.ID
			break
		}
	}
	require.NotEmpty(t, merge)
	_, err = store.Dispatch(ctx, merge, time.Now().Add(time.Minute))
	require.NoError(t, err)

	out := &types.AssetRef{Stage: types.StageMerge, Tile: "000000", Efficacy: 87.5}
	applied, err := client.ReportResult(ctx, worker.Result{JobID: merge, Attempt: 1, Output: out})
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = client.ReportResult(ctx, worker.Result{JobID: merge, Attempt: 1, Output: out})
	require.NoError(t, err)
	assert.False(t, applied, "duplicate report changes nothing")

	j, err := store.GetJob(ctx, merge)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSucceeded, j.Status)
	require.NotNil(t, j.Output)
	assert.Equal(t, 87.5, j.Output.Efficacy)
}

func TestReportResultFailure(t *testing.T) {
	ctx := context.Background()
	client, _, store := startServer(t)

	id, err := client.Submit(ctx, testRequest())
	require.NoError(t, err)
	jobs, err := store.ListJobs(ctx, id)
	require.NoError(t, err)
	merge := jobs[0]
	for _, j := range jobs {
		if j.Stage == types.StageMerge {
			merge = j
			break
		}
	}
	_, err = store.Dispatch(ctx, merge.ID, time.Now().Add(time.Minute))
	require.NoError(t, err)

	applied, err := client.ReportResult(ctx, worker.Result{JobID: merge.ID, Attempt: 1, Err: errors.New("disk full")})
	require.NoError(t, err)
	assert.True(t, applied)

	j, err := store.GetJob(ctx, merge.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, j.Status)
	assert.Equal(t, "disk full", j.LastError)
}

func TestReportResultValidation(t *testing.T) {
	client, _, _ := startServer(t)
	_, err := client.ReportResult(context.Background(), worker.Result{JobID: "x"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestStructRoundTrip(t *testing.T) {
	in := testRequest()
	in.AOI = &types.BBox{MinX: 1, MinY: 2, MaxX: 3, MaxY: 4}
	s, err := toStruct(in)
	require.NoError(t, err)

	var out types.BuildRequest
	require.NoError(t, fromStruct(s, &out))
	assert.Equal(t, in.Grid, out.Grid)
	assert.Equal(t, *in.AOI, *out.AOI)
	assert.True(t, in.End.Equal(out.End))
	assert.Equal(t, in.NoData, out.NoData)
}
