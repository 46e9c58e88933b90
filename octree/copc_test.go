package octree

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/atomic"
	"go.viam.com/test"

	"go.viam.com/pcstream/fetch"
	"go.viam.com/pcstream/las"
	"go.viam.com/pcstream/las/lastest"
	"go.viam.com/pcstream/logging"
	"go.viam.com/pcstream/updatestate"
	"go.viam.com/pcstream/utils"
)

const (
	copcURL          = "mem://copc/points.copc.laz"
	copcRecordLength = 36
)

// copcOffsets returns where the point data and each hierarchy page land in a file built by
// encodeCOPC.
func copcOffsets(dataLength int, pageEntries ...int) (int64, []int64) {
	dataOffset := int64(las.HeaderLength14 + 54 + 160)
	pos := dataOffset + int64(dataLength)
	var offsets []int64
	for _, n := range pageEntries {
		pos += 60
		offsets = append(offsets, pos)
		pos += int64(32 * n)
	}
	return dataOffset, offsets
}

// encodeCOPC builds a COPC file over the cube [0, 100]^3 whose first page is the root page.
// The point data is stored as plain format 7 records behind the laszip flag.
func encodeCOPC(data []byte, pointCount int, pages ...[]lastest.CopcEntry) []byte {
	sizes := make([]int, 0, len(pages))
	for _, p := range pages {
		sizes = append(sizes, len(p))
	}
	_, offsets := copcOffsets(len(data), sizes...)
	info := las.CopcInfo{
		Center:         [3]float64{50, 50, 50},
		Halfsize:       50,
		Spacing:        2,
		RootHierOffset: offsets[0],
		RootHierSize:   int64(32 * len(pages[0])),
	}
	f := lastest.File{
		PointFormat:  7,
		RecordLength: copcRecordLength,
		Scale:        [3]float64{0.01, 0.01, 0.01},
		Max:          [3]float64{100, 100, 100},
		PointCount:   pointCount,
		PointData:    data,
		Compressed:   true,
		VLRs:         []lastest.VLR{{UserID: las.CopcUserID, RecordID: las.CopcInfoRecordID, Content: lastest.EncodeCopcInfo(info)}},
	}
	for _, p := range pages {
		f.EVLRs = append(f.EVLRs, lastest.VLR{UserID: las.CopcUserID, RecordID: las.CopcHierarchyID, Content: lastest.EncodeHierarchyPage(p)})
	}
	return lastest.Encode(f)
}

// registerPlainLaszip makes laszip data decode as plain records for the duration of the test.
func registerPlainLaszip(t *testing.T) {
	las.RegisterCodec(las.CodecLaszip, las.CodecFunc(func(data []byte, _ las.Metadata) ([]byte, error) {
		return data, nil
	}))
	t.Cleanup(func() { las.DeregisterCodec(las.CodecLaszip) })
}

func TestParseCopcPage(t *testing.T) {
	page := lastest.EncodeHierarchyPage([]lastest.CopcEntry{
		{Depth: 0, Offset: 1000, ByteSize: 300, PointCount: 12},
		{Depth: 1, X: 1, Offset: 5000, ByteSize: 64, PointCount: -1},
	})
	h, err := ParseCopcPage(page)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, h.Entries[RootKey], test.ShouldResemble, Entry{PointCount: 12, Offset: 1000, Length: 300})
	test.That(t, h.Pages[Key{Depth: 1, X: 1}], test.ShouldResemble, Page{Offset: 5000, Length: 64})
	test.That(t, len(h.Entries), test.ShouldEqual, 1)

	t.Run("entry and page for one key", func(t *testing.T) {
		_, err := ParseCopcPage(lastest.EncodeHierarchyPage([]lastest.CopcEntry{
			{Depth: 1, PointCount: 3},
			{Depth: 1, PointCount: -1},
		}))
		test.That(t, utils.IsMalformedFormatError(err), test.ShouldBeTrue)
		test.That(t, err.Error(), test.ShouldContainSubstring, "1-0-0-0 appears twice")
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := ParseCopcPage(page[:40])
		test.That(t, utils.IsMalformedFormatError(err), test.ShouldBeTrue)
	})

	t.Run("negative key", func(t *testing.T) {
		_, err := ParseCopcPage(lastest.EncodeHierarchyPage([]lastest.CopcEntry{{Depth: 1, X: -1}}))
		test.That(t, utils.IsMalformedFormatError(err), test.ShouldBeTrue)
	})
}

func TestCopcSingleEntry(t *testing.T) {
	file := encodeCOPC(nil, 1000, []lastest.CopcEntry{{Depth: 0, Offset: 4096, ByteSize: 200, PointCount: 1000}})
	l := readyLayer(t, newMemFetcher(map[string][]byte{copcURL: file}), copcURL)

	root := l.Root()
	test.That(t, root.ID(), test.ShouldEqual, "0-0-0-0")
	test.That(t, root.IsHierarchyResolved(), test.ShouldBeTrue)
	test.That(t, root.PointCount(), test.ShouldEqual, int64(1000))
	test.That(t, root.Children(), test.ShouldBeEmpty)
	test.That(t, root.Parent(), test.ShouldBeNil)
	test.That(t, root.State(), test.ShouldEqual, Resolved)

	loc := root.(*node).location()
	test.That(t, loc.dataOffset, test.ShouldEqual, int64(4096))
	test.That(t, loc.dataLength, test.ShouldEqual, int64(200))

	info := l.Info()
	test.That(t, info.Format, test.ShouldEqual, FormatCOPC)
	test.That(t, info.Points, test.ShouldEqual, int64(1000))
	test.That(t, info.Codec, test.ShouldEqual, las.CodecLaszip)
	test.That(t, l.Spacing(), test.ShouldEqual, 2.0)
	test.That(t, l.Extent().Max.X, test.ShouldEqual, 100.0)
	test.That(t, info.Dimensions, test.ShouldContain, las.FieldGpsTime)
}

func TestCopcMissingEntry(t *testing.T) {
	file := encodeCOPC(nil, 10, []lastest.CopcEntry{{Depth: 1, X: 1, Offset: 4096, ByteSize: 200, PointCount: 10}})
	l := openTestLayer(t, newMemFetcher(map[string][]byte{copcURL: file}), copcURL)

	err := l.WhenReady(context.Background())
	test.That(t, utils.IsHierarchyEntryNotFoundError(err), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, `hierarchy entry "0-0-0-0" not found`)
	test.That(t, l.Root().IsHierarchyResolved(), test.ShouldBeFalse)
	test.That(t, l.Root().UpdateState().Status(), test.ShouldEqual, updatestate.DefinitiveError)

	var transitions []State
	l.Tree().OnStateChange(func(_ Node, s State) {
		transitions = append(transitions, s)
	})
	_, err = l.Root().Load(context.Background())
	test.That(t, utils.IsHierarchyEntryNotFoundError(err), test.ShouldBeTrue)
	test.That(t, l.Root().State(), test.ShouldEqual, Failed)
	test.That(t, transitions, test.ShouldResemble, []State{Failed})
}

func TestCopcMissingInfo(t *testing.T) {
	file := lastest.Encode(lastest.File{PointFormat: 7, RecordLength: copcRecordLength, Scale: [3]float64{1, 1, 1}})
	f := newMemFetcher(map[string][]byte{copcURL: file})
	_, err := OpenLayer(context.Background(), LayerConfig{URL: copcURL, Fetcher: f})
	test.That(t, utils.IsMalformedFormatError(err), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "no copc info record")
}

// copcTree is a COPC file with two points in the root, an empty child 1-1-0-0 and a
// nested page for 1-0-1-0 holding two more nodes.
func copcTree(t *testing.T) (*memFetcher, int64) {
	t.Helper()
	points := []lastest.Point{
		{X: 10.5, Y: 20.25, Z: 30, Intensity: 7, Classification: 2, GpsTime: 1.5},
		{X: 90, Y: 80, Z: 70, Intensity: 9, Classification: 6, GpsTime: 2.5},
	}
	data := lastest.EncodeRecords(7, copcRecordLength, [3]float64{0.01, 0.01, 0.01}, [3]float64{}, points)
	dataOffset, offsets := copcOffsets(len(data), 3, 2)
	file := encodeCOPC(data, len(points),
		[]lastest.CopcEntry{
			{Depth: 0, Offset: uint64(dataOffset), ByteSize: int32(len(data)), PointCount: 2},
			{Depth: 1, X: 1, PointCount: 0},
			{Depth: 1, Y: 1, Offset: uint64(offsets[1]), ByteSize: 64, PointCount: -1},
		},
		[]lastest.CopcEntry{
			{Depth: 1, Y: 1, PointCount: 0},
			{Depth: 2, X: 1, Y: 3, Z: 1, PointCount: 0},
		},
	)
	return newMemFetcher(map[string][]byte{copcURL: file}), offsets[1]
}

func TestCopcNestedPages(t *testing.T) {
	f, nestedOffset := copcTree(t)
	l := readyLayer(t, f, copcURL)
	root := l.Root()

	test.That(t, childIDs(root), test.ShouldResemble, []string{"1-0-1-0", "1-1-0-0"})
	nested, ok := l.Tree().Node(Key{Depth: 1, Y: 1})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, nested.IsHierarchyResolved(), test.ShouldBeFalse)
	test.That(t, nested.PointCount(), test.ShouldEqual, int64(-1))
	test.That(t, nested.State(), test.ShouldEqual, Unresolved)
	test.That(t, nested.Parent().ID(), test.ShouldEqual, "0-0-0-0")
	test.That(t, l.Tree().Len(), test.ShouldEqual, 3)

	pageKey := fmt.Sprintf("%s[%d:%d]", copcURL, nestedOffset, nestedOffset+64)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			test.That(t, nested.ResolveHierarchy(context.Background()), test.ShouldBeNil)
		}()
	}
	wg.Wait()
	test.That(t, f.count(pageKey), test.ShouldEqual, 1)
	test.That(t, nested.PointCount(), test.ShouldEqual, int64(0))
	test.That(t, childIDs(nested), test.ShouldResemble, []string{"2-1-3-1"})

	// resolved nodes never fetch again, even with the result cache gone
	l.Scheduler().Cache().Clear()
	test.That(t, nested.ResolveHierarchy(context.Background()), test.ShouldBeNil)
	test.That(t, f.count(pageKey), test.ShouldEqual, 1)

	box := nested.Children()[0].Box()
	test.That(t, box.Min.X, test.ShouldEqual, 25.0)
	test.That(t, box.Min.Y, test.ShouldEqual, 75.0)
	test.That(t, box.Min.Z, test.ShouldEqual, 25.0)
}

func TestCopcLoad(t *testing.T) {
	registerPlainLaszip(t)
	f, _ := copcTree(t)
	l := readyLayer(t, f, copcURL)

	var mu sync.Mutex
	var transitions []State
	l.Tree().OnStateChange(func(n Node, s State) {
		if n.ID() != "0-0-0-0" {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, s)
	})

	attrs, err := l.Root().Load(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, attrs.PointCount, test.ShouldEqual, 2)
	p := attrs.Position(0)
	test.That(t, p.X, test.ShouldAlmostEqual, 10.5, 1e-4)
	test.That(t, p.Y, test.ShouldAlmostEqual, 20.25, 1e-4)
	test.That(t, p.Z, test.ShouldAlmostEqual, 30, 1e-4)
	test.That(t, attrs.Intensity, test.ShouldResemble, []uint16{7, 9})
	test.That(t, attrs.Classification, test.ShouldResemble, []uint8{2, 6})
	test.That(t, attrs.GpsTime, test.ShouldResemble, []float64{1.5, 2.5})
	test.That(t, l.Root().State(), test.ShouldEqual, Decoded)
	test.That(t, l.Root().UpdateState().Status(), test.ShouldEqual, updatestate.Idle)

	// point data is never cached, so a second load fetches again
	_, err = l.Root().Load(context.Background())
	test.That(t, err, test.ShouldBeNil)
	mu.Lock()
	test.That(t, transitions, test.ShouldResemble, []State{Fetching, Decoded, Fetching, Decoded})
	mu.Unlock()

	empty, ok := l.Tree().Node(Key{Depth: 1, X: 1})
	test.That(t, ok, test.ShouldBeTrue)
	before := f.count(copcURL)
	attrs, err = empty.Load(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, attrs.PointCount, test.ShouldEqual, 0)
	test.That(t, attrs.Positions, test.ShouldBeEmpty)
	test.That(t, f.count(copcURL), test.ShouldEqual, before)
}

func TestCopcLoadWithoutLaszip(t *testing.T) {
	f, _ := copcTree(t)
	l := readyLayer(t, f, copcURL)

	_, err := l.Root().Load(context.Background())
	test.That(t, utils.IsDecodeError(err), test.ShouldBeTrue)
	test.That(t, l.Root().State(), test.ShouldEqual, Failed)
	test.That(t, l.Root().UpdateState().Status(), test.ShouldEqual, updatestate.DefinitiveError)
}

// fetchGate holds back every fetch made once armed, until release is closed.
type fetchGate struct {
	*memFetcher
	armed   atomic.Bool
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func newFetchGate(f *memFetcher) *fetchGate {
	return &fetchGate{memFetcher: f, started: make(chan struct{}), release: make(chan struct{})}
}

func (f *fetchGate) Fetch(ctx context.Context, url string, start, end int64) ([]byte, error) {
	if f.armed.Load() {
		f.once.Do(func() { close(f.started) })
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.memFetcher.Fetch(ctx, url, start, end)
}

func gatedCopcLayer(t *testing.T, f *fetchGate) *Layer {
	t.Helper()
	l, err := OpenLayer(context.Background(), LayerConfig{URL: copcURL, Fetcher: f, Logger: logging.NewTestLogger(t)})
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(l.Close)
	test.That(t, l.WhenReady(context.Background()), test.ShouldBeNil)
	f.armed.Store(true)
	return l
}

func TestResolveSurvivesCancelledCaller(t *testing.T) {
	mem, nestedOffset := copcTree(t)
	f := newFetchGate(mem)
	l := gatedCopcLayer(t, f)
	nested, ok := l.Tree().Node(Key{Depth: 1, Y: 1})
	test.That(t, ok, test.ShouldBeTrue)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		first <- nested.ResolveHierarchy(ctx)
	}()
	<-f.started

	second := make(chan error, 1)
	go func() {
		second <- nested.ResolveHierarchy(context.Background())
	}()
	// let the second caller join the fetch started by the first
	time.Sleep(20 * time.Millisecond)

	cancel()
	test.That(t, utils.IsCancelledCommandError(<-first), test.ShouldBeTrue)
	select {
	case err := <-second:
		t.Fatalf("second caller returned before the page was served: %v", err)
	default:
	}

	close(f.release)
	test.That(t, <-second, test.ShouldBeNil)
	test.That(t, nested.IsHierarchyResolved(), test.ShouldBeTrue)
	test.That(t, childIDs(nested), test.ShouldResemble, []string{"2-1-3-1"})
	test.That(t, nested.UpdateState().ErrorCount(), test.ShouldEqual, 0)
	pageKey := fmt.Sprintf("%s[%d:%d]", copcURL, nestedOffset, nestedOffset+64)
	test.That(t, f.count(pageKey), test.ShouldEqual, 1)
}

func TestLoadSurvivesCancelledCaller(t *testing.T) {
	registerPlainLaszip(t)
	mem, _ := copcTree(t)
	f := newFetchGate(mem)
	l := gatedCopcLayer(t, f)
	root := l.Root()

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := root.Load(ctx)
		first <- err
	}()
	<-f.started

	type loaded struct {
		attrs *las.Attributes
		err   error
	}
	second := make(chan loaded, 1)
	go func() {
		attrs, err := root.Load(context.Background())
		second <- loaded{attrs, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	test.That(t, utils.IsCancelledCommandError(<-first), test.ShouldBeTrue)
	test.That(t, root.State(), test.ShouldEqual, Fetching)

	close(f.release)
	res := <-second
	test.That(t, res.err, test.ShouldBeNil)
	test.That(t, res.attrs.PointCount, test.ShouldEqual, 2)
	test.That(t, root.State(), test.ShouldEqual, Decoded)
	test.That(t, root.UpdateState().Status(), test.ShouldEqual, updatestate.Idle)
	test.That(t, l.Scheduler().Counters(fetch.HostOf(copcURL)).Cancelled, test.ShouldEqual, 0)
}
