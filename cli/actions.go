package cli

import (
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"go.viam.com/pcstream/octree"
	"go.viam.com/pcstream/pointcloud"
	"go.viam.com/pcstream/scheduler"
)

func formatVector(v r3.Vector) string {
	return fmt.Sprintf("%.3f, %.3f, %.3f", v.X, v.Y, v.Z)
}

func newTable(c *cli.Context) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(c.App.Writer)
	t.SetStyle(table.StyleLight)
	return t
}

// InfoAction prints the metadata of a dataset.
func InfoAction(c *cli.Context) error {
	s, err := newSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	layer, _, err := s.openLayer(c)
	if err != nil {
		return err
	}
	info := layer.Info()
	t := newTable(c)
	t.AppendRows([]table.Row{
		{"Name", layer.Name()},
		{"Format", info.Format},
		{"URL", info.URL},
		{"Points", info.Points},
		{"Spacing", fmt.Sprintf("%.4f", info.Spacing)},
		{"Cube", formatVector(info.Cube.Min) + " / " + formatVector(info.Cube.Max)},
		{"Bounds", formatVector(info.Bounds.Min) + " / " + formatVector(info.Bounds.Max)},
		{"Point format", info.PointFormatID},
		{"Record length", info.RecordLength},
		{"Codec", info.Codec},
		{"Dimensions", strings.Join(info.Dimensions, " ")},
		{"Root points", layer.Root().PointCount()},
	})
	if info.WKT != "" {
		t.AppendRow(table.Row{"Has WKT", true})
	}
	t.Render()
	return nil
}

// HierarchyAction resolves the hierarchy of a dataset down to a depth and prints every node.
func HierarchyAction(c *cli.Context) error {
	s, err := newSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	layer, attrs, err := s.openLayer(c)
	if err != nil {
		return err
	}
	depth := c.Int(depthFlag)
	if !c.IsSet(depthFlag) && attrs.MaxDepth != nil {
		depth = *attrs.MaxDepth
	}

	t := newTable(c)
	t.AppendHeader(table.Row{"Node", "Points", "State", "Min", "Max"})
	var nodes, points int64
	if err := octree.Walk(c.Context, layer.Root(), depth, func(n octree.Node) bool {
		box := n.Box()
		t.AppendRow(table.Row{n.ID(), n.PointCount(), n.State(), formatVector(box.Min), formatVector(box.Max)})
		nodes++
		points += n.PointCount()
		return true
	}); err != nil {
		return err
	}
	t.AppendFooter(table.Row{fmt.Sprintf("%d nodes", nodes), points})
	t.Render()
	return nil
}

// findNode resolves the hierarchy along the path from the root to key.
func findNode(c *cli.Context, layer *octree.Layer, key octree.Key) (octree.Node, error) {
	if err := octree.Walk(c.Context, layer.Root(), key.Depth, func(n octree.Node) bool {
		return n.Key().IsAncestorOf(key)
	}); err != nil {
		return nil, err
	}
	n, ok := layer.Tree().Node(key)
	if !ok {
		return nil, errors.Errorf("node %s not found in %s", key, layer.Name())
	}
	return n, nil
}

// LoadAction loads one node and prints what was decoded along with the request counters.
func LoadAction(c *cli.Context) error {
	s, err := newSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	key, err := octree.ParseKey(c.String(nodeFlag))
	if err != nil {
		return err
	}
	layer, _, err := s.openLayer(c)
	if err != nil {
		return err
	}
	n, err := findNode(c, layer, key)
	if err != nil {
		return err
	}
	attrs, err := n.Load(c.Context)
	if err != nil {
		return errors.Wrapf(err, "loading %s", n.ID())
	}

	t := newTable(c)
	t.AppendRows([]table.Row{
		{"Node", n.ID()},
		{"Points", attrs.PointCount},
		{"Color", attrs.HasColor},
		{"Mean", formatVector(attrs.Mean)},
		{"Tight min", formatVector(attrs.TightMin)},
		{"Tight max", formatVector(attrs.TightMax)},
	})
	t.Render()

	counters := newTable(c)
	counters.AppendHeader(table.Row{"Host", "Executed", "Failed", "Cancelled"})
	for _, host := range s.sched.Hosts() {
		cnt := s.sched.Counters(host)
		counters.AppendRow(table.Row{host, cnt.Executed, cnt.Failed, cnt.Cancelled})
	}
	counters.AppendFooter(table.Row{"Bytes", s.fetcher.HTTP.BytesFetched()})
	counters.Render()
	if c.Bool(metricsFlag) {
		return renderMetrics(c, s.sched)
	}
	return nil
}

// renderMetrics scrapes the scheduler collector through a fresh registry and prints every
// sample.
func renderMetrics(c *cli.Context, sched *scheduler.Scheduler) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(scheduler.NewCollector(sched)); err != nil {
		return errors.Wrap(err, "registering scheduler metrics")
	}
	families, err := reg.Gather()
	if err != nil {
		return errors.Wrap(err, "gathering scheduler metrics")
	}

	t := newTable(c)
	t.AppendHeader(table.Row{"Metric", "Labels", "Value"})
	for _, family := range families {
		for _, m := range family.GetMetric() {
			labels := make([]string, 0, len(m.GetLabel()))
			for _, l := range m.GetLabel() {
				labels = append(labels, l.GetName()+"="+l.GetValue())
			}
			value := m.GetGauge().GetValue()
			if m.GetCounter() != nil {
				value = m.GetCounter().GetValue()
			}
			t.AppendRow(table.Row{family.GetName(), strings.Join(labels, ","), value})
		}
	}
	t.Render()
	return nil
}

// ExportAction loads every node down to a depth and writes their points to a file.
func ExportAction(c *cli.Context) error {
	s, err := newSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	layer, _, err := s.openLayer(c)
	if err != nil {
		return err
	}
	var nodes []octree.Node
	if err := octree.Walk(c.Context, layer.Root(), c.Int(depthFlag), func(n octree.Node) bool {
		if n.PointCount() > 0 {
			nodes = append(nodes, n)
		}
		return true
	}); err != nil {
		return err
	}

	pc := pointcloud.New()
	var loadErrs error
	loaded := 0
	for _, n := range nodes {
		attrs, err := n.Load(c.Context)
		if err != nil {
			s.logger.Warnw("skipping node", "node", n.ID(), "error", err)
			loadErrs = multierr.Append(loadErrs, errors.Wrapf(err, "loading %s", n.ID()))
			continue
		}
		if err := pointcloud.AddAttributes(pc, r3.Vector{}, attrs); err != nil {
			return err
		}
		loaded++
	}
	if loaded == 0 && loadErrs != nil {
		return loadErrs
	}

	out := c.Path(outputFlag)
	if err := pointcloud.WriteToFile(pc, out); err != nil {
		return err
	}
	printf(c.App.Writer, "wrote %d points from %d nodes to %s", pc.Size(), loaded, out)
	if failed := len(multierr.Errors(loadErrs)); failed > 0 {
		printf(c.App.ErrWriter, "%d nodes could not be loaded", failed)
	}
	if c.Bool(metricsFlag) {
		return renderMetrics(c, s.sched)
	}
	return nil
}

// VersionAction prints the version of the binary and of its point cloud dependencies.
func VersionAction(c *cli.Context) error {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return errors.New("error reading build info")
	}
	if c.Bool(debugFlag) {
		printf(c.App.Writer, "%s", info.String())
	}
	settings := make(map[string]string, len(info.Settings))
	for _, setting := range info.Settings {
		settings[setting.Key] = setting.Value
	}
	version := "?"
	if rev, ok := settings["vcs.revision"]; ok && len(rev) >= 8 {
		version = rev[:8]
		if settings["vcs.modified"] == "true" {
			version += "+"
		}
	}
	printf(c.App.Writer, "Version %s Git=%s Go=%s", info.Main.Version, version, info.GoVersion)
	return nil
}
