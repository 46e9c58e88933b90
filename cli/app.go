// Package cli contains the pcstream command line application.
package cli

import (
	"io"

	"github.com/urfave/cli/v2"

	"go.viam.com/pcstream/logging"
)

const (
	configFlag     = "config"
	debugFlag      = "debug"
	jsonLogsFlag   = "json-logs"
	traceFlag      = "trace"
	depthFlag      = "depth"
	nodeFlag       = "node"
	outputFlag     = "output"
	formatFlag     = "format"
	colorDepthFlag = "color-depth"
	metricsFlag    = "metrics"
)

var app = &cli.App{
	Name:            "pcstream",
	Usage:           "stream and inspect COPC, EPT and Potree point clouds",
	HideHelpCommand: true,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    configFlag,
			Aliases: []string{"c"},
			Usage:   "load configuration from `FILE`",
		},
		&cli.BoolFlag{
			Name:    debugFlag,
			Aliases: []string{"vvv"},
			Usage:   "enable debug logging",
		},
		&cli.BoolFlag{
			Name:  jsonLogsFlag,
			Usage: "log as json lines",
		},
		&cli.BoolFlag{
			Name:  traceFlag,
			Usage: "log every scheduled request of this invocation",
		},
	},
	Before: func(c *cli.Context) error {
		if c.Bool(traceFlag) {
			c.Context = logging.EnableDebugMode(c.Context, "pcstream")
		}
		return nil
	},
	Commands: []*cli.Command{
		{
			Name:      "info",
			Usage:     "print the metadata of a dataset",
			ArgsUsage: "<dataset name or url>",
			Flags:     []cli.Flag{layerFormatFlag},
			Action:    InfoAction,
		},
		{
			Name:      "hierarchy",
			Usage:     "resolve and print the octree hierarchy of a dataset",
			ArgsUsage: "<dataset name or url>",
			Flags: []cli.Flag{
				layerFormatFlag,
				&cli.IntFlag{
					Name:  depthFlag,
					Usage: "number of levels below the root to resolve, negative for all",
					Value: 2,
				},
			},
			Action: HierarchyAction,
		},
		{
			Name:      "load",
			Usage:     "fetch and decode the points of one node",
			ArgsUsage: "<dataset name or url>",
			Flags: []cli.Flag{
				layerFormatFlag,
				&cli.StringFlag{
					Name:  nodeFlag,
					Usage: "`KEY` of the node to load as depth-x-y-z",
					Value: "0-0-0-0",
				},
				&cli.IntFlag{
					Name:  colorDepthFlag,
					Usage: "force 8 or 16 bit colors for EPT data",
				},
				schedulerMetricsFlag,
			},
			Action: LoadAction,
		},
		{
			Name:      "export",
			Usage:     "load every node down to a depth and write the points to a LAS or PCD file",
			ArgsUsage: "<dataset name or url>",
			Flags: []cli.Flag{
				layerFormatFlag,
				&cli.IntFlag{
					Name:  depthFlag,
					Usage: "number of levels below the root to load, negative for all",
					Value: 0,
				},
				&cli.PathFlag{
					Name:     outputFlag,
					Aliases:  []string{"o"},
					Usage:    "output `FILE`, ending in .las or .pcd",
					Required: true,
				},
				&cli.IntFlag{
					Name:  colorDepthFlag,
					Usage: "force 8 or 16 bit colors for EPT data",
				},
				schedulerMetricsFlag,
			},
			Action: ExportAction,
		},
		{
			Name:   "version",
			Usage:  "print version info for this program",
			Action: VersionAction,
		},
	},
}

var layerFormatFlag = &cli.StringFlag{
	Name:  formatFlag,
	Usage: "dataset format (copc, ept or potree), guessed from the url when empty",
}

// NewApp returns a new app with the CLI API, Writer set to out, and ErrWriter
// set to errOut.
func NewApp(out, errOut io.Writer) *cli.App {
	app.Writer = out
	app.ErrWriter = errOut
	return app
}

var schedulerMetricsFlag = &cli.BoolFlag{
	Name:  metricsFlag,
	Usage: "print the scheduler prometheus metrics once done",
}
