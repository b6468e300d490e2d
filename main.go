package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/kwv/landmesh/mesh"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command line
type AppOptions struct {
	ConfigFile      string
	DataDir         string
	AlignmentCache  string
	OutputDir       string
	PreviewFile     string
	Plane           string
	GeoJSONFile     string
	ConvergenceFile string
	HttpPort        int

	AlignOnly    bool
	ValidateOnly bool
	MqttMode     bool
	HttpMode     bool

	// Overrides holds only the alignment flags given on the command line,
	// so unset flags keep the configured values.
	Overrides mesh.AlignOverrides
}

// Application is the set of modes main can dispatch to
type Application interface {
	ApplyOptions(opts AppOptions)
	RunValidate() error
	RunAlign() error
	RunService() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Fatalf("Error: %v", err)
	}
}

func run(args []string, out io.Writer, app Application) error {
	fs := flag.NewFlagSet("landmesh", flag.ContinueOnError)
	fs.SetOutput(out)

	configFile := fs.String("config", "config.yaml", "Path to configuration file")
	dataDir := fs.String("data-dir", ".", "Directory containing *.object.json / *.object.yaml files")
	alignOnly := fs.Bool("align", false, "Align all objects, write the outputs and exit")
	validateOnly := fs.Bool("validate", false, "Check landmark correspondence and exit")
	reference := fs.String("reference", "", "Reference object (default: from config, or mean-shape mode)")
	allowScaling := fs.Bool("allow-scaling", false, "Allow uniform scaling")
	allowReflection := fs.Bool("allow-reflection", false, "Allow reflections")
	maxIterations := fs.Int("max-iterations", 0, "Mean-shape iteration limit (default: from config)")
	outputDir := fs.String("output-dir", "", "Write aligned objects to this directory")
	alignmentCache := fs.String("alignment-cache", mesh.DefaultAlignmentCachePath, "Path to alignment cache file")
	previewFile := fs.String("preview", "", "Write a landmark preview (.svg or .png)")
	plane := fs.String("plane", "xy", "Projection plane for previews and GeoJSON: xy, xz or yz")
	geojsonFile := fs.String("geojson", "", "Write a plan-view GeoJSON export")
	convergenceFile := fs.String("plot-convergence", "", "Write a residual plot of the alignment run (.png or .svg)")
	mqttMode := fs.Bool("mqtt", false, "Run MQTT service mode")
	httpMode := fs.Bool("http", false, "Enable HTTP server")
	httpPort := fs.Int("http-port", 8080, "HTTP server port (default 8080)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "landmesh version: %s\n", Version)

	opts := AppOptions{
		ConfigFile:      *configFile,
		DataDir:         *dataDir,
		AlignmentCache:  *alignmentCache,
		OutputDir:       *outputDir,
		PreviewFile:     *previewFile,
		Plane:           *plane,
		GeoJSONFile:     *geojsonFile,
		ConvergenceFile: *convergenceFile,
		HttpPort:        *httpPort,
		AlignOnly:       *alignOnly,
		ValidateOnly:    *validateOnly,
		MqttMode:        *mqttMode,
		HttpMode:        *httpMode,
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "reference":
			opts.Overrides.Reference = reference
		case "allow-scaling":
			opts.Overrides.AllowScaling = allowScaling
		case "allow-reflection":
			opts.Overrides.AllowReflection = allowReflection
		case "max-iterations":
			opts.Overrides.MaxIterations = maxIterations
		}
	})

	if _, err := mesh.ParsePlane(opts.Plane); err != nil {
		return err
	}

	app.ApplyOptions(opts)

	switch {
	case opts.ValidateOnly:
		return app.RunValidate()
	case opts.AlignOnly:
		return app.RunAlign()
	case opts.MqttMode || opts.HttpMode:
		return app.RunService()
	}

	fmt.Fprintln(out, "landmesh service starting...")
	fmt.Fprintln(out, "Use --validate to check landmark correspondence")
	fmt.Fprintln(out, "Use --align to align objects and exit")
	fmt.Fprintln(out, "  --output-dir, --preview, --geojson and --plot-convergence write results")
	fmt.Fprintln(out, "Use --mqtt to run MQTT service mode")
	fmt.Fprintln(out, "Use --http to run HTTP server mode")
	fmt.Fprintln(out, "Use --mqtt --http to run both MQTT and HTTP together")
	fmt.Fprintln(out, "\nConfiguration:")
	fmt.Fprintln(out, "  config.yaml - objects, alignment options and MQTT settings")
	fmt.Fprintln(out, "  .alignment-cache.json - last alignment run (cached)")
	return nil
}
