package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kwv/landmesh/mesh"
)

// cacheMaxAge is how long a cached alignment is reused on startup instead of realigning
const cacheMaxAge = 24 * time.Hour

// alignmentPublisher is the part of mesh.Publisher the app uses
type alignmentPublisher interface {
	PublishAlignment(result *mesh.AlignmentResult) error
}

// App encapsulates the application state and dependencies
type App struct {
	Store      *mesh.ObjectStore
	Config     *mesh.Config
	Cache      *mesh.AlignmentCache
	MQTTClient *mesh.MQTTClient
	Publisher  alignmentPublisher
	Fetcher    *mesh.ObjectFetcher
	Out        io.Writer

	// CLI Flags (effectively dependencies)
	DataDir         string
	ConfigFile      string
	AlignmentCache  string
	OutputDir       string
	PreviewFile     string
	Plane           mesh.Plane
	GeoJSONFile     string
	ConvergenceFile string
	Overrides       mesh.AlignOverrides
	HttpPort        int
	MqttMode        bool
	HttpMode        bool

	mu sync.Mutex // serializes alignment runs and guards Cache
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Store:   mesh.NewObjectStore(),
		Fetcher: mesh.NewObjectFetcher(),
		Out:     os.Stdout,
		Plane:   mesh.PlaneXY,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.DataDir = opts.DataDir
	a.ConfigFile = opts.ConfigFile
	a.AlignmentCache = opts.AlignmentCache
	a.OutputDir = opts.OutputDir
	a.PreviewFile = opts.PreviewFile
	a.GeoJSONFile = opts.GeoJSONFile
	a.ConvergenceFile = opts.ConvergenceFile
	a.Overrides = opts.Overrides
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
	if plane, err := mesh.ParsePlane(opts.Plane); err == nil {
		a.Plane = plane
	}
}

// resolvePaths resolves default config and cache paths relative to the data dir
func (a *App) resolvePaths() (configPath, cachePath string) {
	configPath = a.ConfigFile
	cachePath = a.AlignmentCache
	if cachePath == "" {
		cachePath = mesh.DefaultAlignmentCachePath
	}
	if a.DataDir != "" && a.DataDir != "." {
		if configPath == "config.yaml" {
			configPath = filepath.Join(a.DataDir, "config.yaml")
		}
		if cachePath == mesh.DefaultAlignmentCachePath {
			cachePath = filepath.Join(a.DataDir, mesh.DefaultAlignmentCachePath)
		}
	}
	return configPath, cachePath
}

// loadConfig loads the config file. When required is false a missing file
// yields an empty configuration so objects are discovered from the data dir.
func (a *App) loadConfig(required bool) error {
	configPath, _ := a.resolvePaths()

	if _, err := os.Stat(configPath); os.IsNotExist(err) && !required {
		log.Printf("No config at %s; using defaults and the data directory", configPath)
		cfg := &mesh.Config{}
		cfg.ApplyDefaults()
		a.Config = cfg
		return nil
	}

	config, err := mesh.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config (looked at %s): %w", configPath, err)
	}
	a.Config = config
	log.Printf("Loaded config from %s", configPath)
	return nil
}

// loadObjects fills the store from the configured objects (file or API URL)
// and from any *.object.json / *.object.yaml files in the data dir.
// Objects with only an MQTT topic arrive later.
func (a *App) loadObjects() error {
	prefix := a.Config.LandmarkPrefix

	for _, oc := range a.Config.Objects {
		var obj *mesh.Object
		var err error
		switch {
		case oc.File != "":
			path := oc.File
			if !filepath.IsAbs(path) {
				path = filepath.Join(a.DataDir, path)
			}
			obj, err = mesh.LoadObject(path, prefix)
		case oc.ApiURL != nil && *oc.ApiURL != "":
			obj, err = a.Fetcher.FetchObject(context.Background(), oc, prefix)
		default:
			log.Printf("%s: no file or apiUrl; waiting for MQTT snapshot", oc.Name)
			continue
		}
		if err != nil {
			return fmt.Errorf("loading object %q: %w", oc.Name, err)
		}
		obj.Name = oc.Name
		if oc.Color != "" {
			obj.Color = oc.Color
		}
		if err := a.Store.Put(obj); err != nil {
			return err
		}
	}

	for _, path := range a.discoverObjectFiles() {
		name := mesh.ObjectNameFromPath(path)
		if _, exists := a.Store.Get(name); exists {
			continue
		}
		obj, err := mesh.LoadObject(path, prefix)
		if err != nil {
			log.Printf("Warning: Failed to load %s: %v", path, err)
			continue
		}
		if err := a.Store.Put(obj); err != nil {
			log.Printf("Warning: Failed to store %s: %v", path, err)
		}
	}

	log.Printf("Loaded %d object(s): %s", a.Store.Len(), strings.Join(a.Store.Names(), ", "))
	return nil
}

func (a *App) discoverObjectFiles() []string {
	dir := a.DataDir
	if dir == "" {
		dir = "."
	}
	var files []string
	for _, ext := range []string{".object.json", ".object.yaml", ".object.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, "*"+ext))
		if err != nil {
			continue
		}
		files = append(files, matches...)
	}
	sort.Strings(files)
	return files
}

// request builds an alignment request from the config, then the CLI flags,
// then the per-run overrides.
func (a *App) request(overrides mesh.AlignOverrides) mesh.AlignmentRequest {
	req := a.Config.Request(nil)
	a.Overrides.Apply(&req)
	overrides.Apply(&req)
	return req
}

// align runs an alignment over every stored object, applies it, then caches
// and publishes the result.
func (a *App) align(overrides mesh.AlignOverrides) (*mesh.AlignmentResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	result, err := a.Store.AlignAndApply(a.request(overrides))
	if err != nil {
		return nil, err
	}

	if last := len(result.Residuals) - 1; last >= 0 {
		log.Printf("Aligned %d objects (%s, run %s): %d iteration(s), residual %.6g, converged=%v",
			len(result.Objects), result.Mode, result.RunID, result.Iterations, result.Residuals[last], result.Converged)
	}

	a.Cache = mesh.NewAlignmentCache(result)
	_, cachePath := a.resolvePaths()
	if err := mesh.SaveAlignmentCache(cachePath, a.Cache); err != nil {
		log.Printf("Warning: Failed to save alignment cache %s: %v", cachePath, err)
	}

	if a.Publisher != nil {
		if err := a.Publisher.PublishAlignment(result); err != nil {
			log.Printf("Error publishing alignment: %v", err)
		}
	}
	return result, nil
}

// lastResult returns the result applied in this session, falling back to the cache
func (a *App) lastResult() *mesh.AlignmentResult {
	if result, _ := a.Store.LastResult(); result != nil {
		return result
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Cache != nil {
		return a.Cache.Result
	}
	return nil
}

// RunValidate loads all objects and checks their landmark correspondence
func (a *App) RunValidate() error {
	if err := a.loadConfig(false); err != nil {
		return err
	}
	if err := a.loadObjects(); err != nil {
		return err
	}

	objects, err := a.Store.Snapshot()
	if err != nil {
		return err
	}

	fmt.Fprintf(a.Out, "Found %d object(s)\n\n", len(objects))
	for _, obj := range objects {
		s := mesh.Summarize(obj)
		fmt.Fprintf(a.Out, "=== %s ===\n", s.Name)
		fmt.Fprintf(a.Out, "Vertices: %d\n", s.VertexCount)
		fmt.Fprintf(a.Out, "Landmarks: %d [%s]\n", len(s.LandmarkNames), strings.Join(s.LandmarkNames, ", "))
		fmt.Fprintf(a.Out, "Landmark centroid: (%.3f, %.3f, %.3f) size: %.3f\n\n",
			s.Centroid.X, s.Centroid.Y, s.Centroid.Z, s.CentroidSize)
	}

	names, err := mesh.ValidateCorrespondence(objects)
	if err != nil {
		return fmt.Errorf("validation failed (%s): %w", mesh.ErrorKind(err), err)
	}
	fmt.Fprintf(a.Out, "OK: %d objects share %d landmarks\n", len(objects), len(names))
	return nil
}

// RunAlign aligns every object once and writes the requested outputs
func (a *App) RunAlign() error {
	if err := a.loadConfig(false); err != nil {
		return err
	}
	if err := a.loadObjects(); err != nil {
		return err
	}

	result, err := a.align(mesh.AlignOverrides{})
	if err != nil {
		return fmt.Errorf("alignment failed (%s): %w", mesh.ErrorKind(err), err)
	}

	fmt.Fprintf(a.Out, "Alignment (%s", result.Mode)
	if result.Reference != "" {
		fmt.Fprintf(a.Out, ", reference %s", result.Reference)
	}
	fmt.Fprintf(a.Out, "): %d landmarks, %d iteration(s), converged=%v\n\n",
		len(result.Landmarks), result.Iterations, result.Converged)
	for _, oa := range result.Objects {
		tr := oa.Transform
		fmt.Fprintf(a.Out, "  %-20s scale=%.4f rotation=%.2f° translation=(%.3f, %.3f, %.3f) rmse=%.6f",
			oa.Name, tr.Scale, tr.RotationAngle(), tr.Translation.X, tr.Translation.Y, tr.Translation.Z, oa.RMSE)
		if tr.IsReflection() {
			fmt.Fprint(a.Out, " (reflected)")
		}
		fmt.Fprintln(a.Out)
	}

	return a.writeOutputs(result)
}

// writeOutputs writes aligned objects, preview, GeoJSON and convergence plot as requested
func (a *App) writeOutputs(result *mesh.AlignmentResult) error {
	objects, err := a.Store.Snapshot()
	if err != nil {
		return err
	}

	if a.OutputDir != "" {
		for _, obj := range objects {
			path := filepath.Join(a.OutputDir, obj.Name+".object.json")
			if err := mesh.WriteObjectFile(path, obj); err != nil {
				return err
			}
		}
		fmt.Fprintf(a.Out, "\nAligned objects written to %s\n", a.OutputDir)
	}

	if a.PreviewFile != "" {
		if err := writePreview(a.PreviewFile, objects, result, a.Plane); err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "Preview written to %s\n", a.PreviewFile)
	}

	if a.GeoJSONFile != "" {
		fc := mesh.BuildPlanView(objects, result, mesh.PlanViewOptions{Plane: a.Plane})
		data, err := json.MarshalIndent(fc, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding GeoJSON: %w", err)
		}
		if err := os.WriteFile(a.GeoJSONFile, data, 0644); err != nil {
			return fmt.Errorf("writing GeoJSON: %w", err)
		}
		fmt.Fprintf(a.Out, "GeoJSON written to %s\n", a.GeoJSONFile)
	}

	if a.ConvergenceFile != "" {
		if err := mesh.SaveConvergencePlot(a.ConvergenceFile, result); err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "Convergence plot written to %s\n", a.ConvergenceFile)
	}
	return nil
}

func writePreview(path string, objects []*mesh.Object, result *mesh.AlignmentResult, plane mesh.Plane) error {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".svg" && ext != ".png" {
		return fmt.Errorf("unsupported preview format %q (want .svg or .png)", filepath.Ext(path))
	}

	renderer := mesh.NewPreviewRenderer(objects, plane)
	renderer.MeanShape = mesh.MeanShapeLandmarks(result)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating preview file: %w", err)
	}
	defer f.Close()

	if ext == ".svg" {
		err = renderer.RenderToSVG(f)
	} else {
		err = renderer.RenderToPNG(f)
	}
	if err != nil {
		return fmt.Errorf("rendering preview: %w", err)
	}
	return nil
}

// restoreOrAlign applies a fresh cached alignment that covers every stored
// object, and aligns from scratch otherwise.
func (a *App) restoreOrAlign() {
	_, cachePath := a.resolvePaths()
	cache, err := mesh.LoadAlignmentCache(cachePath)
	if err != nil {
		log.Printf("Warning: Failed to load alignment cache %s: %v", cachePath, err)
	}
	if cache != nil {
		a.Cache = cache
		status := cache.GetStatus(a.Store.Names())
		if len(status.MissingObjects) == 0 && !cache.NeedsRealignment(cacheMaxAge) {
			if err := a.Store.ApplyResult(cache.Result); err == nil {
				log.Printf("Restored alignment %s from %s (%s)", status.RunID, cachePath, status.Mode)
				return
			}
		}
		log.Printf("Alignment cache %s is stale or incomplete (missing: %v)", cachePath, status.MissingObjects)
	}

	if a.Store.Len() < 2 {
		log.Printf("Waiting for objects before the first alignment (%d loaded)", a.Store.Len())
		return
	}
	if _, err := a.align(mesh.AlignOverrides{}); err != nil {
		log.Printf("Initial alignment failed (%s): %v", mesh.ErrorKind(err), err)
	}
}

// handleSnapshot stores an object snapshot received over MQTT and realigns
func (a *App) handleSnapshot(name string, rawPayload []byte, snapshot *mesh.ObjectFile, err error) {
	if err != nil {
		log.Printf("[MQTT] Error receiving snapshot for %s (%d bytes): %v", name, len(rawPayload), err)
		return
	}

	obj, err := snapshot.Resolve(a.Config.LandmarkPrefix)
	if err != nil {
		log.Printf("[MQTT] Invalid snapshot for %s: %v", name, err)
		return
	}

	// Landmark-only snapshots keep the geometry already loaded
	if _, exists := a.Store.Get(name); exists && len(obj.Vertices) == 0 {
		err = a.Store.UpdateLandmarks(name, obj.Landmarks)
	} else {
		if oc := a.Config.GetObjectByName(name); oc != nil && oc.Color != "" {
			obj.Color = oc.Color
		}
		err = a.Store.Put(obj)
	}
	if err != nil {
		log.Printf("[MQTT] Error storing snapshot for %s: %v", name, err)
		return
	}
	log.Printf("[MQTT] %s: snapshot with %d landmarks, %d vertices", name, len(obj.Landmarks), len(obj.Vertices))

	if a.Store.Len() < 2 {
		return
	}
	if _, err := a.align(mesh.AlignOverrides{}); err != nil {
		log.Printf("[MQTT] Realignment after %s snapshot failed (%s): %v", name, mesh.ErrorKind(err), err)
	}
}

// handleAlignCommand runs an alignment requested over MQTT
func (a *App) handleAlignCommand(overrides mesh.AlignOverrides) {
	log.Printf("[MQTT] Align command received")
	if _, err := a.align(overrides); err != nil {
		log.Printf("[MQTT] Align command failed (%s): %v", mesh.ErrorKind(err), err)
	}
}

// RunService runs MQTT and/or HTTP until interrupted
func (a *App) RunService() error {
	fmt.Fprintln(a.Out, "Starting landmesh service...")

	if err := a.loadConfig(true); err != nil {
		return err
	}
	if err := a.loadObjects(); err != nil {
		return err
	}

	if a.MqttMode {
		mqttClient, err := mesh.InitMQTT(a.Config, a.handleSnapshot)
		if err != nil {
			return fmt.Errorf("initializing MQTT: %w", err)
		}
		if mqttClient == nil {
			return fmt.Errorf("MQTT broker not configured in config.yaml")
		}
		a.MQTTClient = mqttClient
		mqttClient.SetAlignCommandHandler(a.handleAlignCommand)

		a.Publisher = mesh.NewPublisher(mqttClient.GetClient(), a.Config.MQTT.PublishPrefix)
		fmt.Fprintln(a.Out, "MQTT transform publisher initialized")
	}

	a.restoreOrAlign()

	if a.HttpMode {
		httpServer := newHTTPServer(a)
		go func() {
			addr := fmt.Sprintf("0.0.0.0:%d", a.HttpPort)
			log.Printf("[HTTP] Starting server on %s", addr)
			if err := http.ListenAndServe(addr, httpServer); err != nil {
				log.Fatalf("[HTTP] Server error: %v", err)
			}
			log.Printf("[HTTP] Server stopped unexpectedly")
		}()
	}

	a.printServiceInfo()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Fprintln(a.Out, "\nShutting down service...")
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	fmt.Fprintln(a.Out, "Service stopped")
	return nil
}

func (a *App) printServiceInfo() {
	fmt.Fprintln(a.Out, "\nService Running")
	fmt.Fprintln(a.Out, "===============")

	if a.MqttMode && a.MQTTClient != nil {
		fmt.Fprintln(a.Out, "\nMQTT:")
		fmt.Fprintln(a.Out, "  Subscribed topics:")
		for _, oc := range a.Config.Objects {
			if oc.Topic != "" {
				fmt.Fprintf(a.Out, "    - %s (%s)\n", oc.Topic, oc.Name)
			}
		}
		fmt.Fprintf(a.Out, "    - %s (align command)\n", a.MQTTClient.CommandTopic())
		if p, ok := a.Publisher.(*mesh.Publisher); ok {
			fmt.Fprintf(a.Out, "  Publishing to: %s/{object}/transform\n", p.Prefix())
			fmt.Fprintf(a.Out, "  Run summary: %s/alignment\n", p.Prefix())
		}
	}

	if a.HttpMode {
		fmt.Fprintf(a.Out, "\nHTTP endpoints (port %d):\n", a.HttpPort)
		fmt.Fprintln(a.Out, "  GET  /health            - Health check")
		fmt.Fprintln(a.Out, "  GET  /objects           - Loaded objects")
		fmt.Fprintln(a.Out, "  POST /align             - Align all objects")
		fmt.Fprintln(a.Out, "  GET  /alignment         - Last alignment result")
		fmt.Fprintln(a.Out, "  GET  /preview.svg|.png  - Landmark preview")
		fmt.Fprintln(a.Out, "  GET  /landmarks.geojson - Plan-view export")
		fmt.Fprintln(a.Out, "  GET  /convergence.png   - Residual plot")
	}

	fmt.Fprintln(a.Out, "\nPress Ctrl+C to stop")
}
