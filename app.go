package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/kwv/morphalign/morph"
)

// App encapsulates the application state and dependencies
type App struct {
	Config       *morph.Config
	StateTracker *morph.StateTracker
	MQTTClient   *morph.MQTTClient
	Publisher    *morph.Publisher
	AutoAligner  *morph.AutoAligner

	// CLI Flags (effectively dependencies)
	DataDir           string
	ConfigFile        string
	AlignmentCache    string
	ReferenceSpecimen string
	OutputFile        string
	NoScale           bool
	AllowReflection   bool
	MaxIterations     int
	Tolerance         float64
	HttpPort          int
	MqttMode          bool
	HttpMode          bool
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		StateTracker: morph.NewStateTracker(),
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.DataDir = opts.DataDir
	a.ConfigFile = opts.ConfigFile
	a.AlignmentCache = opts.AlignmentCache
	a.ReferenceSpecimen = opts.Reference
	a.OutputFile = opts.OutputFile
	a.NoScale = opts.NoScale
	a.AllowReflection = opts.AllowReflection
	a.MaxIterations = opts.MaxIterations
	a.Tolerance = opts.Tolerance
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
}

// alignOptions builds pairwise alignment options from CLI flags
func (a *App) alignOptions() morph.AlignOptions {
	return morph.AlignOptions{
		AllowScale:      !a.NoScale,
		AllowReflection: a.AllowReflection,
	}
}

// gpaOptions builds superimposition options: CLI flags override config values
func (a *App) gpaOptions(config *morph.Config) morph.GPAOptions {
	opts := morph.DefaultGPAOptions()
	if config != nil {
		opts = config.GPAOptionsOrDefault()
	}
	if a.MaxIterations > 0 {
		opts.MaxIterations = a.MaxIterations
	}
	if a.Tolerance > 0 {
		opts.Tolerance = a.Tolerance
	}
	if a.NoScale {
		opts.AllowScale = false
	}
	return opts
}

// RunList finds and parses all landmark export files
func (a *App) RunList() {
	files := a.findExports()
	fmt.Printf("Found %d landmark export(s)\n\n", len(files))

	for _, file := range files {
		a.parseAndPrint(file)
	}
}

func (a *App) parseAndPrint(path string) {
	s, err := morph.ParseSpecimenFile(path)
	if err != nil {
		fmt.Printf("=== %s ===\n", filepath.Base(path))
		fmt.Printf("ERROR: %v\n\n", err)
		return
	}

	summary := morph.Summarize(s)

	fmt.Printf("=== %s ===\n", summary.Name)
	fmt.Printf("File: %s\n", path)
	if summary.CapturedAt != 0 {
		fmt.Printf("Captured: %s\n", time.Unix(summary.CapturedAt, 0).UTC().Format(time.RFC3339))
	}
	if summary.Units != "" {
		fmt.Printf("Units: %s\n", summary.Units)
	}
	fmt.Printf("Landmarks: %d", summary.LandmarkCount)
	if len(summary.LandmarkNames) > 0 {
		fmt.Printf(" [%s]", strings.Join(summary.LandmarkNames, ", "))
	}
	fmt.Println()
	fmt.Printf("Centroid: (%.2f, %.2f, %.2f)\n",
		summary.Centroid[0], summary.Centroid[1], summary.Centroid[2])
	fmt.Printf("Usable for alignment: %v\n", morph.HasUsableLandmarks(s))
	fmt.Println()
}

// RunAlign loads all landmark exports and aligns them pairwise to the reference
func (a *App) RunAlign() {
	specimens := a.loadSpecimens()
	if len(specimens) < 2 {
		log.Fatal("Need at least 2 landmark exports for alignment")
	}

	refID := a.resolveReference(specimens)
	fmt.Printf("Reference specimen: %s\n\n", refID)

	ad, failures, err := morph.AlignSpecimens(specimens, refID, a.alignOptions())
	if err != nil {
		log.Fatalf("Alignment failed: %v", err)
	}

	fmt.Println("Pairwise alignment results:")
	fmt.Println(strings.Repeat("-", 60))
	for _, id := range sortedKeys(ad.Specimens) {
		sa := ad.Specimens[id]
		if id == refID {
			fmt.Printf("%-25s: [REFERENCE - identity transform]\n", id)
			continue
		}
		fmt.Printf("%-25s: scale=%.4f rmse=%.4f landmarks=%d\n",
			id, sa.Scale, sa.RMSE, sa.LandmarkCount)
	}
	for _, id := range sortedStringKeys(failures) {
		fmt.Printf("%-25s: FAILED - %s\n", id, failures[id])
	}

	a.saveRun(ad)
}

// RunSuperimpose loads all landmark exports and runs generalized Procrustes analysis
func (a *App) RunSuperimpose() {
	specimens := a.loadSpecimens()
	if len(specimens) < 2 {
		log.Fatal("Need at least 2 landmark exports for superimposition")
	}

	config := a.loadOptionalConfig()
	opts := a.gpaOptions(config)

	fmt.Printf("Superimposing %d specimens (maxIterations=%d, tolerance=%g, scale=%v)\n\n",
		len(specimens), opts.MaxIterations, opts.Tolerance, opts.AllowScale)

	ad, err := morph.SuperimposeSpecimens(specimens, opts)
	if err != nil {
		log.Fatalf("Superimposition failed: %v", err)
	}

	fmt.Printf("Converged: %v after %d iteration(s)\n", ad.Converged, ad.Iterations)
	fmt.Println(strings.Repeat("-", 60))
	for _, id := range sortedKeys(ad.Specimens) {
		sa := ad.Specimens[id]
		fmt.Printf("%-25s: scale=%.4f rmse=%.4f landmarks=%d\n",
			id, sa.Scale, sa.RMSE, sa.LandmarkCount)
	}
	fmt.Printf("\nMean shape: %d landmarks\n", len(ad.MeanShape))

	a.saveRun(ad)
}

// RunService starts the combined MQTT and/or HTTP service
func (a *App) RunService() {
	fmt.Println("Starting morphalign service...")

	// 1. Resolve configuration paths relative to data-dir if provided
	resolvedConfig := a.ConfigFile
	resolvedCache := a.AlignmentCache

	// If data-dir is specified and files are still pointing to defaults,
	// resolve them relative to the data-dir.
	if a.DataDir != "." {
		if resolvedConfig == "config.yaml" {
			resolvedConfig = filepath.Join(a.DataDir, "config.yaml")
		}
		if resolvedCache == morph.DefaultAlignmentCachePath {
			resolvedCache = filepath.Join(a.DataDir, morph.DefaultAlignmentCachePath)
		}
	}

	// 2. Load config.yaml (required)
	config, err := morph.LoadConfig(resolvedConfig)
	if err != nil {
		log.Fatalf("Failed to load config: %v (looked at %s)", err, resolvedConfig)
	}
	a.Config = config
	log.Printf("Loaded config from %s", resolvedConfig)

	// 3. Create state tracker backed by the alignment cache
	a.StateTracker = morph.NewStateTrackerWithCache(resolvedCache)
	if cached := a.StateTracker.GetAlignment(); cached != nil {
		log.Printf("Loaded alignment cache from %s (run %s)", resolvedCache, cached.RunID)
	} else {
		log.Printf("No alignment cache found at %s. Run './morphalign --superimpose' to generate it.", resolvedCache)
	}

	// 4. Determine reference specimen
	refID := ""
	if config.Reference != "" {
		refID = config.Reference
	} else if cached := a.StateTracker.GetAlignment(); cached != nil && cached.ReferenceSpecimen != "" {
		refID = cached.ReferenceSpecimen
	}
	if refID != "" {
		log.Printf("Reference specimen: %s", refID)
	} else {
		log.Println("Reference specimen: (will auto-select on first landmark data)")
	}

	// 5. Load initial landmark exports if available
	initial := a.loadSpecimens()
	for id, s := range initial {
		a.StateTracker.UpdateSpecimen(id, s)
	}
	if len(initial) > 0 {
		fmt.Printf("Loaded %d initial landmark exports\n", len(initial))
	}

	// 6. Start MQTT if enabled
	if a.MqttMode {
		// Message handler persists incoming exports and updates the tracker
		messageHandler := func(specimenID string, rawPayload []byte, specimen *morph.Specimen, err error) {
			if err != nil {
				log.Printf("Error receiving landmark data for %s: %v", specimenID, err)
				return
			}

			if !morph.HasUsableLandmarks(specimen) {
				log.Printf("%s: received %d landmarks, need at least 3, ignoring",
					specimenID, len(specimen.Landmarks))
				return
			}

			a.StateTracker.UpdateSpecimen(specimenID, specimen)
			log.Printf("%s: received landmark data (count=%d, units=%s)",
				specimenID, len(specimen.Landmarks), specimen.Units)

			// Persist export to disk so restarts keep the latest capture (async)
			savePath := morph.ExportFilePath(a.DataDir, specimenID)
			go func(p string, data []byte) {
				if err := os.WriteFile(p, data, 0644); err != nil {
					log.Printf("Error caching landmark export for %s: %v", specimenID, err)
				}
			}(savePath, rawPayload)
		}

		// Initialize MQTT client
		mqttClient, err := morph.InitMQTT(config, messageHandler)
		if err != nil {
			log.Fatalf("Failed to initialize MQTT: %v", err)
		}
		a.MQTTClient = mqttClient

		if mqttClient == nil {
			log.Fatal("MQTT broker not configured in config.yaml")
		}

		// Initialize publisher now that we have an MQTT client
		a.Publisher = morph.NewPublisher(mqttClient.GetClient())
		a.Publisher.SetPrefix(config.MQTT.PublishPrefix)
		fmt.Println("MQTT alignment publisher initialized")

		// Wire capture-complete events to automatic realignment
		a.AutoAligner = morph.NewAutoAligner(config, resolvedCache, a.DataDir, a.StateTracker, a.Publisher)
		mqttClient.SetCaptureHandler(a.AutoAligner.OnCaptureEvent)
	}

	// 7. Start HTTP server if enabled
	if a.HttpMode {
		httpServer := newHTTPServer(a.StateTracker, a.Config, a.gpaOptions(config))
		go func() {
			addr := fmt.Sprintf("0.0.0.0:%d", a.HttpPort)
			log.Printf("[HTTP] Starting server on %s", addr)
			if err := http.ListenAndServe(addr, httpServer); err != nil {
				log.Fatalf("[HTTP] Server error: %v", err)
			}
		}()
	}

	// 8. Print service info
	fmt.Println("\nService Running")
	fmt.Println("===============")

	if a.MqttMode {
		fmt.Println("\nMQTT:")
		fmt.Println("  Subscribed topics:")
		for _, sc := range config.Specimens {
			fmt.Printf("    - %s (%s)\n", sc.Topic, sc.ID)
		}
		publishPrefix := config.MQTT.PublishPrefix
		if publishPrefix == "" {
			publishPrefix = "morphalign"
		}
		fmt.Printf("  Publishing to: %s/{specimenID}\n", publishPrefix)
		fmt.Printf("  Combined alignment: %s/alignment\n", publishPrefix)
		fmt.Printf("  Mean shape: %s/mean-shape\n", publishPrefix)
	}

	if a.HttpMode {
		fmt.Printf("\nHTTP endpoints (port %d):\n", a.HttpPort)
		fmt.Println("  GET  /health          - Health check")
		fmt.Println("  GET  /specimens.json  - Latest capture per specimen")
		fmt.Println("  GET  /alignment.json  - Current alignment run")
		fmt.Println("  GET  /mean-shape.json - Consensus mean shape")
		fmt.Println("  POST /realign         - Recompute the superimposition")
	}

	fmt.Println("\nPress Ctrl+C to stop")

	// 9. Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan

	fmt.Println("\nShutting down service...")
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	fmt.Println("Service stopped")
}

// findExports locates landmark export files, falling back to the current directory
func (a *App) findExports() []string {
	files, err := morph.FindExportFiles(a.DataDir)
	if err != nil {
		log.Fatalf("Error finding JSON files: %v", err)
	}

	if len(files) == 0 {
		files, _ = morph.FindExportFiles(".")
	}

	if len(files) == 0 {
		log.Fatal("No LandmarkExport-*.json files found")
	}

	return files
}

// loadSpecimens parses all landmark exports in the data directory
func (a *App) loadSpecimens() map[string]*morph.Specimen {
	specimens := make(map[string]*morph.Specimen)

	files, err := morph.FindExportFiles(a.DataDir)
	if err != nil {
		return specimens
	}

	for _, file := range files {
		s, err := morph.ParseSpecimenFile(file)
		if err != nil {
			log.Printf("Warning: Failed to load %s: %v", file, err)
			continue
		}
		specimens[s.Name] = s
	}

	return specimens
}

// loadOptionalConfig loads config.yaml when present; batch modes run without it
func (a *App) loadOptionalConfig() *morph.Config {
	if _, err := os.Stat(a.ConfigFile); err != nil {
		return nil
	}
	config, err := morph.LoadConfig(a.ConfigFile)
	if err != nil {
		log.Printf("Warning: Failed to load config file %s: %v", a.ConfigFile, err)
		return nil
	}
	log.Printf("Loaded config from %s", a.ConfigFile)
	return config
}

// resolveReference picks the reference specimen: CLI > config > cache > auto
func (a *App) resolveReference(specimens map[string]*morph.Specimen) string {
	if a.ReferenceSpecimen != "" {
		if _, ok := specimens[a.ReferenceSpecimen]; !ok {
			log.Fatalf("Reference specimen %q not found among loaded exports", a.ReferenceSpecimen)
		}
		return a.ReferenceSpecimen
	}

	config := a.loadOptionalConfig()
	cache, err := morph.LoadAlignment(a.AlignmentCache)
	if err != nil {
		log.Printf("Warning: Failed to load alignment cache %s: %v", a.AlignmentCache, err)
	}

	if config != nil {
		return morph.GetEffectiveReference(config, cache, specimens)
	}
	if cache != nil && cache.ReferenceSpecimen != "" {
		if _, ok := specimens[cache.ReferenceSpecimen]; ok {
			return cache.ReferenceSpecimen
		}
	}
	return morph.SelectReferenceSpecimen(specimens)
}

// saveRun persists an alignment run to the output file or the cache path
func (a *App) saveRun(ad *morph.AlignmentData) {
	target := a.AlignmentCache
	if a.OutputFile != "" {
		target = a.OutputFile
	}

	fmt.Printf("\nSaving alignment to %s\n", target)
	if err := morph.SaveAlignment(target, ad); err != nil {
		log.Printf("Warning: Failed to save alignment: %v", err)
	} else {
		fmt.Println("Alignment saved successfully")
	}
}

func sortedKeys(m map[string]morph.SpecimenAlignment) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedStringKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
