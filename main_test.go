package main

import (
	"bytes"
	"strings"
	"testing"
)

type mockApp struct {
	opts   AppOptions
	called map[string]bool
}

func newMockApp() *mockApp {
	return &mockApp{
		called: make(map[string]bool),
	}
}

func (m *mockApp) ApplyOptions(opts AppOptions) { m.opts = opts }
func (m *mockApp) RunList()                     { m.called["RunList"] = true }
func (m *mockApp) RunAlign()                    { m.called["RunAlign"] = true }
func (m *mockApp) RunSuperimpose()              { m.called["RunSuperimpose"] = true }
func (m *mockApp) RunService()                  { m.called["RunService"] = true }

func TestRun_Flags(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		expectedCalled string
		verifyOpts     func(*testing.T, AppOptions)
	}{
		{
			name:           "List",
			args:           []string{"--list", "--data-dir", "/tmp/data"},
			expectedCalled: "RunList",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.DataDir != "/tmp/data" {
					t.Errorf("expected DataDir /tmp/data, got %s", opts.DataDir)
				}
				if !opts.ListOnly {
					t.Error("expected ListOnly true")
				}
			},
		},
		{
			name:           "Align",
			args:           []string{"--align", "--reference", "skull-a", "--no-scale"},
			expectedCalled: "RunAlign",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.Reference != "skull-a" {
					t.Errorf("expected Reference skull-a, got %s", opts.Reference)
				}
				if !opts.NoScale {
					t.Error("expected NoScale true")
				}
				if !opts.AlignOnly {
					t.Error("expected AlignOnly true")
				}
			},
		},
		{
			name:           "AlignWithReflection",
			args:           []string{"--align", "--allow-reflection", "--output", "result.json"},
			expectedCalled: "RunAlign",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.AllowReflection {
					t.Error("expected AllowReflection true")
				}
				if opts.OutputFile != "result.json" {
					t.Errorf("expected OutputFile result.json, got %s", opts.OutputFile)
				}
			},
		},
		{
			name:           "Superimpose",
			args:           []string{"--superimpose", "--max-iterations", "50", "--tolerance", "1e-8"},
			expectedCalled: "RunSuperimpose",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.SuperimposeOnly {
					t.Error("expected SuperimposeOnly true")
				}
				if opts.MaxIterations != 50 {
					t.Errorf("expected MaxIterations 50, got %d", opts.MaxIterations)
				}
				if opts.Tolerance != 1e-8 {
					t.Errorf("expected Tolerance 1e-8, got %g", opts.Tolerance)
				}
			},
		},
		{
			name:           "SuperimposeWithCache",
			args:           []string{"--superimpose", "--alignment-cache", "custom-cache.json"},
			expectedCalled: "RunSuperimpose",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.AlignmentCache != "custom-cache.json" {
					t.Errorf("expected AlignmentCache custom-cache.json, got %s", opts.AlignmentCache)
				}
			},
		},
		{
			name:           "MqttMode",
			args:           []string{"--mqtt", "--config", "lab.yaml"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.MqttMode {
					t.Error("expected MqttMode true")
				}
				if opts.ConfigFile != "lab.yaml" {
					t.Errorf("expected ConfigFile lab.yaml, got %s", opts.ConfigFile)
				}
			},
		},
		{
			name:           "HttpMode",
			args:           []string{"--http", "--http-port", "9090"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.HttpMode {
					t.Error("expected HttpMode true")
				}
				if opts.HttpPort != 9090 {
					t.Errorf("expected HttpPort 9090, got %d", opts.HttpPort)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newMockApp()
			var out bytes.Buffer
			err := run(tt.args, &out, app)
			if err != nil {
				t.Fatalf("run failed: %v", err)
			}

			if !app.called[tt.expectedCalled] {
				t.Errorf("expected %s to be called", tt.expectedCalled)
			}

			if tt.verifyOpts != nil {
				tt.verifyOpts(t, app.opts)
			}
		})
	}
}

func TestRun_Help(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run([]string{"--help"}, &out, app)
	if err == nil {
		t.Error("expected error from --help, got nil")
	}
	if !strings.Contains(out.String(), "Usage of morphalign") {
		t.Errorf("expected usage info in output, got: %s", out.String())
	}
}

func TestRun_Default(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run([]string{}, &out, app)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	expectedPrefix := "morphalign version: " + Version
	if !strings.Contains(out.String(), expectedPrefix) {
		t.Errorf("expected output to contain version, got: %s", out.String())
	}

	if !strings.Contains(out.String(), "morphalign service starting...") {
		t.Errorf("expected output to contain service starting message, got: %s", out.String())
	}
}

func TestMain_Execute(t *testing.T) {
	// Smoke test to ensure version is set
	if Version == "" {
		t.Error("expected Version to be set")
	}
}
