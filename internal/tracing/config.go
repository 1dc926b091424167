// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracing

import (
	"fmt"
)

// Exporter types.
const (
	ExporterConsole  = "console"
	ExporterOTLP     = "otlp"
	ExporterOTLPHTTP = "otlp_http"
)

// Config holds tracing configuration.
type Config struct {
	// Enabled controls whether spans are recorded and exported.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Exporter is one of console, otlp, otlp_http.
	Exporter string `yaml:"exporter" json:"exporter"`

	// Endpoint is the OTLP receiver (host:port for otlp, URL host for otlp_http).
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`

	// Insecure disables TLS for OTLP exporters.
	Insecure bool `yaml:"insecure,omitempty" json:"insecure,omitempty"`

	// SampleRate is the fraction of root traces to record (0.0 - 1.0).
	SampleRate float64 `yaml:"sample_rate" json:"sample_rate"`

	// ServiceName and ServiceVersion identify this process in traces.
	ServiceName    string `yaml:"-" json:"-"`
	ServiceVersion string `yaml:"-" json:"-"`
}

// DefaultConfig returns tracing disabled with a console exporter.
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		Exporter:    ExporterConsole,
		SampleRate:  1.0,
		ServiceName: "shellgate",
	}
}

// Validate checks the exporter settings.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Exporter {
	case ExporterConsole:
	case ExporterOTLP, ExporterOTLPHTTP:
		if c.Endpoint == "" {
			return fmt.Errorf("exporter %s requires an endpoint", c.Exporter)
		}
	default:
		return fmt.Errorf("unknown exporter type: %s", c.Exporter)
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample_rate must be between 0 and 1, got %v", c.SampleRate)
	}
	return nil
}
