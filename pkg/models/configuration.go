package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConfiguration wraps every Validate failure.
var ErrInvalidConfiguration = errors.New("invalid job configuration")

const (
	OutputFormatHDR = "hdr"
	OutputFormatEXR = "exr"
	OutputFormatNPY = "npy"

	PresetAutomotive    = "automotivo"
	PresetProduct       = "produto"
	PresetArchitectural = "arquitetonico"

	DefaultResolution   = 1024
	DefaultOutputFormat = OutputFormatHDR
	DefaultAntiAliasing = "4"
	DefaultPreset       = PresetAutomotive
)

var (
	validResolutions   = map[int]bool{512: true, 1024: true, 2048: true}
	validOutputFormats = map[string]bool{OutputFormatHDR: true, OutputFormatEXR: true, OutputFormatNPY: true}
	validAntiAliasing  = map[string]bool{"1": true, "2": true, "4": true, "8": true}
	validPresets       = map[string]bool{PresetAutomotive: true, PresetProduct: true, PresetArchitectural: true}

	presetAliases = map[string]string{
		"automotive":    PresetAutomotive,
		"product":       PresetProduct,
		"architectural": PresetArchitectural,
		"arquitetura":   PresetArchitectural,
	}
)

// JobConfiguration holds the processing parameters chosen before submission.
// Zero-valued fields mean "use the default".
type JobConfiguration struct {
	Resolution   int    `json:"resolution"`
	OutputFormat string `json:"outputFormat"`
	AntiAliasing string `json:"antiAliasing"`
	Preset       string `json:"preset"`
}

// DefaultConfiguration returns the configuration used when the user changes nothing.
func DefaultConfiguration() JobConfiguration {
	return JobConfiguration{}.WithDefaults()
}

// WithDefaults fills unset fields and normalizes preset aliases.
func (c JobConfiguration) WithDefaults() JobConfiguration {
	if c.Resolution == 0 {
		c.Resolution = DefaultResolution
	}
	c.OutputFormat = strings.ToLower(strings.TrimSpace(c.OutputFormat))
	if c.OutputFormat == "" {
		c.OutputFormat = DefaultOutputFormat
	}
	c.AntiAliasing = strings.TrimSpace(c.AntiAliasing)
	if c.AntiAliasing == "" {
		c.AntiAliasing = DefaultAntiAliasing
	}
	c.Preset = NormalizePreset(c.Preset)
	if c.Preset == "" {
		c.Preset = DefaultPreset
	}
	return c
}

// Validate checks that every field holds one of its legal values.
func (c JobConfiguration) Validate() error {
	if !validResolutions[c.Resolution] {
		return fmt.Errorf("%w: resolution must be one of 512, 1024, 2048; got %d", ErrInvalidConfiguration, c.Resolution)
	}
	if !validOutputFormats[c.OutputFormat] {
		return fmt.Errorf("%w: outputFormat must be one of hdr, exr, npy; got %q", ErrInvalidConfiguration, c.OutputFormat)
	}
	if !validAntiAliasing[c.AntiAliasing] {
		return fmt.Errorf("%w: antiAliasing must be one of 1, 2, 4, 8; got %q", ErrInvalidConfiguration, c.AntiAliasing)
	}
	if !validPresets[c.Preset] {
		return fmt.Errorf("%w: preset must be one of automotivo, produto, arquitetonico; got %q", ErrInvalidConfiguration, c.Preset)
	}
	return nil
}

// NormalizePreset maps English aliases onto the service's preset names.
func NormalizePreset(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	if canonical, ok := presetAliases[p]; ok {
		return canonical
	}
	return p
}
