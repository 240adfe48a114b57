package models

import (
	"fmt"
	"sort"
)

// Capability tags what a detector model emits. The tracking core only ever
// looks at these tags, never at a concrete model type.
type Capability struct {
	ProducesThreatLevel bool
	ProducesMask        bool
	ProducesClassID     bool
}

// Names lists the capability tags for fingerprints
func (c Capability) Names() []string {
	names := []string{"object-tracking", "confidence-scoring"}
	if c.ProducesThreatLevel {
		names = append(names, "threat-classification")
	}
	if c.ProducesMask {
		names = append(names, "segmentation")
	}
	if c.ProducesClassID {
		names = append(names, "class-id")
	}
	return names
}

// ModelProfile is the static configuration of one detection mode
type ModelProfile struct {
	Mode                string
	ModelType           string
	ModelFile           string
	Description         string
	Capabilities        Capability
	ConfidenceThreshold float64
	MinFrames           uint64
}

const DefaultMode = "yoloe_c4isr"

// Profiles holds the supported detection modes keyed by mode name
var Profiles = map[string]ModelProfile{
	"yoloe_c4isr": {
		Mode:                "yoloe_c4isr",
		ModelType:           "yoloe-c4isr-threat-detection",
		ModelFile:           "yoloe-11l-seg.pt",
		Description:         "YOLOE with C4ISR threat classification and object tracking",
		Capabilities:        Capability{ProducesThreatLevel: true, ProducesMask: true, ProducesClassID: true},
		ConfidenceThreshold: 0.25,
		MinFrames:           1,
	},
	"rtdetr": {
		Mode:                "rtdetr",
		ModelType:           "rtdetr-object-detection",
		ModelFile:           "rtdetr-l.pt",
		Description:         "RT-DETR real-time object detection",
		Capabilities:        Capability{ProducesClassID: true},
		ConfidenceThreshold: 0.25,
		MinFrames:           2,
	},
	"yoloe": {
		Mode:                "yoloe",
		ModelType:           "yoloe-object-tracking",
		ModelFile:           "yoloe-11l-seg.pt",
		Description:         "YOLOE with object tracking (BoT-SORT/ByteTrack)",
		Capabilities:        Capability{ProducesMask: true, ProducesClassID: true},
		ConfidenceThreshold: 0.25,
		MinFrames:           3,
	},
	"sam2": {
		Mode:                "sam2",
		ModelType:           "sam-segmentation",
		ModelFile:           "sam2_b.pt",
		Description:         "SAM2 automatic mask generation segmentation",
		Capabilities:        Capability{ProducesMask: true},
		ConfidenceThreshold: 0.25,
		MinFrames:           3,
	},
	"moondream": {
		Mode:                "moondream",
		ModelType:           "moondream-object-detection",
		ModelFile:           "vikhyatk/moondream2",
		Description:         "Moondream2 text-based object detection",
		ConfidenceThreshold: 0.5,
		MinFrames:           1,
	},
}

// LookupProfile returns the profile for a detection mode
func LookupProfile(mode string) (ModelProfile, error) {
	p, ok := Profiles[mode]
	if !ok {
		return ModelProfile{}, fmt.Errorf("unknown detection mode %q (available: %v)", mode, AvailableModes())
	}
	return p, nil
}

// AvailableModes returns the mode names in stable order
func AvailableModes() []string {
	modes := make([]string, 0, len(Profiles))
	for m := range Profiles {
		modes = append(modes, m)
	}
	sort.Strings(modes)
	return modes
}
