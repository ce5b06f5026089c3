/*
 * @module service/model/artifact
 * @description Model directory layout written to the tracking server's artifact store: an MLmodel descriptor and the fitted coefficients
 * @architecture Serialisation layer for LinearRegression
 * @stateFlow fitted model -> {MLmodel, model.json} -> artifact store -> decode on load
 * @dependencies gopkg.in/yaml.v3, github.com/google/uuid, encoding/json
 * @refs tracking_client/run.go, service/training
 */

package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"regression-trainer/service/trainerr"
)

const (
	// DescriptorFile is the MLmodel descriptor name
	DescriptorFile = "MLmodel"
	// DataFile holds the JSON encoded coefficients
	DataFile = "model.json"
	// FlavorName identifies models written by this package
	FlavorName = "go_linear"
)

// Descriptor is the MLmodel document
type Descriptor struct {
	ArtifactPath   string                       `yaml:"artifact_path"`
	Flavors        map[string]map[string]string `yaml:"flavors"`
	ModelUUID      string                       `yaml:"model_uuid"`
	RunID          string                       `yaml:"run_id"`
	UTCTimeCreated string                       `yaml:"utc_time_created"`
}

// ModelFiles renders the model directory for upload.
func (m *LinearRegression) ModelFiles(runID, artifactPath string, created time.Time) (map[string][]byte, error) {
	if !m.fitted {
		return nil, trainerr.Newf(trainerr.KindShape, "model files", "model is not fitted yet")
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode model: %w", err)
	}

	descriptor := Descriptor{
		ArtifactPath: artifactPath,
		Flavors: map[string]map[string]string{
			FlavorName: {
				"data":       DataFile,
				"model_type": "LinearRegression",
				"target":     m.TargetName,
			},
		},
		ModelUUID:      strings.ReplaceAll(uuid.NewString(), "-", ""),
		RunID:          runID,
		UTCTimeCreated: created.UTC().Format("2006-01-02 15:04:05.000000"),
	}
	desc, err := yaml.Marshal(&descriptor)
	if err != nil {
		return nil, fmt.Errorf("encode MLmodel: %w", err)
	}

	return map[string][]byte{
		DescriptorFile: desc,
		DataFile:       data,
	}, nil
}

// DecodeLinearRegression restores a model from the contents of model.json.
func DecodeLinearRegression(data []byte) (*LinearRegression, error) {
	m := &LinearRegression{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, trainerr.Parse("decode model", err)
	}
	if len(m.Coef) != len(m.FeatureNames) {
		return nil, trainerr.Newf(trainerr.KindParse, "decode model",
			"%d coefficients for %d features", len(m.Coef), len(m.FeatureNames))
	}
	m.fitted = true
	return m, nil
}

// DecodeDescriptor parses an MLmodel document.
func DecodeDescriptor(data []byte) (*Descriptor, error) {
	d := &Descriptor{}
	if err := yaml.Unmarshal(data, d); err != nil {
		return nil, trainerr.Parse("decode MLmodel", err)
	}
	return d, nil
}
