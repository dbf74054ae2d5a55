package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Artifact file naming scheme. The timestamp suffix is sortable, so the
// lexicographically-greatest version is the most recent.
const (
	classifierPrefix  = "classifier_"
	transformerPrefix = "transformer_"
	labelsPrefix      = "labels_"
	artifactExt       = ".json"
)

// Labels is the label encoder artifact: the class names in index order.
type Labels struct {
	Classes []string `json:"classes"`
}

// artifactSet is one consistent, fully-loaded model version.
type artifactSet struct {
	version     string
	modelName   string
	classifier  Classifier
	transformer Transformer
	labels      Labels
}

// loadLatest discovers the newest classifier artifact in dir and loads it
// together with its same-version companions. Missing or mismatched
// companions fail the load: a model version is all-or-nothing.
func loadLatest(dir string) (*artifactSet, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read artifact dir %s: %w", dir, err)
	}

	var versions []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, classifierPrefix) || !strings.HasSuffix(name, artifactExt) {
			continue
		}
		versions = append(versions, strings.TrimSuffix(strings.TrimPrefix(name, classifierPrefix), artifactExt))
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoArtifacts, dir)
	}

	sort.Strings(versions)
	version := versions[len(versions)-1]

	set := &artifactSet{
		version:   version,
		modelName: classifierPrefix + version + artifactExt,
	}

	if err := readArtifact(dir, classifierPrefix+version+artifactExt, &set.classifier); err != nil {
		return nil, err
	}
	if err := readArtifact(dir, transformerPrefix+version+artifactExt, &set.transformer); err != nil {
		return nil, companionErr(version, err)
	}
	if err := readArtifact(dir, labelsPrefix+version+artifactExt, &set.labels); err != nil {
		return nil, companionErr(version, err)
	}

	if err := set.transformer.validate(); err != nil {
		return nil, fmt.Errorf("transformer %s: %w", version, err)
	}
	if err := set.classifier.validate(set.transformer.Width()); err != nil {
		return nil, fmt.Errorf("classifier %s: %w", version, err)
	}
	if len(set.labels.Classes) != 2 {
		return nil, fmt.Errorf("labels %s: want 2 classes, got %d", version, len(set.labels.Classes))
	}

	return set, nil
}

func readArtifact(dir, name string, v any) error {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("read artifact %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse artifact %s: %w", name, err)
	}
	return nil
}

// companionErr marks a missing or unreadable companion artifact as a version
// mismatch: the classifier exists but its set is incomplete.
func companionErr(version string, err error) error {
	return fmt.Errorf("%w: version %s: %v", ErrVersionMismatch, version, err)
}
