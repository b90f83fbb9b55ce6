package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// datasetsMarker flags environment values that live under the datasets root.
const datasetsMarker = "datasets/"

// Document is one JSON configuration document with keys in file order.
type Document struct {
	Path   string
	Values *orderedmap.OrderedMap[string, any]
}

// ReadDocument parses a JSON object from path.
func ReadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config document: %w", err)
	}
	values := orderedmap.New[string, any]()
	if err := json.Unmarshal(data, values); err != nil {
		return nil, fmt.Errorf("parse config document %s: %w", path, err)
	}
	return &Document{Path: path, Values: values}, nil
}

// RootDatasetPaths joins root onto every relative string value that mentions
// "datasets/".
func (d *Document) RootDatasetPaths(root string) {
	if root == "" {
		return
	}
	for pair := d.Values.Oldest(); pair != nil; pair = pair.Next() {
		s, ok := pair.Value.(string)
		if !ok || !strings.Contains(s, datasetsMarker) || filepath.IsAbs(s) {
			continue
		}
		pair.Value = filepath.Join(root, s)
	}
}

// Settings is the ordered merge of several documents. A key keeps the
// position of its first appearance and the value of its last.
type Settings struct {
	values *orderedmap.OrderedMap[string, any]
	origin map[string]string
}

// Merge combines documents in order.
func Merge(docs ...*Document) *Settings {
	s := &Settings{values: orderedmap.New[string, any](), origin: map[string]string{}}
	for _, doc := range docs {
		if doc == nil {
			continue
		}
		for pair := doc.Values.Oldest(); pair != nil; pair = pair.Next() {
			s.values.Set(pair.Key, pair.Value)
			s.origin[pair.Key] = doc.Path
		}
	}
	return s
}

// LoadDocuments reads the environment document, roots its dataset paths
// under datasetsRoot, and merges the remaining documents over it. Empty
// paths are skipped.
func LoadDocuments(datasetsRoot, environment string, others ...string) (*Settings, error) {
	var docs []*Document
	if environment != "" {
		env, err := ReadDocument(environment)
		if err != nil {
			return nil, err
		}
		env.RootDatasetPaths(datasetsRoot)
		docs = append(docs, env)
	}
	for _, path := range others {
		if path == "" {
			continue
		}
		doc, err := ReadDocument(path)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return Merge(docs...), nil
}

// Get returns the merged value for key.
func (s *Settings) Get(key string) (any, bool) {
	return s.values.Get(key)
}

// Set overrides key.
func (s *Settings) Set(key string, value any) {
	s.values.Set(key, value)
	s.origin[key] = "override"
}

// Origin names the document that supplied key.
func (s *Settings) Origin(key string) string {
	return s.origin[key]
}

// Keys lists merged keys in first-seen order.
func (s *Settings) Keys() []string {
	keys := make([]string, 0, s.values.Len())
	for pair := s.values.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// Map returns a plain copy of the merged values.
func (s *Settings) Map() map[string]any {
	out := make(map[string]any, s.values.Len())
	for pair := s.values.Oldest(); pair != nil; pair = pair.Next() {
		out[pair.Key] = pair.Value
	}
	return out
}

// Decode fills target, a pointer to a struct with json tags, from the merged
// values. Numbers decode weakly so JSON floats fill int fields.
func (s *Settings) Decode(target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           target,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(s.Map()); err != nil {
		return fmt.Errorf("decode settings: %w", err)
	}
	return nil
}

// embeddingSettings are the keys the training-data scripts read from their
// environment and model documents.
type embeddingSettings struct {
	DataBaseDir          *string  `json:"data_base_dir"`
	EmbeddingBaseDir     *string  `json:"embedding_base_dir"`
	DataList             *string  `json:"json_data_list"`
	AutoencoderPath      *string  `json:"trained_autoencoder_path"`
	SlidingWindowSize    []int    `json:"autoencoder_sliding_window_infer_size"`
	SlidingWindowOverlap *float64 `json:"autoencoder_sliding_window_infer_overlap"`
	LatentChannels       *int     `json:"latent_channels"`
}

// ApplyDocuments overlays the keys used by the embedding scripts onto c and
// re-validates it. Unknown keys are ignored.
func (c *Config) ApplyDocuments(s *Settings) error {
	var es embeddingSettings
	if err := s.Decode(&es); err != nil {
		return err
	}
	setPath := func(dst *string, v *string) error {
		if v == nil || strings.TrimSpace(*v) == "" {
			return nil
		}
		expanded, err := expandPath(strings.TrimSpace(*v))
		if err != nil {
			return err
		}
		*dst = expanded
		return nil
	}
	if err := setPath(&c.Paths.DataBaseDir, es.DataBaseDir); err != nil {
		return fmt.Errorf("data_base_dir: %w", err)
	}
	if err := setPath(&c.Paths.EmbeddingBaseDir, es.EmbeddingBaseDir); err != nil {
		return fmt.Errorf("embedding_base_dir: %w", err)
	}
	if err := setPath(&c.Paths.Manifest, es.DataList); err != nil {
		return fmt.Errorf("json_data_list: %w", err)
	}
	if err := setPath(&c.Autoencoder.Checkpoint, es.AutoencoderPath); err != nil {
		return fmt.Errorf("trained_autoencoder_path: %w", err)
	}
	if len(es.SlidingWindowSize) > 0 {
		c.Autoencoder.SlidingWindowSize = es.SlidingWindowSize
	}
	if es.SlidingWindowOverlap != nil {
		c.Autoencoder.SlidingWindowOverlap = *es.SlidingWindowOverlap
	}
	if es.LatentChannels != nil {
		c.Runtime.LatentChannels = *es.LatentChannels
	}
	return c.Validate()
}
