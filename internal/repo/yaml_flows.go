package repo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"gopkg.in/yaml.v3"
)

// YAMLFlowSource читает определения flow из каталога с *.yaml файлами.
//
// Один файл — один flow. Если alias в файле не задан, им становится имя
// файла без расширения. Файлы перечитываются при каждом обращении, так
// что правки подхватываются без перезапуска.
//
// Пример файла:
//
//	alias: load-orders
//	name: Load orders
//	steps:
//	  - name: Extract
//	    uid: extract-orders
//	    prototype: http_extract
//	    stop_flow_on_error: true
//	    config:
//	      url: https://api.example.com/orders
//	      records_path: data.items
//	      increment_field: updated_at
type YAMLFlowSource struct {
	dir string
}

// NewYAMLFlowSource создаёт источник для каталога dir.
func NewYAMLFlowSource(dir string) *YAMLFlowSource {
	return &YAMLFlowSource{dir: dir}
}

// Dir возвращает каталог источника.
func (s *YAMLFlowSource) Dir() string {
	return s.dir
}

// GetByAlias возвращает flow по alias.
func (s *YAMLFlowSource) GetByAlias(ctx context.Context, alias string) (*domain.Flow, error) {
	flows, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range flows {
		if flows[i].Alias == alias {
			return &flows[i], nil
		}
	}
	return nil, fmt.Errorf("%w: flow %s in %s", ErrNotFound, alias, s.dir)
}

// List читает все flows каталога, отсортированные по alias.
// Повтор alias в двух файлах — ошибка.
func (s *YAMLFlowSource) List(ctx context.Context) ([]domain.Flow, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read flows dir: %w", err)
	}

	var flows []domain.Flow
	seen := make(map[string]string)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		name := entry.Name()
		ext := filepath.Ext(name)
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}

		path := filepath.Join(s.dir, name)
		flow, err := LoadFlowFile(path)
		if err != nil {
			return nil, err
		}

		if prev, dup := seen[flow.Alias]; dup {
			return nil, fmt.Errorf("%w: flow %s defined in %s and %s", ErrAlreadyExists, flow.Alias, prev, name)
		}
		seen[flow.Alias] = name
		flows = append(flows, *flow)
	}

	sort.Slice(flows, func(i, j int) bool {
		return flows[i].Alias < flows[j].Alias
	})
	return flows, nil
}

// LoadFlowFile читает один flow из YAML файла.
func LoadFlowFile(path string) (*domain.Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flow file: %w", err)
	}

	flow, err := ParseFlowYAML(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}

	if flow.Alias == "" {
		flow.Alias = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if flow.Name == "" {
		flow.Name = flow.Alias
	}
	if flow.UID == uuid.Nil {
		// Стабильный UID, чтобы flow без uid не менял идентичность между чтениями.
		flow.UID = uuid.NewSHA1(uuid.NameSpaceURL, []byte("conveyor:flow:"+flow.Alias))
	}
	return flow, nil
}

// ParseFlowYAML разбирает flow из YAML и проставляет позиции шагов.
func ParseFlowYAML(data []byte) (*domain.Flow, error) {
	var flow domain.Flow
	if err := yaml.Unmarshal(data, &flow); err != nil {
		return nil, fmt.Errorf("parse flow yaml: %w", err)
	}
	normalizeSteps(flow.Steps)
	return &flow, nil
}

// normalizeSteps проставляет position по порядку в файле, если он не задан,
// и сортирует шаги по position.
func normalizeSteps(steps []domain.StepDef) {
	for i := range steps {
		if steps[i].Position == 0 {
			steps[i].Position = i + 1
		}
		normalizeSteps(steps[i].Steps)
	}
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].Position < steps[j].Position
	})
}
