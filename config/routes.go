// =============================================================================
// 📦 ModelGate 路由与模型评分配置
// =============================================================================
// routes.yaml 定义逻辑路由（主模型 + 回退链 + 触发条件），
// models.yaml 定义每个模型的评分与资源占用。两者均可独立热加载。
// =============================================================================
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RouteConfig 一条路由: 主模型、按序回退链、允许回退的归一化错误码
type RouteConfig struct {
	PrimaryModel   string   `yaml:"primary_model" json:"primary_model"`
	FallbackModels []string `yaml:"fallback_models" json:"fallback_models"`
	FallbackOn     []string `yaml:"fallback_on" json:"fallback_on"`
}

// ModelResourceConfig 模型的资源占用描述（百分比）
type ModelResourceConfig struct {
	CPUUsage  float64 `yaml:"cpu_usage" json:"cpu_usage"`
	GPUUsage  float64 `yaml:"gpu_usage" json:"gpu_usage"`
	VRAMUsage float64 `yaml:"vram_usage" json:"vram_usage"`
	// 独占模型不与任何其他任务共享活跃集
	Exclusive bool `yaml:"exclusive" json:"exclusive"`
}

// ModelScoreConfig 模型的调度评分配置，缺省字段一律为零值
type ModelScoreConfig struct {
	BasePriority   int                 `yaml:"base_priority" json:"base_priority"`
	LoadPenalty    int                 `yaml:"load_penalty" json:"load_penalty"`
	RuntimePenalty int                 `yaml:"runtime_penalty" json:"runtime_penalty"`
	AlwaysRunLast  bool                `yaml:"always_run_last" json:"always_run_last"`
	Resources      ModelResourceConfig `yaml:"resources" json:"resources"`
}

// LoadRoutes 从 path 读取 routes.yaml。文件不存在时返回空表。
func LoadRoutes(path string) (map[string]RouteConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]RouteConfig{}, nil
		}
		return nil, fmt.Errorf("read routes file: %w", err)
	}

	var doc struct {
		Routes map[string]RouteConfig `yaml:"routes"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse routes file: %w", err)
	}
	if doc.Routes == nil {
		doc.Routes = map[string]RouteConfig{}
	}
	return doc.Routes, nil
}

// SaveRoutes 将整份路由表写回 path，供管理接口整体覆盖使用。
func SaveRoutes(path string, routes map[string]RouteConfig) error {
	doc := struct {
		Routes map[string]RouteConfig `yaml:"routes"`
	}{Routes: routes}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal routes: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ValidateRoutes 校验路由表: 主模型必填，触发码必须来自闭集。
func ValidateRoutes(routes map[string]RouteConfig) error {
	valid := map[string]bool{
		"unreachable":    true,
		"timeout":        true,
		"oom":            true,
		"context_length": true,
		"other":          true,
	}
	for name, r := range routes {
		if r.PrimaryModel == "" {
			return fmt.Errorf("route %q: primary_model is required", name)
		}
		for _, code := range r.FallbackOn {
			if !valid[code] {
				return fmt.Errorf("route %q: unknown fallback trigger %q", name, code)
			}
		}
	}
	return nil
}

// LoadModels 从 path 读取 models.yaml。文件不存在时返回空表。
func LoadModels(path string) (map[string]ModelScoreConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]ModelScoreConfig{}, nil
		}
		return nil, fmt.Errorf("read models file: %w", err)
	}

	var doc struct {
		Models map[string]ModelScoreConfig `yaml:"models"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse models file: %w", err)
	}
	if doc.Models == nil {
		doc.Models = map[string]ModelScoreConfig{}
	}
	return doc.Models, nil
}
