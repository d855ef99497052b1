// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package lite loads graph models, optimizes them and runs them on the CPU.
//
// # Example Usage
//
//	cfg, err := lite.LoadConfig("lite.yaml") // "" for defaults and LITE_* env
//	if err != nil {
//	    log.Fatal(err)
//	}
//	s, err := lite.Open(ctx, "model.yaml", cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//
//	input, _ := tensor.FromFloat32(tensor.Shape{1, 32, 32, 3}, pixels)
//	output, err := s.Run(ctx, map[string]*tensor.Tensor{"image": input})
//
// Opening a model runs the pre-passes (epoch control injection by default)
// and the configured passes, then lowers the graph to kernels.
package lite

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/born-ml/lite/internal/config"
	"github.com/born-ml/lite/internal/model"
	"github.com/born-ml/lite/internal/pass"
	"github.com/born-ml/lite/internal/session"
	"github.com/born-ml/lite/tensor"
)

// Config holds the runtime settings.
type Config = config.Config

// DefaultConfig returns the built-in settings.
func DefaultConfig() Config {
	return config.Default()
}

// LoadConfig reads settings from path, when set, on top of the defaults and
// LITE_* environment variables.
func LoadConfig(path string) (Config, error) {
	return config.Load(config.New(), path)
}

// Session is a compiled model ready to run.
type Session interface {
	// Run executes the model. The returned tensor belongs to the session and
	// is overwritten by the next Run.
	Run(ctx context.Context, feeds map[string]*tensor.Tensor) (*tensor.Tensor, error)

	// InputNames returns the declared model inputs.
	InputNames() []string

	// Kernels returns the lowered kernels in execution order.
	Kernels() []string

	// Describe renders the optimized graph.
	Describe() string

	// Close releases the kernels and the worker pool.
	Close() error
}

// Open loads a model file and compiles it.
func Open(ctx context.Context, path string, cfg Config) (Session, error) {
	m, err := model.Load(path)
	if err != nil {
		return nil, err
	}
	return compile(ctx, m, cfg)
}

// OpenBytes compiles a model description held in memory.
func OpenBytes(ctx context.Context, data []byte, cfg Config) (Session, error) {
	m, err := model.Parse(data)
	if err != nil {
		return nil, err
	}
	return compile(ctx, m, cfg)
}

// ListPasses returns the names of all registered passes.
func ListPasses() []string {
	return pass.Registered()
}

type compiled struct {
	*session.Session
	model *model.Model
}

func compile(ctx context.Context, m *model.Model, cfg Config) (Session, error) {
	logger := logrus.New()
	logger.SetLevel(cfg.Level())
	s, err := session.New(cfg, logrus.NewEntry(logger))
	if err != nil {
		return nil, err
	}
	if err := s.Compile(ctx, m); err != nil {
		_ = s.Close()
		return nil, err
	}
	return &compiled{Session: s, model: m}, nil
}

func (c *compiled) InputNames() []string {
	names := make([]string, len(c.model.Inputs))
	for i, in := range c.model.Inputs {
		names[i] = in.Name
	}
	return names
}

func (c *compiled) Describe() string {
	return c.model.Graph.String()
}
