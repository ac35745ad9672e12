//go:build !onnx

package main

import (
	"errors"

	"github.com/spf13/viper"

	"github.com/becomeliminal/nim-recall/memory/embedder"
)

func newONNXModel(v *viper.Viper) (embedder.Model, error) {
	return nil, errors.New("onnx model requires a binary built with -tags onnx")
}
