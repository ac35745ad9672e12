//go:build onnx

package main

import (
	"github.com/spf13/viper"

	"github.com/becomeliminal/nim-recall/memory/embedder"
	"github.com/becomeliminal/nim-recall/memory/embedder/onnx"
)

func newONNXModel(v *viper.Viper) (embedder.Model, error) {
	model, err := onnx.New(onnx.Config{
		ModelPath:         v.GetString("model-path"),
		TokenizerPath:     v.GetString("tokenizer-path"),
		SharedLibraryPath: v.GetString("ort-library"),
		Dimensions:        v.GetInt("dimensions"),
	})
	if err != nil {
		return nil, err
	}
	return model, nil
}
