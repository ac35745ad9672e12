package main

import (
	"fmt"
	stdlog "log"
	"net"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/embedder"
	"github.com/becomeliminal/nim-recall/memory/embedder/hashing"
)

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "embedd",
		Short:         "Serve an embedding model over websocket",
		Long:          longRoot,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.NewWithOptions(cmd.ErrOrStderr(), log.Options{
				Prefix:          "embedd",
				ReportTimestamp: true,
			})
			stdlog.SetFlags(0)
			stdlog.SetOutput(logger.StandardLog().Writer())

			model, err := newModel(v)
			if err != nil {
				return err
			}

			d, err := newDaemon(model, v.GetInt64("cache-size"), logger)
			if err != nil {
				return err
			}
			defer d.Close()

			wsLis, err := net.Listen("tcp", v.GetString("listen"))
			if err != nil {
				return fmt.Errorf("listen websocket: %w", err)
			}
			grpcLis, err := net.Listen("tcp", v.GetString("grpc-listen"))
			if err != nil {
				wsLis.Close()
				return fmt.Errorf("listen grpc: %w", err)
			}

			logger.Info("serving", "websocket", wsLis.Addr().String()+embedPath, "health", grpcLis.Addr().String(),
				"model", v.GetString("model"), "dimensions", model.Dimensions())

			go d.Warmup(cmd.Context())
			return d.Serve(cmd.Context(), wsLis, grpcLis)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", "127.0.0.1:7411", "websocket listen address")
	flags.String("grpc-listen", "127.0.0.1:7412", "gRPC health listen address")
	flags.String("model", "hashing", "embedding model: hashing or onnx")
	flags.Int("dimensions", memory.DefaultDimensions, "embedding length")
	flags.Int64("cache-size", 4096, "embedding cache entries (0 disables)")
	flags.String("model-path", "", "ONNX model file")
	flags.String("tokenizer-path", "", "tokenizer.json with a WordPiece vocabulary")
	flags.String("ort-library", "", "onnxruntime shared library")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("EMBEDD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return cmd
}

func newModel(v *viper.Viper) (embedder.Model, error) {
	switch name := v.GetString("model"); name {
	case "hashing":
		return hashing.New(v.GetInt("dimensions")), nil
	case "onnx":
		return newONNXModel(v)
	default:
		return nil, fmt.Errorf("unknown model %q", name)
	}
}

var longRoot = `
Embedd loads a sentence-embedding model once and answers embedding requests
from any number of recall clients over a websocket.

Health is served on a separate gRPC port using the standard grpc.health.v1
protocol. It reports NOT_SERVING until the model has loaded.

Examples:
  # Offline hashing model, no files needed.
  embedd

  # all-MiniLM-L6-v2 through onnxruntime (binary built with -tags onnx).
  EMBEDD_MODEL=onnx EMBEDD_MODEL_PATH=model.onnx EMBEDD_TOKENIZER_PATH=tokenizer.json embedd
`
