// Command spritegen runs the generation pipeline once from the shell:
// generate an image for a purpose, optionally matte it, and write the
// result to a local file. Useful for tuning prompts and matting thresholds
// without standing up the API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/theazureday/story-creator/internal/imagegen"
	"github.com/theazureday/story-creator/internal/infra"
	"github.com/theazureday/story-creator/internal/matting"
	"github.com/theazureday/story-creator/internal/providers"
)

func main() {
	prompt := flag.String("prompt", "", "generation prompt")
	purpose := flag.String("purpose", string(imagegen.PurposePortrait), "portrait|expression_edit|outfit_edit|background|key_art")
	out := flag.String("out", "sprite.png", "output file path")
	noMatte := flag.Bool("no-matte", false, "skip background removal")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := infra.LoadConfig()
	if err != nil {
		fail("load config: %v", err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	chain, err := providers.BuildChain(cfg, &logger)
	if err != nil {
		fail("build provider chain: %v", err)
	}
	orch := imagegen.NewOrchestrator(chain, imagegen.RetryConfig{
		MaxAttempts: cfg.RetryMaxAttempts,
		BackoffBase: cfg.RetryBackoffBase,
	}, &logger)

	req := imagegen.GenerationRequest{
		Purpose:   imagegen.NormalizePurpose(*purpose),
		Prompt:    *prompt,
		RequestID: uuid.NewString(),
	}
	result, err := orch.Generate(context.Background(), req)
	if err != nil {
		fail("generate: %v", err)
	}

	asset := result.Asset
	if req.Purpose.NeedsMatting() && !*noMatte {
		asset = matting.RemoveBackgroundWith(asset, matting.Config{
			ThresholdBright: cfg.MatteThresholdBright,
			ThresholdDark:   cfg.MatteThresholdDark,
			ThresholdChroma: cfg.MatteThresholdChroma,
			Feather:         cfg.MatteFeather,
		})
	}
	if err := os.WriteFile(*out, asset.Data, 0o644); err != nil {
		fail("write output: %v", err)
	}
	fmt.Printf("wrote %s (%d bytes, %s via %s)\n", *out, len(asset.Data), asset.MediaType, result.Provider)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "spritegen: "+format+"\n", args...)
	os.Exit(1)
}
