package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"smartwarehouse/pkg/notify"
	"smartwarehouse/pkg/storage"
	"smartwarehouse/pkg/store"
	"smartwarehouse/pkg/suggest"
	"smartwarehouse/services/warehouse/internal/config"
)

func openRedis(ctx context.Context, cfg config.FileConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

func openImageStore(cfg config.FileConfig) (storage.ImageStore, error) {
	switch cfg.ImageStore {
	case "minio":
		return storage.NewMinioStore(cfg.Minio.Endpoint, cfg.Minio.AccessKey, cfg.Minio.SecretKey, cfg.Minio.Bucket, cfg.Minio.UseSSL)
	default:
		return storage.NewFileStore(cfg.UploadDir, cfg.PublicBaseURL)
	}
}

// buildPipeline assembles the configured suggestion stages. The returned
// cleanup closes provider clients that hold connections.
func buildPipeline(ctx context.Context, cfg config.FileConfig, st store.Store) (*suggest.Pipeline, func(), error) {
	timeout := time.Duration(cfg.AITimeoutSeconds) * time.Second
	cleanup := func() {}
	var stages []suggest.Stage

	if strings.TrimSpace(cfg.AIEndpoint) != "" {
		custom, err := suggest.NewCustomEndpoint(cfg.AIEndpoint, cfg.AIAPIKey, timeout)
		if err != nil {
			return nil, cleanup, err
		}
		stages = append(stages, custom)
	}

	var (
		captioner  suggest.Captioner
		classifier suggest.Classifier
		ocr        suggest.TextExtractor
	)
	if strings.TrimSpace(cfg.HFToken) != "" {
		// "none" turns zero-shot classification off.
		clip := cfg.HFClipModel
		switch clip {
		case "":
			clip = suggest.DefaultHFClipModel
		case "none":
			clip = ""
		}
		hf, err := suggest.NewHuggingFaceClient(cfg.HFToken,
			suggest.WithHFBaseURL(cfg.HFBaseURL),
			suggest.WithHFModels(cfg.HFCaptionModel, clip),
			suggest.WithHFTimeout(timeout),
		)
		if err != nil {
			return nil, cleanup, err
		}
		if cfg.CaptionProvider == "huggingface" {
			captioner = hf
		}
		if hf.HasClassifier() {
			classifier = hf
		}
	}
	switch cfg.CaptionProvider {
	case "gemini":
		gemini, err := suggest.NewGeminiCaptioner(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, cleanup, err
		}
		captioner = gemini
		cleanup = func() { _ = gemini.Close() }
	case "ollama":
		captioner = suggest.NewOllamaCaptioner(cfg.OllamaBaseURL, cfg.OllamaModel, timeout)
	case "openai":
		oai, err := suggest.NewOpenAICaptioner(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel, timeout)
		if err != nil {
			return nil, cleanup, err
		}
		captioner = oai
	}
	if cfg.OCREnabled {
		ocr = suggest.NewOCRSpaceClient(cfg.OCRSpaceKey, cfg.OCRSpaceURL, timeout)
	}
	if captioner != nil || ocr != nil {
		stages = append(stages, suggest.NewVisionStage(captioner, ocr, classifier))
	}

	pipeline := suggest.NewPipeline(st, st, stages...)
	slog.Info("suggestion pipeline ready", "stages", pipeline.Stages())
	return pipeline, cleanup, nil
}

func newMailer(cfg config.FileConfig) *notify.Mailer {
	return notify.NewMailer(notify.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.MailFrom,
		FromName: cfg.MailFromName,
	})
}
