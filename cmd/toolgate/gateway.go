package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"toolgate/internal/alert"
	"toolgate/internal/browser"
	"toolgate/internal/config"
	"toolgate/internal/credential"
	"toolgate/internal/dispatch"
	"toolgate/internal/llm"
	"toolgate/internal/mcpserver"
	"toolgate/internal/metrics"
	"toolgate/internal/tool"
)

const openAICredential = "OPENAI_API_KEY"

// gateway is everything a serving process needs, assembled from config.
type gateway struct {
	cfg        *config.Config
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Gateway
	telegram   *alert.Telegram // nil unless Telegram alerts are enabled and reachable
	mcp        *mcpserver.Server
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// buildCapabilities wires every capability family with its config section.
// llm and renderer may be nil.
func buildCapabilities(cfg *config.Config, completer llm.Completer, renderer browser.Renderer) (*tool.Catalog, error) {
	t := cfg.Tools

	var caps []tool.Capability
	caps = append(caps, tool.MathCapabilities()...)
	caps = append(caps, tool.FinanceCapabilities(tool.FinanceConfig{
		BaseURL: t.Finance.BaseURL,
		Timeout: seconds(t.Finance.TimeoutSeconds),
	})...)
	caps = append(caps, tool.NewsCapabilities(tool.NewsConfig{
		NewsAPIURL:    t.News.NewsAPIURL,
		DuckDuckGoURL: t.News.DuckDuckGoURL,
		MaxResults:    t.News.MaxResults,
		Timeout:       seconds(t.News.TimeoutSeconds),
	})...)
	caps = append(caps,
		tool.NewWebSearch(tool.SearchConfig{
			DuckDuckGoURL: t.Search.DuckDuckGoURL,
			MaxResults:    t.Search.MaxResults,
			Timeout:       seconds(t.Search.TimeoutSeconds),
		}),
		tool.NewScrape(tool.ScrapeConfig{
			Timeout:  seconds(t.Scrape.TimeoutSeconds),
			Renderer: renderer,
		}),
		tool.NewDataAnalysis(tool.DataConfig{
			LLM:     completer,
			MaxRows: t.Data.MaxRows,
			Timeout: seconds(t.Data.TimeoutSeconds),
		}),
		tool.NewMusic(tool.MusicConfig{
			LLM:            completer,
			BaseURL:        t.Music.BaseURL,
			OutputDir:      t.Music.OutputDir,
			MaxPromptRunes: t.Music.MaxPromptLength,
			PollInterval:   seconds(t.Music.PollIntervalSeconds),
			Timeout:        seconds(t.Music.TimeoutSeconds),
		}),
	)
	return tool.NewCatalog(caps...)
}

func buildGateway(cfg *config.Config, logger *slog.Logger) (*gateway, error) {
	lookup := cfg.CredentialLookup(os.LookupEnv)

	var completer llm.Completer
	if key, ok := lookup(openAICredential); ok && key != "" {
		c, err := llm.New(llm.Config{
			APIKey:        key,
			Model:         cfg.LLM.Model,
			Endpoint:      cfg.LLM.Endpoint,
			AzureEndpoint: cfg.LLM.AzureEndpoint,
			MaxTokens:     int32(cfg.LLM.MaxTokens),
		})
		if err != nil {
			return nil, err
		}
		completer = c
	}

	var renderer browser.Renderer
	if b := cfg.Tools.Scrape.Browser; b.Enabled {
		if path, ok := browser.FindChrome(b.ExecPath); ok {
			renderer = browser.NewBridge(browser.BridgeConfig{
				ExecPath: path,
				Settle:   time.Duration(b.SettleMillis) * time.Millisecond,
				Logger:   logger,
			})
			logger.Info("headless browser enabled", "exec", path)
		} else {
			logger.Warn("browser rendering enabled but no Chrome binary found; scraping uses plain HTTP")
		}
	}

	catalog, err := buildCapabilities(cfg, completer, renderer)
	if err != nil {
		return nil, fmt.Errorf("capability catalog: %w", err)
	}
	snapshot := credential.Capture(credential.Names(catalog.Descriptors()), lookup)
	logger.Info("credentials captured", "present", snapshot.Names())

	var gw *metrics.Gateway
	if cfg.Metrics.Enabled {
		gw = metrics.NewGateway(metrics.NewCollector(cfg.Metrics.Prefix))
	}

	g := &gateway{cfg: cfg, metrics: gw}

	notifiers := alert.Multi{alert.Log{Logger: logger}}
	if tc := cfg.Alerts.Telegram; tc.Enabled {
		ids, err := tc.ChatIDs.Int64s()
		if err != nil {
			return nil, err
		}
		tg, err := alert.NewTelegram(alert.TelegramConfig{
			Token:    tc.Token,
			ChatIDs:  ids,
			Cooldown: seconds(tc.CooldownSeconds),
			Logger:   logger,
		})
		if err != nil {
			// Alerts are best effort; the gateway still serves without them.
			logger.Warn("telegram alerts disabled", "err", err)
		} else {
			g.telegram = tg
			notifiers = append(notifiers, tg)
		}
	}

	g.dispatcher = dispatch.New(catalog, credential.NewResolver(snapshot), dispatch.Config{
		DefaultTimeout: seconds(cfg.Dispatch.DefaultTimeoutSeconds),
		MaxAttempts:    cfg.Dispatch.MaxAttempts,
		RetryBackoff:   time.Duration(cfg.Dispatch.RetryBackoffMillis) * time.Millisecond,
		Logger:         logger,
		Metrics:        gw,
		Alerts:         notifiers,
	})

	if cfg.MCP.Enabled {
		g.mcp, err = mcpserver.New(g.dispatcher, mcpserver.Config{Name: "toolgate", Version: version, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("mcp server: %w", err)
		}
	}
	return g, nil
}
