package main

import (
	"context"
	"strings"

	"lineprov/internal/assets"
	"lineprov/internal/browser"
	"lineprov/internal/challenge"
	"lineprov/internal/config"
	"lineprov/internal/logging"
	"lineprov/internal/records"
	"lineprov/internal/supervisor"
	"lineprov/internal/workflow"
)

func browserConfig(cfg *config.Config) browser.Config {
	bc := browser.DefaultConfig()
	b := cfg.Browser
	bc.Bin = b.Bin
	bc.Headless = cfg.Options.Headless
	bc.DebugDir = cfg.Paths.DebugDir
	if len(b.Args) > 0 {
		bc.Args = b.Args
	}
	if len(b.UserAgents) > 0 {
		bc.UserAgents = b.UserAgents
	}
	if len(b.Viewports) > 0 {
		bc.Viewports = make([]browser.Viewport, 0, len(b.Viewports))
		for _, v := range b.Viewports {
			bc.Viewports = append(bc.Viewports, browser.Viewport{Width: v.Width, Height: v.Height})
		}
	}
	if b.Locale != "" {
		bc.Locale = b.Locale
	}
	if b.Timezone != "" {
		bc.Timezone = b.Timezone
	}
	if b.ActionDelayMaxMs > 0 {
		bc.ActionDelayMinMs, bc.ActionDelayMaxMs = b.ActionDelayMinMs, b.ActionDelayMaxMs
	}
	if b.TypingDelayMaxMs > 0 {
		bc.TypingDelayMinMs, bc.TypingDelayMaxMs = b.TypingDelayMinMs, b.TypingDelayMaxMs
	}
	if b.MouseStepsMax > 0 {
		bc.MouseStepsMin, bc.MouseStepsMax = b.MouseStepsMin, b.MouseStepsMax
	}
	if b.BezierOffset > 0 {
		bc.BezierOffset = b.BezierOffset
	}
	bc.NavigationTimeoutMs = int(cfg.GetNavigationTimeout().Milliseconds())
	bc.ElementTimeoutMs = int(cfg.GetElementTimeout().Milliseconds())
	return bc
}

func gateOptions(cfg *config.Config) []challenge.Option {
	opts := []challenge.Option{
		challenge.WithFallback(cfg.GetChallengeFallbackWait()),
		challenge.WithLogger(logging.Get(logging.CategoryChallenge)),
	}
	if len(cfg.Challenge.Selectors) > 0 {
		opts = append(opts, challenge.WithSelectors(cfg.Challenge.Selectors))
	}
	if cfg.Challenge.MinSizePx > 0 {
		opts = append(opts, challenge.WithMinSize(cfg.Challenge.MinSizePx))
	}
	return opts
}

func workflowConfig(cfg *config.Config) workflow.Config {
	site := workflow.DefaultSite()
	s := cfg.Site
	for dst, src := range map[*string]string{
		&site.LoginURL:      s.LoginURL,
		&site.ManagerURL:    s.ManagerURL,
		&site.DevelopersURL: s.DevelopersURL,
		&site.EntryURL:      s.EntryURL,
		&site.PageURL:       s.PageURL,
		&site.CategoryGroup: s.CategoryGroup,
		&site.Category:      s.Category,
	} {
		if src != "" {
			*dst = src
		}
	}
	return workflow.Config{
		Email:          cfg.Login.Email,
		Password:       cfg.Login.Password,
		BizManagerName: cfg.BizManagerName(),
		Site:           site,
		DebugDir:       cfg.Paths.DebugDir,
	}
}

func supervisorConfig(cfg *config.Config) supervisor.Config {
	return supervisor.Config{
		SheetURL:         cfg.Sheet.URL,
		SheetName:        cfg.Sheet.Name,
		Mapping:          cfg.Mapping(),
		InterRecordDelay: cfg.GetInterRecordDelay(),
	}
}

func isCSV(source string) bool {
	return strings.HasSuffix(strings.ToLower(strings.TrimSpace(source)), ".csv")
}

func newSource(ctx context.Context, cfg *config.Config) (records.Source, error) {
	log := logging.Get(logging.CategoryRecords)
	if isCSV(cfg.Sheet.URL) {
		return records.NewCSVSource(cfg.Sheet.HeaderRows, cfg.Sheet.MaxAccounts, log), nil
	}
	return records.NewSheetsSource(ctx, cfg.Sheet.CredentialsFile,
		records.WithLimits(cfg.Sheet.HeaderRows, cfg.Sheet.MaxAccounts),
		records.WithLogger(log))
}

func s3Config(cfg *config.Config) assets.S3Config {
	return assets.S3Config{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		Region:    cfg.Storage.Region,
		UseSSL:    cfg.Storage.UseSSL,
	}
}

func newRetriever(cfg *config.Config) (*assets.Retriever, error) {
	opts := []assets.Option{assets.WithLogger(logging.Get(logging.CategoryAssets))}
	if sc := s3Config(cfg); sc.Enabled() {
		client, err := assets.NewS3Client(sc)
		if err != nil {
			return nil, err
		}
		opts = append(opts, assets.WithObjectStore(client))
	}
	return assets.New(cfg.Options.IconSavePath, opts...), nil
}
