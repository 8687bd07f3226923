package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cxyfer/weiboloader/internal/harvest"
	"github.com/cxyfer/weiboloader/internal/progress"
	"github.com/cxyfer/weiboloader/internal/ratelimit"
	"github.com/cxyfer/weiboloader/internal/weiboapi"
	"github.com/cxyfer/weiboloader/internal/weiboerr"
	"github.com/cxyfer/weiboloader/internal/wlconfig"
	"github.com/cxyfer/weiboloader/internal/zaplog"
)

// Flags holds the full command-line flag surface, unmarshalled by
// cobra/pflag.
type Flags struct {
	Mid string

	LoadCookies string
	Cookie      string
	CookieFile  string
	SessionFile string

	NoVideos        bool
	NoPictures      bool
	MetadataJSON    bool
	PostMetadataTxt string

	DirnamePattern  string
	FilenamePattern string

	Count           int
	FastUpdate      bool
	LatestStamps    string
	NoResume        bool
	RequestInterval float64
	CaptchaMode     string
	VisitorCookies  bool
	MaxWorkers      int

	Verbose bool
	Debug   bool
	Quiet   bool
}

// NewRootCommand builds the weiboloader cobra command.
func NewRootCommand() *cobra.Command {
	var flags Flags

	cmd := &cobra.Command{
		Use:           "weiboloader [targets...]",
		Short:         "Harvest Weibo posts and media",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && flags.Mid == "" {
				return weiboerr.New(weiboerr.KindInit, "at least one target or --mid is required")
			}
			if flags.Count < 0 {
				return weiboerr.New(weiboerr.KindInit, "--count must be >= 0")
			}
			if flags.RequestInterval < 0 {
				return weiboerr.New(weiboerr.KindInit, "--request-interval must be >= 0")
			}
			switch flags.CaptchaMode {
			case "auto", "browser", "manual", "skip":
			default:
				return weiboerr.New(weiboerr.KindInit, "--captcha-mode must be one of auto, browser, manual, skip")
			}
			// An unset --captcha-mode stays empty so a config.yaml
			// captcha_mode can fill it; weiboapi.New treats empty as auto.
			if !cmd.Flags().Changed("captcha-mode") {
				flags.CaptchaMode = ""
			}
			return Run(cmd.Context(), args, flags)
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return weiboerr.Wrap(weiboerr.KindInit, err, "invalid arguments")
	})

	cmd.Flags().StringVar(&flags.Mid, "mid", "", "single post mid")
	cmd.Flags().StringVar(&flags.LoadCookies, "load-cookies", "", "load cookies from a browser profile (chrome, firefox, edge)")
	cmd.Flags().StringVar(&flags.Cookie, "cookie", "", "cookie header string")
	cmd.Flags().StringVar(&flags.CookieFile, "cookie-file", "", "path to a file containing a cookie header string")
	cmd.Flags().StringVar(&flags.SessionFile, "sessionfile", "", "path to a saved session file")
	cmd.Flags().BoolVar(&flags.NoVideos, "no-videos", false, "skip video downloads")
	cmd.Flags().BoolVar(&flags.NoPictures, "no-pictures", false, "skip picture downloads")
	cmd.Flags().BoolVar(&flags.MetadataJSON, "metadata-json", false, "write per-post metadata as JSON")
	cmd.Flags().StringVar(&flags.PostMetadataTxt, "post-metadata-txt", "", "literal text written to <mid>.txt for each post")
	cmd.Flags().StringVar(&flags.DirnamePattern, "dirname-pattern", "", "target output directory pattern")
	cmd.Flags().StringVar(&flags.FilenamePattern, "filename-pattern", "", `media filename pattern (default "{date}_{name}")`)
	cmd.Flags().IntVar(&flags.Count, "count", 0, "stop after this many posts (0 = unbounded)")
	cmd.Flags().BoolVar(&flags.FastUpdate, "fast-update", false, "stop at the first post already downloaded")
	cmd.Flags().StringVar(&flags.LatestStamps, "latest-stamps", "", "watermark file path")
	cmd.Flags().BoolVar(&flags.NoResume, "no-resume", false, "ignore any existing checkpoint")
	cmd.Flags().Float64Var(&flags.RequestInterval, "request-interval", 0, "minimum seconds between api requests")
	cmd.Flags().StringVar(&flags.CaptchaMode, "captcha-mode", "auto", "captcha handling: auto, browser, manual, skip")
	cmd.Flags().BoolVar(&flags.VisitorCookies, "visitor-cookies", false, "auto-fetch visitor cookies (not available in this build)")
	cmd.Flags().IntVar(&flags.MaxWorkers, "max-workers", 0, "bound on concurrent media workers (0 = use config default or 4)")
	cmd.Flags().BoolVarP(&flags.Verbose, "verbose", "v", false, "verbose logging")
	cmd.Flags().BoolVar(&flags.Debug, "debug", false, "debug logging")
	cmd.Flags().BoolVarP(&flags.Quiet, "quiet", "q", false, "only log errors")

	return cmd
}

// Run wires the HTTP context's authentication sources in priority order
// (session file, then --cookie, then --cookie-file), builds the harvest
// orchestrator, and downloads every target.
func Run(ctx context.Context, targets []string, flags Flags) error {
	log := zaplog.New(zaplog.Options{
		Verbose: flags.Verbose,
		Debug:   flags.Debug,
		Quiet:   flags.Quiet,
		JSON:    os.Getenv("WEIBOLOADER_LOG_JSON") != "",
	})
	defer log.Sync() //nolint:errcheck // best-effort flush on exit

	defaults := wlconfig.Load()
	cmdOpts := wlconfig.CommandOptions{
		DirnamePattern:  flags.DirnamePattern,
		FilenamePattern: flags.FilenamePattern,
		RequestInterval: flags.RequestInterval,
		CaptchaMode:     flags.CaptchaMode,
		SessionPath:     flags.SessionFile,
		MaxWorkers:      flags.MaxWorkers,
	}
	defaults.ApplyTo(&cmdOpts)
	flags.DirnamePattern = cmdOpts.DirnamePattern
	flags.FilenamePattern = cmdOpts.FilenamePattern
	flags.RequestInterval = cmdOpts.RequestInterval
	flags.CaptchaMode = cmdOpts.CaptchaMode
	flags.SessionFile = cmdOpts.SessionPath
	flags.MaxWorkers = cmdOpts.MaxWorkers

	useTerminal := isTerminal(os.Stderr)
	var sink progress.Sink
	if useTerminal {
		sink = progress.NewTerminalSink()
	} else {
		sink = progress.NullSink{}
	}
	defer sink.Close()

	rateCfg := ratelimit.DefaultConfig()
	rateCfg.RequestInterval = time.Duration(flags.RequestInterval * float64(time.Second))

	apiOpts := weiboapi.Options{
		RateConfig:  rateCfg,
		CaptchaMode: weiboapi.CaptchaMode(flags.CaptchaMode),
		SessionPath: flags.SessionFile,
		Log:         log,
	}
	if pauser, ok := sink.(progress.Pauser); ok {
		apiOpts.OnPause, apiOpts.OnResume = pauser.Pause, pauser.Resume
	}

	api, err := weiboapi.New(apiOpts, nil)
	if err != nil {
		return weiboerr.Wrap(weiboerr.KindInit, err, "build http context")
	}

	hasAuth := api.LoadSession(flags.SessionFile)

	if flags.LoadCookies != "" {
		return weiboerr.New(weiboerr.KindInit,
			fmt.Sprintf("--load-cookies %s is not available in this build (no browser-cookie library is wired in)", flags.LoadCookies))
	}
	if flags.Cookie != "" {
		if err := api.SetCookiesFromString(flags.Cookie); err != nil {
			return weiboerr.Wrap(weiboerr.KindAuth, err, "--cookie")
		}
		hasAuth = true
	}
	if flags.CookieFile != "" {
		if err := api.SetCookiesFromFile(flags.CookieFile); err != nil {
			return weiboerr.Wrap(weiboerr.KindAuth, err, "--cookie-file")
		}
		hasAuth = true
	}
	if flags.VisitorCookies {
		return weiboerr.New(weiboerr.KindInit, "--visitor-cookies is not available in this build (no headless-browser library is wired in)")
	}

	if hasAuth {
		if err := api.ValidateCookie(); err != nil {
			return err
		}
		if err := api.SaveSession(flags.SessionFile); err != nil {
			log.Warn("save session failed", zap.Error(err))
		}
	}

	orch, err := harvest.New(api, harvest.Options{
		DirnamePattern:   flags.DirnamePattern,
		FilenamePattern:  flags.FilenamePattern,
		NoVideos:         flags.NoVideos,
		NoPictures:       flags.NoPictures,
		Count:            flags.Count,
		FastUpdate:       flags.FastUpdate,
		LatestStampsPath: flags.LatestStamps,
		MetadataJSON:     flags.MetadataJSON,
		PostMetadataTxt:  flags.PostMetadataTxt,
		NoResume:         flags.NoResume,
		MaxWorkers:       flags.MaxWorkers,
	}, sink, log)
	if err != nil {
		return err
	}

	rawTargets := targets
	if len(rawTargets) == 0 {
		rawTargets = []string{""}
	}

	parsed, err := parseTargets(rawTargets, flags.Mid)
	if err != nil {
		return err
	}

	results, err := orch.DownloadTargets(ctx, parsed)
	if err != nil {
		orch.Flush()
		return err
	}

	if len(results) == 0 {
		return weiboerr.New(weiboerr.KindTarget, "no targets produced a result")
	}
	for _, ok := range results {
		if !ok {
			return weiboerr.New(weiboerr.KindTarget, "one or more targets failed")
		}
	}
	return nil
}
